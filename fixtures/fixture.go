package fixtures

import (
	"io"
	"net/http"
)

const APIKey = "test_key"

// ConfigJson is a /config response with one flag per evaluation style:
// a plain default, a targeted condition and a percentage rollout.
const ConfigJson = `
[
	{
		"slug": "maintenance_banner",
		"defaultVariation": {
			"active": true,
			"value": "on"
		},
		"conditions": []
	},
	{
		"slug": "checkout_redesign",
		"defaultVariation": {
			"active": true,
			"value": "basic"
		},
		"conditions": [{
			"rules": [{
				"key": "plan",
				"operator": "STR_EQUAL",
				"negate": false,
				"values": ["premium"]
			}],
			"variation": {
				"active": true,
				"value": "premium"
			}
		}]
	},
	{
		"slug": "new_search",
		"defaultVariation": {
			"active": false
		},
		"conditions": [{
			"rules": [{
				"key": "userId",
				"operator": "PERCENTAGE",
				"negate": false,
				"rangeStart": 0,
				"rangeEnd": 1,
				"seed": 42
			}],
			"variation": {
				"active": true,
				"value": true
			}
		}]
	}
]
`

// ConfigChangedJson is ConfigJson with checkout_redesign's default
// changed, for exercising the config diff.
const ConfigChangedJson = `
[
	{
		"slug": "maintenance_banner",
		"defaultVariation": {
			"active": true,
			"value": "on"
		},
		"conditions": []
	},
	{
		"slug": "checkout_redesign",
		"defaultVariation": {
			"active": true,
			"value": "classic"
		},
		"conditions": [{
			"rules": [{
				"key": "plan",
				"operator": "STR_EQUAL",
				"negate": false,
				"values": ["premium"]
			}],
			"variation": {
				"active": true,
				"value": "premium"
			}
		}]
	},
	{
		"slug": "new_search",
		"defaultVariation": {
			"active": false
		},
		"conditions": [{
			"rules": [{
				"key": "userId",
				"operator": "PERCENTAGE",
				"negate": false,
				"rangeStart": 0,
				"rangeEnd": 1,
				"seed": 42
			}],
			"variation": {
				"active": true,
				"value": true
			}
		}]
	}
]
`

const FlagsJson = `
{
	"maintenance_banner": "on",
	"checkout_redesign": "premium",
	"new_search": true
}
`

func ConfigHandler(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, ConfigJson)
}

func FlagsHandler(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, FlagsJson)
}
