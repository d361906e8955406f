package flagengine

import (
	"encoding/json"
	"time"

	"github.com/itlightning/dateparse"
)

// isoBoundaryLayout is the fixed-width form date rules compare against.
const isoBoundaryLayout = "2006-01-02T15:04:05"

// Variation is a flag outcome. An inactive variation means the flag emits
// no value, regardless of Value.
type Variation struct {
	Active bool `json:"active"`
	Value  any  `json:"value,omitempty"`
}

// Condition pairs an ANDed rule list with the variation it yields when
// every rule matches.
type Condition struct {
	Rules     []Rule    `json:"rules"`
	Variation Variation `json:"variation"`
}

// Flag is a single feature flag as served by the API. Condition order is
// server-assigned and significant: evaluation is first-match-wins.
type Flag struct {
	Slug             string      `json:"slug,omitempty"`
	DefaultVariation Variation   `json:"defaultVariation"`
	Conditions       []Condition `json:"conditions"`
}

// Rule is one predicate over a single context key. Which parameter fields
// are populated depends on the operator.
type Rule struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Negate   bool     `json:"negate,omitempty"`

	// PERCENTAGE parameters. RangeStart and RangeEnd are in [0, 1).
	RangeStart *float64 `json:"rangeStart,omitempty"`
	RangeEnd   *float64 `json:"rangeEnd,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`

	// Value list for the equality/containment family and ARR_OVERLAP.
	Values []string `json:"values,omitempty"`

	// The wire "value" field holds a string for REGEXP/STR_BEFORE/STR_AFTER
	// and a number for EQ/LT/GT; decoding splits it into these two fields.
	Value        string   `json:"-"`
	NumericValue *float64 `json:"-"`

	// DATE_AFTER/DATE_BEFORE boundary: the same instant as epoch
	// milliseconds and as a fixed-width ISO string.
	Timestamp *int64 `json:"timestamp,omitempty"`
	ISO       string `json:"iso,omitempty"`

	// SEMVER_* target components.
	Version []int `json:"version,omitempty"`
}

type ruleAlias Rule

func (r *Rule) UnmarshalJSON(data []byte) error {
	aux := struct {
		*ruleAlias
		Value any `json:"value"`
	}{ruleAlias: (*ruleAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch v := aux.Value.(type) {
	case string:
		r.Value = v
	case float64:
		r.NumericValue = &v
	}
	if r.Operator == OpDateAfter || r.Operator == OpDateBefore {
		r.fillDateBoundary()
	}
	return nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	aux := struct {
		ruleAlias
		Value any `json:"value,omitempty"`
	}{ruleAlias: ruleAlias(r)}
	if r.NumericValue != nil {
		aux.Value = *r.NumericValue
	} else if r.Value != "" {
		aux.Value = r.Value
	}
	return json.Marshal(aux)
}

// fillDateBoundary derives the missing half of the timestamp/iso pair.
// The API sends both forms of the boundary, but older payloads (and
// hand-written fixtures) may carry only one.
func (r *Rule) fillDateBoundary() {
	if r.Timestamp == nil && r.ISO != "" {
		if t, err := dateparse.ParseAny(r.ISO); err == nil {
			ms := t.UTC().UnixMilli()
			r.Timestamp = &ms
		}
	}
	if r.ISO == "" && r.Timestamp != nil {
		r.ISO = time.UnixMilli(*r.Timestamp).UTC().Format(isoBoundaryLayout)
	}
}
