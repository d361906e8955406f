package flagengine

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tggl-io/tggl-go-client/flagengine/utils"
)

// Numeric context timestamps below this magnitude (1990-01-01T00:00:00Z
// in milliseconds) are assumed to be in epoch seconds.
const epochSecondsThreshold = 631152000000

// Fixed-width templates used to pad or truncate partial date strings so
// that "2024-01-02" compares sensibly against a full boundary. DATE_AFTER
// pads to end of day, DATE_BEFORE to start of day.
const (
	dateAfterTemplate  = "2000-01-01T23:59:59"
	dateBeforeTemplate = "2000-01-01T00:00:00"
)

const maxPatternCacheSize = 256

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

// EvalFlag resolves a flag against the given context. Conditions are
// evaluated in server order and the first whose rules all pass is
// terminal: it yields its variation's value when active and no value
// when inactive, without falling through to later conditions or the
// default. A nil result means the flag emits no value.
func EvalFlag(context map[string]any, flag *Flag) any {
	for i := range flag.Conditions {
		if EvalRules(context, flag.Conditions[i].Rules) {
			if flag.Conditions[i].Variation.Active {
				return flag.Conditions[i].Variation.Value
			}
			return nil
		}
	}
	if flag.DefaultVariation.Active {
		return flag.DefaultVariation.Value
	}
	return nil
}

// EvalRules reports whether every rule matches the context, short
// circuiting on the first failure.
func EvalRules(context map[string]any, rules []Rule) bool {
	for i := range rules {
		r := &rules[i]
		if !EvalRule(r, context[r.Key]) {
			return false
		}
	}
	return true
}

// EvalRule evaluates a single rule against the context's value for the
// rule's key, where nil means the key is absent. Rules with operators
// this SDK does not recognize never match.
func EvalRule(r *Rule, value any) bool {
	// EMPTY is the only operator that can match an absent value, and the
	// only one whose negation applies directly to the emptiness check.
	if r.Operator == OpEmpty {
		isEmpty := value == nil || value == ""
		return isEmpty != r.Negate
	}

	// Every other operator treats an absent value as a non-match before
	// negation, so negation never turns absence into a match.
	if value == nil {
		return false
	}

	var matches bool
	switch r.Operator {
	case OpTrue:
		b, ok := value.(bool)
		if !ok {
			return false
		}
		return b == !r.Negate
	case OpStrEqual:
		s, ok := value.(string)
		if !ok {
			return false
		}
		matches = contains(r.Values, s)
	case OpStrEqualSoft:
		if _, isStr := value.(string); !isStr {
			if _, isNum := numeric(value); !isNum {
				return false
			}
		}
		matches = contains(r.Values, strings.ToLower(stringify(value)))
	case OpStrContains:
		matches = anyMatch(r.Values, value, strings.Contains)
	case OpStrStartsWith:
		matches = anyMatch(r.Values, value, strings.HasPrefix)
	case OpStrEndsWith:
		matches = anyMatch(r.Values, value, strings.HasSuffix)
	case OpStrAfter:
		s, ok := value.(string)
		if !ok || r.Value == "" {
			return false
		}
		matches = s >= r.Value
	case OpStrBefore:
		s, ok := value.(string)
		if !ok || r.Value == "" {
			return false
		}
		matches = s <= r.Value
	case OpRegexp:
		s, ok := value.(string)
		if !ok || r.Value == "" {
			return false
		}
		re, err := compilePattern(r.Value)
		if err != nil {
			return false
		}
		matches = re.MatchString(s)
	case OpEq, OpLt, OpGt:
		n, ok := numeric(value)
		if !ok || r.NumericValue == nil {
			return false
		}
		switch r.Operator {
		case OpEq:
			matches = n == *r.NumericValue
		case OpLt:
			matches = n < *r.NumericValue
		default:
			matches = n > *r.NumericValue
		}
	case OpArrOverlap:
		matches = evalArrOverlap(r, value)
	case OpDateAfter, OpDateBefore:
		return evalDate(r, value)
	case OpSemverEq, OpSemverGte, OpSemverLte:
		return evalSemver(r, value)
	case OpPercentage:
		return evalPercentage(r, value)
	default:
		// Unrecognized operator tag: degrade to non-match.
		return false
	}
	return matches != r.Negate
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func anyMatch(values []string, value any, pred func(s, substr string) bool) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, v := range values {
		if pred(s, v) {
			return true
		}
	}
	return false
}

func evalArrOverlap(r *Rule, value any) bool {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if contains(r.Values, stringify(rv.Index(i).Interface())) {
			return true
		}
	}
	return false
}

func evalDate(r *Rule, value any) bool {
	after := r.Operator == OpDateAfter

	if s, ok := value.(string); ok {
		if r.ISO == "" {
			return false
		}
		template := dateBeforeTemplate
		if after {
			template = dateAfterTemplate
		}
		var padded string
		if len(s) < len(template) {
			padded = s + template[len(s):]
		} else {
			padded = s[:len(template)]
		}
		var matches bool
		if after {
			matches = r.ISO <= padded
		} else {
			matches = r.ISO >= padded
		}
		return matches != r.Negate
	}

	if n, ok := numeric(value); ok {
		if r.Timestamp == nil {
			return false
		}
		ms := int64(n)
		if ms < epochSecondsThreshold {
			ms *= 1000
		}
		var matches bool
		if after {
			matches = ms >= *r.Timestamp
		} else {
			matches = ms <= *r.Timestamp
		}
		return matches != r.Negate
	}

	return false
}

// evalSemver compares the value's dot-separated integer components
// against the rule's target, up to the target's length. Non-numeric
// components parse as 0; a value with fewer components than the target
// never satisfies the comparison.
func evalSemver(r *Rule, value any) bool {
	s, ok := value.(string)
	if !ok || len(r.Version) == 0 {
		return false
	}
	components := parseVersionComponents(s)

	for i, target := range r.Version {
		if i >= len(components) {
			return r.Negate
		}
		switch r.Operator {
		case OpSemverEq:
			if components[i] != target {
				return r.Negate
			}
		case OpSemverGte:
			if components[i] > target {
				return !r.Negate
			}
			if components[i] < target {
				return r.Negate
			}
		case OpSemverLte:
			if components[i] < target {
				return !r.Negate
			}
			if components[i] > target {
				return r.Negate
			}
		}
	}
	return !r.Negate
}

func parseVersionComponents(version string) []int {
	parts := strings.Split(version, ".")
	components := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		components[i] = n
	}
	return components
}

func evalPercentage(r *Rule, value any) bool {
	if _, isStr := value.(string); !isStr {
		if _, isNum := numeric(value); !isNum {
			return false
		}
	}
	if r.RangeStart == nil || r.RangeEnd == nil || r.Seed == nil {
		return false
	}
	p := utils.BucketProbability(stringify(value), uint32(*r.Seed))
	matches := p >= *r.RangeStart && p < *r.RangeEnd
	return matches != r.Negate
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if len(patternCache) >= maxPatternCacheSize {
		// The cache is cleared wholesale when full, not evicted per entry.
		patternCache = make(map[string]*regexp.Regexp, maxPatternCacheSize)
	}
	patternCache[pattern] = re
	return re, nil
}

// stringify renders a value the way other SDKs do before hashing or
// comparing: shortest decimal form for numbers, Go defaults elsewhere.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		if n, ok := numeric(value); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", value)
	}
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
