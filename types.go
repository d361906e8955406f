package tggl

import "reflect"

// Context carries the attributes a flag is evaluated against, e.g.
// {"userId": "abc", "plan": "premium"}. It is never mutated by the
// client.
type Context map[string]any

// shapeMatches reports whether value has the same runtime shape as
// defaultValue. Callers are guaranteed results matching the type of
// the default they supplied; a flag whose value changed shape
// server-side falls back to the default instead of leaking a foreign
// type. A nil default accepts any value, and all numeric types count
// as one shape since JSON numbers decode as float64.
func shapeMatches(value, defaultValue any) bool {
	if value == nil || defaultValue == nil {
		return true
	}
	return shapeOf(value) == shapeOf(defaultValue)
}

func shapeOf(value any) string {
	switch value.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return "number"
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		return "object"
	default:
		return reflect.TypeOf(value).String()
	}
}
