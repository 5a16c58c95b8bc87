package exchange

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload helpers coerce loosely-typed JSON values. They never fail: a value
// of the wrong shape becomes the zero value.

// Data unwraps the "data" member of a response envelope.
func Data(envelope map[string]any) any {
	if envelope == nil {
		return nil
	}
	if d, ok := envelope["data"]; ok {
		return d
	}
	return nil
}

func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// Float parses numbers and numeric strings.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// FloatOr returns def when v is not numeric.
func FloatOr(v any, def float64) float64 {
	if f, ok := Float(v); ok {
		return f
	}
	return def
}

func Int(v any) int {
	f, ok := Float(v)
	if !ok {
		return 0
	}
	return int(f)
}

func Map(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func List(v any) []any {
	l, _ := v.([]any)
	return l
}
