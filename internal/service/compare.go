package service

import (
	"encoding/json"
	"strconv"
)

// structurallyEqual reports whether got persists everything want asked for.
// Maps are compared per key the caller wrote (extra persisted keys are fine),
// slices elementwise, and scalar comparison tolerates type-coercion
// differences such as "19.99" against 19.99. Anything else is a mismatch.
func structurallyEqual(want, got interface{}) bool {
	w := normalizeJSON(want)
	g := normalizeJSON(got)
	return valuesEqual(w, g)
}

// normalizeJSON round-trips a value through JSON so typed structs and generic
// maps compare in the same shape the store persists.
func normalizeJSON(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func valuesEqual(want, got interface{}) bool {
	if want == nil {
		return got == nil
	}

	switch w := want.(type) {
	case map[string]interface{}:
		g, ok := got.(map[string]interface{})
		if !ok {
			return false
		}
		for k, wv := range w {
			if !valuesEqual(wv, g[k]) {
				return false
			}
		}
		return true

	case []interface{}:
		g, ok := got.([]interface{})
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valuesEqual(w[i], g[i]) {
				return false
			}
		}
		return true

	case float64:
		return numericEqual(w, got)

	case string:
		if g, ok := got.(string); ok {
			if g == w {
				return true
			}
		}
		// "19.99" written, 19.99 persisted
		if wf, err := strconv.ParseFloat(w, 64); err == nil {
			return numericEqual(wf, got)
		}
		return false

	case bool:
		g, ok := got.(bool)
		return ok && g == w

	default:
		return false
	}
}

func numericEqual(w float64, got interface{}) bool {
	var g float64
	switch t := got.(type) {
	case float64:
		g = t
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return false
		}
		g = parsed
	default:
		return false
	}

	diff := w - g
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
