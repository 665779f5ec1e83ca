package element

import (
	"encoding/json"
)

// Clean normalizes c: null fields dropped, array fields coerced, numbers as float64,
// empty objects removed, unkeyed elements dropped. Order is preserved and the
// result never aliases c.
func Clean(c Collection) Collection {
	out := make(Collection, 0, len(c))
	for _, e := range c {
		if cleaned, ok := FromMap(e.Map()); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

// CleanRaw cleans decoded json items into a Collection.
func CleanRaw(items []any) Collection {
	out := make(Collection, 0, len(items))
	for _, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if e, ok := FromMap(raw); ok {
			out = append(out, e)
		}
	}
	return out
}

// CleanValue applies the cleaning rules to an arbitrary json-like value. The
// boolean is false when the value collapses to absent.
func CleanValue(v any) (any, bool) {
	switch typed := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return cleanObject(typed, false)
	case []any:
		return cleanArray(typed), true
	case string, bool, float64:
		return typed, true
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return typed.String(), true
		}
		return f, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return nil, false
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, false
		}
		return CleanValue(generic)
	}
}

func cleanObject(in map[string]any, topLevel bool) (map[string]any, bool) {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if IsArrayField(key) {
			out[key] = coerceArray(value)
			continue
		}
		if cleaned, ok := CleanValue(value); ok {
			out[key] = cleaned
		}
	}
	if topLevel {
		for _, name := range arrayFields {
			if _, ok := out[name]; !ok {
				out[name] = []any{}
			}
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// cleanArray keeps null items in place; only items that collapse to absent
// (empty objects) are removed.
func cleanArray(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil {
			out = append(out, nil)
			continue
		}
		if cleaned, ok := CleanValue(item); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

func coerceArray(v any) []any {
	cleaned, ok := CleanValue(v)
	if !ok {
		return []any{}
	}
	items, isArray := cleaned.([]any)
	if !isArray {
		return []any{}
	}
	return items
}
