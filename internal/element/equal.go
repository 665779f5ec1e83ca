package element

import "sort"

// Equal reports whether a and b hold the same elements, ignoring top-level
// order. Both sides are compared in cleaned form.
func Equal(a, b Collection) bool {
	left := Clean(a)
	right := Clean(b)
	if len(left) != len(right) {
		return false
	}
	sort.SliceStable(left, func(i, j int) bool { return left[i].ID < left[j].ID })
	sort.SliceStable(right, func(i, j int) bool { return right[i].ID < right[j].ID })
	for i := range left {
		if left[i].ID != right[i].ID {
			return false
		}
		if !deepEqual(left[i].Map(), right[i].Map()) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	switch left := a.(type) {
	case map[string]any:
		right, ok := b.(map[string]any)
		if !ok || len(left) != len(right) {
			return false
		}
		for key, value := range left {
			other, exists := right[key]
			if !exists || !deepEqual(value, other) {
				return false
			}
		}
		return true
	case []any:
		right, ok := b.([]any)
		if !ok || len(left) != len(right) {
			return false
		}
		for i := range left {
			if !deepEqual(left[i], right[i]) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	default:
		switch b.(type) {
		case map[string]any, []any:
			return false
		}
		return a == b
	}
}
