package element

import "time"

// Merge combines a remote snapshot with local edits keyed by element id. Local
// entries replace remote entries with the same id; remote-only entries are
// kept. The result follows first-seen order: remote order, then local-only
// additions in local order.
func Merge(remote, local Collection) Collection {
	order := make([]string, 0, len(remote)+len(local))
	byID := make(map[string]Element, len(remote)+len(local))
	put := func(e Element) {
		if _, seen := byID[e.ID]; !seen {
			order = append(order, e.ID)
		}
		byID[e.ID] = e
	}
	for _, e := range remote {
		put(e)
	}
	for _, e := range local {
		put(e)
	}
	out := make(Collection, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func MarkDeleted(e Element, at time.Time) Element {
	return e.With(FieldIsDeleted, true).With(FieldUpdated, float64(at.UnixMilli()))
}

// PruneTombstones drops deleted elements whose updated timestamp is older than
// retention. A non-positive retention keeps every tombstone; tombstones without
// a timestamp are kept.
func PruneTombstones(c Collection, retention time.Duration, now time.Time) Collection {
	if retention <= 0 {
		return c
	}
	cutoff := now.Add(-retention)
	out := make(Collection, 0, len(c))
	for _, e := range c {
		if e.IsDeleted() {
			if updatedAt, ok := e.UpdatedAt(); ok && updatedAt.Before(cutoff) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
