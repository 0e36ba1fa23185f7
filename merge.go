package mongocrud

import "go.mongodb.org/mongo-driver/bson"

// deepMerge overlays src onto dst and returns the merged document.
// Nested plain documents merge key by key; arrays, identifiers, and any
// other non-document value on the src side replace the dst value
// wholesale. Neither input is mutated.
func deepMerge(dst, src bson.M) bson.M {
	out := make(bson.M, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		sub, ok := asDocument(v)
		if !ok {
			out[k] = v
			continue
		}
		existing, ok := asDocument(out[k])
		if !ok {
			out[k] = v
			continue
		}
		out[k] = deepMerge(existing, sub)
	}
	return out
}

// asDocument reports whether v is a plain nested document. ObjectIDs,
// arrays, and scalars are not documents for merge purposes.
func asDocument(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	default:
		return nil, false
	}
}
