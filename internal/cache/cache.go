// Package cache provides an optional read-through cache for aggregation
// results, keyed by collection and pipeline shape and invalidated per
// collection on every write.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// Cache stores aggregation results per collection. Get and Set are best
// effort: a cache failure is never a query failure.
type Cache interface {
	Get(ctx context.Context, collection, key string) ([]bson.M, bool)
	Set(ctx context.Context, collection, key string, rows []bson.M)
	Invalidate(ctx context.Context, collection string)
}

// Key derives a stable cache key from a pipeline. Stages are
// canonicalized before hashing, so two queries that compile to the same
// stage list share a key regardless of map iteration order.
func Key(collection string, pipeline []bson.M) string {
	raw, err := bson.MarshalExtJSON(bson.D{
		{Key: "c", Value: collection},
		{Key: "p", Value: canonical(pipeline)},
	}, true, false)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonical rewrites maps as key-sorted documents. Explicitly ordered
// documents and arrays keep their order; order is semantic there.
func canonical(v any) any {
	switch t := v.(type) {
	case bson.M:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := make(bson.D, 0, len(t))
		for _, k := range keys {
			doc = append(doc, bson.E{Key: k, Value: canonical(t[k])})
		}
		return doc
	case map[string]any:
		return canonical(bson.M(t))
	case bson.D:
		doc := make(bson.D, len(t))
		for i, e := range t {
			doc[i] = bson.E{Key: e.Key, Value: canonical(e.Value)}
		}
		return doc
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}
		return out
	case []any:
		return canonical(bson.A(t))
	case []bson.M:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}
		return out
	default:
		return v
	}
}
