package pipeline

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// SortStage translates a sort specification into a $sort stage. The spec
// may be an explicit field→direction mapping (bson.D, bson.M,
// map[string]int), a single field name, or a list of field names where a
// leading minus means descending. Empty input yields no stage.
func SortStage(spec any) bson.M {
	doc := sortDocument(spec)
	if len(doc) == 0 {
		return nil
	}
	return bson.M{"$sort": doc}
}

func sortDocument(spec any) bson.D {
	switch t := spec.(type) {
	case nil:
		return nil
	case bson.D:
		return t
	case bson.M:
		doc := make(bson.D, 0, len(t))
		for _, p := range Paths(FromValue(t), ".") {
			// map keys are already sorted by FromValue; depth 1 only
			if strings.Contains(p, ".") {
				continue
			}
			doc = append(doc, bson.E{Key: p, Value: sortDirection(t[p])})
		}
		return doc
	case map[string]int:
		m := make(bson.M, len(t))
		for k, v := range t {
			m[k] = v
		}
		return sortDocument(m)
	case string:
		return sortFields([]string{t})
	case []string:
		return sortFields(t)
	default:
		return nil
	}
}

func sortFields(fields []string) bson.D {
	doc := make(bson.D, 0, len(fields))
	for _, f := range fields {
		if f == "" || f == "-" {
			continue
		}
		dir := 1
		if strings.HasPrefix(f, "-") {
			dir = -1
			f = f[1:]
		}
		doc = append(doc, bson.E{Key: f, Value: dir})
	}
	return doc
}

func sortDirection(v any) int {
	switch t := v.(type) {
	case int:
		if t < 0 {
			return -1
		}
		return 1
	case int32:
		return sortDirection(int(t))
	case int64:
		return sortDirection(int(t))
	case float64:
		return sortDirection(int(t))
	case string:
		if t == "desc" || t == "-1" {
			return -1
		}
		return 1
	default:
		return 1
	}
}

// SortKeys returns the field names referenced by a sort specification,
// stripped of direction markers.
func SortKeys(spec any) []string {
	doc := sortDocument(spec)
	keys := make([]string, 0, len(doc))
	for _, e := range doc {
		keys = append(keys, e.Key)
	}
	return keys
}

// SampleStage yields a $sample stage of the given size, nil for sizes < 1.
func SampleStage(size int64) bson.M {
	if size < 1 {
		return nil
	}
	return bson.M{"$sample": bson.M{"size": size}}
}

// SkipStage yields a $skip stage, nil when n is unset.
func SkipStage(n *int64) bson.M {
	if n == nil {
		return nil
	}
	return bson.M{"$skip": *n}
}

// LimitStage yields a $limit stage, nil when n is unset.
func LimitStage(n *int64) bson.M {
	if n == nil {
		return nil
	}
	return bson.M{"$limit": *n}
}

// SelectStage builds a nested inclusion projection from dotted and flat
// field paths. The terminal segment of each path is included with 1; a
// path whose prefix is already fully included is absorbed by it. Empty
// input yields no stage.
func SelectStage(paths []string) bson.M {
	tree := bson.M{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		insertProjection(tree, strings.Split(p, "."))
	}
	if len(tree) == 0 {
		return nil
	}
	return bson.M{"$project": tree}
}

func insertProjection(tree bson.M, segs []string) {
	head := segs[0]
	if head == "" {
		return
	}
	existing, ok := tree[head]
	if len(segs) == 1 {
		if !ok {
			tree[head] = 1
		}
		return
	}
	sub, isMap := existing.(bson.M)
	if ok && !isMap {
		// prefix already fully included
		return
	}
	if !isMap {
		sub = bson.M{}
		tree[head] = sub
	}
	insertProjection(sub, segs[1:])
}

// DistinctStages yields a $group stage keeping the first full document
// per unique combination of fields, followed by a $replaceRoot promoting
// that document. Grouping does not preserve order: callers that need a
// stable order must re-apply their sort stage afterwards.
func DistinctStages(fields []string) []bson.M {
	if len(fields) == 0 {
		return nil
	}
	var key any
	if len(fields) == 1 {
		key = "$" + fields[0]
	} else {
		composite := bson.M{}
		for i, f := range fields {
			// group keys may not contain dots
			composite[fmt.Sprintf("k%d", i)] = "$" + f
		}
		key = composite
	}
	return []bson.M{
		{"$group": bson.M{"_id": key, "doc": bson.M{"$first": "$$ROOT"}}},
		{"$replaceRoot": bson.M{"newRoot": "$doc"}},
	}
}

// UnsetStage yields an $unset stage for the given paths, nil when empty.
func UnsetStage(paths []string) bson.M {
	if len(paths) == 0 {
		return nil
	}
	return bson.M{"$unset": paths}
}
