package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/parlane-io/mongocrud/internal/schema"
)

// castableOperators is the allow-list of operator tokens whose payloads
// are cast. Operators outside the list ($regex, $mod, ...) pass through
// untouched: query shapes are more varied than the schema, so unknown
// shapes are "nothing to do", not errors.
var castableOperators = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$gt": {}, "$gte": {}, "$lt": {}, "$lte": {},
	"$in": {}, "$nin": {}, "$all": {}, "$not": {},
	"$exists": {}, "$size": {},
}

// CastConditions returns a structurally identical copy of conds with leaf
// values cast to the kind declared by the schema path that produced them.
// Dotted keys cross relation boundaries: each hop switches the active
// schema to the target model. Only the deepest path per branch is cast,
// so parents of retained paths are never double-cast. CastConditions
// never fails; unmapped fields and unknown kinds are left as-is.
func CastConditions(src Source, root *ModelInfo, conds Node) Node {
	out := conds.clone()
	paths := DeepestPaths(Paths(out, WalkSep), WalkSep)
	for _, p := range paths {
		castPath(src, root, &out, strings.Split(p, WalkSep))
	}
	return out
}

func castPath(src Source, root *ModelInfo, tree *Node, segs []string) {
	cur := tree
	model := root
	kind := schema.KindUntyped
	var fieldAcc []string

	for i, seg := range segs {
		next := childPtr(cur, seg)
		if next == nil {
			return
		}
		last := i == len(segs)-1

		if isOperator(seg) {
			if last {
				if _, ok := castableOperators[seg]; !ok {
					return
				}
				// Existence tests are booleans and size tests are numbers
				// regardless of the field's declared kind.
				switch seg {
				case "$exists":
					kind = schema.KindBool
				case "$size":
					kind = schema.KindNumber
				}
			}
		} else if !isIndex(seg) {
			model, kind, fieldAcc = advanceSchema(src, model, kind, fieldAcc, seg)
		}

		if last {
			castLeaf(next, kind)
			return
		}
		cur = next
	}
}

// advanceSchema walks one conditions key through the schema graph. Keys
// may carry real dots ("group.name"), so each key is split again and each
// sub-segment either hops a relation — switching the active schema, the
// hop itself carries no type — or narrows the accumulated field path
// inside the current model.
func advanceSchema(
	src Source, model *ModelInfo, kind schema.FieldKind, fieldAcc []string, key string,
) (*ModelInfo, schema.FieldKind, []string) {
	for _, sub := range strings.Split(key, ".") {
		if sub == "" || isOperator(sub) || isIndex(sub) {
			continue
		}
		if target, _, ok := ResolveRelation(src, model, sub); ok {
			model = target
			kind = schema.KindUntyped
			fieldAcc = fieldAcc[:0]
			continue
		}
		if model == nil || model.Schema == nil {
			continue
		}
		fieldAcc = append(fieldAcc, sub)
		if composite := strings.Join(fieldAcc, "."); model.Schema.HasField(composite) {
			kind = model.Schema.Kind(composite)
		} else if model.Schema.HasField(sub) {
			kind = model.Schema.Kind(sub)
		}
	}
	return model, kind, fieldAcc
}

func childPtr(n *Node, seg string) *Node {
	switch n.Kind {
	case Map:
		for i := range n.Entries {
			if n.Entries[i].Key == seg {
				return &n.Entries[i].Node
			}
		}
	case List:
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(n.Items) {
			return &n.Items[idx]
		}
	}
	return nil
}

// castLeaf casts a scalar node in place. Null values and non-scalar
// nodes are skipped.
func castLeaf(n *Node, kind schema.FieldKind) {
	if n.Kind != Scalar || n.Value == nil {
		return
	}
	n.Value = castScalar(kind, n.Value)
}

func castScalar(kind schema.FieldKind, v any) any {
	switch kind {
	case schema.KindID:
		if _, ok := v.(primitive.ObjectID); ok {
			return v
		}
		if s, ok := v.(string); ok {
			if oid, err := primitive.ObjectIDFromHex(s); err == nil {
				return oid
			}
		}
		return v
	case schema.KindString:
		if _, ok := v.(string); ok {
			return v
		}
		return fmt.Sprint(v)
	case schema.KindNumber:
		return toNumber(v)
	case schema.KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		s := strings.ToLower(fmt.Sprint(v))
		return s == "1" || s == "true"
	case schema.KindDate:
		return toDate(v)
	default:
		return v
	}
}

func toNumber(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		f, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		if err != nil {
			return 0
		}
		return f
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toDate(v any) any {
	switch t := v.(type) {
	case time.Time, primitive.DateTime:
		return t
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
		return v
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	default:
		return v
	}
}

func (n Node) clone() Node {
	out := Node{Kind: n.Kind, Value: n.Value}
	if n.Items != nil {
		out.Items = make([]Node, len(n.Items))
		for i, item := range n.Items {
			out.Items[i] = item.clone()
		}
	}
	if n.Entries != nil {
		out.Entries = make([]Entry, len(n.Entries))
		for i, e := range n.Entries {
			out.Entries[i] = Entry{Key: e.Key, Node: e.Node.clone()}
		}
	}
	return out
}
