// Package pipeline compiles declarative query options — filters, sort,
// pagination, population, field selection — into aggregation pipeline
// stages. Conditions are modelled as a closed tree of Scalar, List, and
// Map variants so the walkers can recurse exhaustively instead of probing
// the structure of untyped values at every level.
package pipeline

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NodeKind discriminates the condition tree variants.
type NodeKind int

const (
	// Scalar is an atomic value, including already-typed identifiers.
	Scalar NodeKind = iota
	// List is an ordered sequence of nodes.
	List
	// Map is an ordered set of key/node entries.
	Map
)

// Node is one vertex of a conditions tree.
type Node struct {
	Kind    NodeKind
	Value   any     // Scalar only
	Items   []Node  // List only
	Entries []Entry // Map only
}

// Entry is a single key inside a Map node.
type Entry struct {
	Key  string
	Node Node
}

// FromValue converts an arbitrary nested structure (bson.M, bson.D,
// map[string]any, bson.A, []any) into a Node tree. Map keys are sorted
// for deterministic pipeline output; bson.D keeps its declared order.
// ObjectID values are atomic scalars even though they are structurally
// array-like.
func FromValue(v any) Node {
	switch t := v.(type) {
	case nil:
		return Node{Kind: Scalar, Value: nil}
	case primitive.ObjectID:
		return Node{Kind: Scalar, Value: t}
	case bson.D:
		entries := make([]Entry, 0, len(t))
		for _, e := range t {
			entries = append(entries, Entry{Key: e.Key, Node: FromValue(e.Value)})
		}
		return Node{Kind: Map, Entries: entries}
	case bson.M:
		return mapNode(t)
	case map[string]any:
		return mapNode(t)
	case bson.A:
		return listNode(t)
	case []any:
		return listNode(t)
	case []bson.M:
		items := make([]Node, 0, len(t))
		for _, e := range t {
			items = append(items, FromValue(e))
		}
		return Node{Kind: List, Items: items}
	case []string:
		items := make([]Node, 0, len(t))
		for _, e := range t {
			items = append(items, Node{Kind: Scalar, Value: e})
		}
		return Node{Kind: List, Items: items}
	default:
		return Node{Kind: Scalar, Value: v}
	}
}

func mapNode[M ~map[string]any](m M) Node {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{Key: k, Node: FromValue(m[k])})
	}
	return Node{Kind: Map, Entries: entries}
}

func listNode[L ~[]any](l L) Node {
	items := make([]Node, 0, len(l))
	for _, e := range l {
		items = append(items, FromValue(e))
	}
	return Node{Kind: List, Items: items}
}

// ToValue converts a Node tree back into bson values: Map becomes bson.M,
// List becomes bson.A, Scalar yields its value.
func (n Node) ToValue() any {
	switch n.Kind {
	case Map:
		out := bson.M{}
		for _, e := range n.Entries {
			out[e.Key] = e.Node.ToValue()
		}
		return out
	case List:
		out := make(bson.A, 0, len(n.Items))
		for _, item := range n.Items {
			out = append(out, item.ToValue())
		}
		return out
	default:
		return n.Value
	}
}

// ToMatch converts a Map node to bson.M. Non-map nodes yield an empty filter.
func (n Node) ToMatch() bson.M {
	if n.Kind != Map {
		return bson.M{}
	}
	m, _ := n.ToValue().(bson.M)
	return m
}

// lookup descends one map key.
func (n Node) lookup(key string) (Node, bool) {
	if n.Kind != Map {
		return Node{}, false
	}
	for _, e := range n.Entries {
		if e.Key == key {
			return e.Node, true
		}
	}
	return Node{}, false
}
