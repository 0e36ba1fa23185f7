package mongocrud

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is one hydrated model instance. Data holds the stored fields,
// Relations the recursively hydrated related documents keyed by relation
// name (*Document for one-cardinality, []*Document for many), and Locals
// a transient side-channel for hooks.
type Document struct {
	ID        primitive.ObjectID
	Model     string
	Data      bson.M
	Relations map[string]any
	Locals    map[string]any
}

// SetLocal stores transient per-call state, such as the previous version
// of a document for a post-save hook.
func (d *Document) SetLocal(key string, value any) {
	if d.Locals == nil {
		d.Locals = make(map[string]any)
	}
	d.Locals[key] = value
}

// Local reads transient per-call state.
func (d *Document) Local(key string) (any, bool) {
	v, ok := d.Locals[key]
	return v, ok
}

// Relation returns the hydrated value of a relation field, nil when it
// was not populated or matched nothing.
func (d *Document) Relation(name string) any {
	return d.Relations[name]
}
