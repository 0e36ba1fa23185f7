package mongocrud

import "github.com/parlane-io/mongocrud/internal/schema"

// Schema declares a model's fields and relations. Build one with
// NewSchema, then chain Field and Relate calls; it must not change after
// the model is registered.
type Schema = schema.Schema

// FieldKind is the declared primitive kind of a schema field.
type FieldKind = schema.FieldKind

// Relation describes a join from the owning model to a target model's
// collection via a local/foreign key pair.
type Relation = schema.Relation

// Field kinds recognized by the type caster.
const (
	KindUntyped = schema.KindUntyped
	KindID      = schema.KindID
	KindString  = schema.KindString
	KindNumber  = schema.KindNumber
	KindBool    = schema.KindBool
	KindDate    = schema.KindDate
	KindObject  = schema.KindObject
	KindArray   = schema.KindArray
)

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return schema.New()
}

// ParseKind maps a kind name (as used in config files) to a FieldKind.
func ParseKind(s string) FieldKind {
	return schema.ParseKind(s)
}
