// Package schema holds per-model field and relation declarations.
// A Schema is immutable after the model is registered; every component
// that walks conditions, builds joins, or hydrates rows reads from it.
package schema

// FieldKind is the declared primitive kind of a schema field.
type FieldKind int

const (
	// KindUntyped marks fields with no declared kind; values pass through casting unchanged.
	KindUntyped FieldKind = iota
	// KindID is a database identifier (ObjectID).
	KindID
	// KindString is a UTF-8 string.
	KindString
	// KindNumber is a numeric value (stored as float64 after casting).
	KindNumber
	// KindBool is a boolean.
	KindBool
	// KindDate is a point in time.
	KindDate
	// KindObject is an embedded document.
	KindObject
	// KindArray is an array of values.
	KindArray
)

func (k FieldKind) String() string {
	switch k {
	case KindID:
		return "id"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "untyped"
	}
}

// ParseKind maps a kind name (as used in config files) to a FieldKind.
// Unknown names map to KindUntyped.
func ParseKind(s string) FieldKind {
	switch s {
	case "id", "objectid":
		return KindID
	case "string":
		return KindString
	case "number", "int", "float":
		return KindNumber
	case "bool", "boolean":
		return KindBool
	case "date", "datetime":
		return KindDate
	case "object":
		return KindObject
	case "array":
		return KindArray
	default:
		return KindUntyped
	}
}

// Relation describes a join from the owning model to a target model's
// collection via a local/foreign key pair.
type Relation struct {
	// Name is the virtual field the related data materializes under.
	Name string
	// LocalField is the key on the owning model.
	LocalField string
	// ForeignField is the key on the target model.
	ForeignField string
	// Model is the registered name of the target model.
	Model string
	// Many is true when the relation resolves to an array of documents.
	Many bool
}

// Schema is the ordered field and relation declaration of one model.
type Schema struct {
	fieldOrder []string
	fields     map[string]FieldKind
	relOrder   []string
	relations  map[string]Relation
}

// New creates an empty schema.
func New() *Schema {
	return &Schema{
		fields:    make(map[string]FieldKind),
		relations: make(map[string]Relation),
	}
}

// Field declares a field kind. Redeclaring a field overwrites its kind
// but keeps its original position.
func (s *Schema) Field(name string, kind FieldKind) *Schema {
	if name == "" {
		return s
	}
	if _, ok := s.fields[name]; !ok {
		s.fieldOrder = append(s.fieldOrder, name)
	}
	s.fields[name] = kind
	return s
}

// Relate declares a relation. The relation name must not collide with a
// declared field; when it does, the relation wins at lookup time.
func (s *Schema) Relate(r Relation) *Schema {
	if r.Name == "" {
		return s
	}
	if _, ok := s.relations[r.Name]; !ok {
		s.relOrder = append(s.relOrder, r.Name)
	}
	s.relations[r.Name] = r
	return s
}

// Kind returns the declared kind of a field, KindUntyped when absent.
func (s *Schema) Kind(name string) FieldKind {
	return s.fields[name]
}

// HasField reports whether the field is declared.
func (s *Schema) HasField(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// RelationByName returns the relation declared under name.
func (s *Schema) RelationByName(name string) (Relation, bool) {
	r, ok := s.relations[name]
	return r, ok
}

// Fields returns the declared field names in declaration order.
func (s *Schema) Fields() []string {
	out := make([]string, len(s.fieldOrder))
	copy(out, s.fieldOrder)
	return out
}

// Relations returns the declared relations in declaration order.
func (s *Schema) Relations() []Relation {
	out := make([]Relation, 0, len(s.relOrder))
	for _, name := range s.relOrder {
		out = append(out, s.relations[name])
	}
	return out
}

// RelationNames returns the declared relation names in declaration order.
func (s *Schema) RelationNames() []string {
	out := make([]string, len(s.relOrder))
	copy(out, s.relOrder)
	return out
}
