package pipeline

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/parlane-io/mongocrud/internal/schema"
)

// ModelInfo is the per-model view the pipeline builders need: the schema,
// the backing collection, and the hook results for the active query
// options. Auth and Censored are bound to the active options by the
// caller, so recursion into related models carries the caller's context.
type ModelInfo struct {
	Name       string
	Collection string
	Schema     *schema.Schema

	// Auth returns the authorization match expression restricting visible
	// documents, nil when unrestricted.
	Auth func(ctx context.Context) (bson.M, error)
	// Censored returns field paths to omit from any result.
	Censored func(ctx context.Context) ([]string, error)
}

// Source resolves registered models by name. Resolution is lazy: a
// relation may name a model registered after its owner.
type Source interface {
	Model(name string) (*ModelInfo, bool)
}

// ResolveRelation is the single-hop primitive: it returns the target
// model for field when field is a declared relation with a registered
// target. The boolean is false for plain fields and unresolvable targets.
func ResolveRelation(src Source, owner *ModelInfo, field string) (*ModelInfo, schema.Relation, bool) {
	if owner == nil || owner.Schema == nil {
		return nil, schema.Relation{}, false
	}
	rel, ok := owner.Schema.RelationByName(field)
	if !ok {
		return nil, schema.Relation{}, false
	}
	target, ok := src.Model(rel.Model)
	if !ok {
		return nil, schema.Relation{}, false
	}
	return target, rel, true
}

// isOperator reports whether a path segment is a reserved operator token.
func isOperator(seg string) bool {
	return strings.HasPrefix(seg, "$")
}

// isIndex reports whether a path segment is a numeric array index.
func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}
