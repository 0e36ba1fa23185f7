package mongocrud

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/parlane-io/mongocrud/internal/db"
	"github.com/parlane-io/mongocrud/internal/pipeline"
)

// Session is one open database transaction, shared across the operations
// of a batch call. The creator owns commit/abort/end.
type Session = db.Session

const defaultMaxTime = 10 * time.Second

// Options configures one query or CRUD call. The zero value is valid.
// Unrecognized context travels in Extra, untouched by the core, so hooks
// can read caller-supplied state such as the authenticated user.
type Options struct {
	// Match is an extra filter ANDed with the call's conditions.
	Match bson.M
	// Sort accepts a field→direction mapping, a single field string, or a
	// list of field strings with a leading minus for descending.
	Sort any
	// Skip and Limit apply only when non-nil.
	Skip  *int64
	Limit *int64
	// Select lists dotted field paths to project.
	Select []string
	// Distinct keeps one document per unique combination of these fields.
	Distinct []string
	// Populate names the relations to materialize. Nil requests no
	// population; an empty non-nil list populates every relation
	// declared at the root level.
	Populate []Populate
	// AddFields is passed through as a computed-fields stage.
	AddFields bson.M
	// Random samples documents instead of sorting.
	Random bool
	// Pipelines are raw stages appended after everything the core builds.
	Pipelines []bson.M
	// Session scopes the call to an open transaction.
	Session Session
	// MaxTimeMS caps server-side execution; 0 means the 10s default.
	MaxTimeMS int64
	// DisableAuthorization skips the root model's authorization hook.
	DisableAuthorization bool
	// Extra is an open extension point for hook consumption.
	Extra map[string]any

	// disableCensorship is internal: update-target loads must see
	// censored fields, or merges would drop them from the stored copy.
	disableCensorship bool
}

// Populate is one population directive: a relation path (dotted for deep
// chains) plus optional result shaping for the related documents.
type Populate struct {
	Path     string
	Select   []string
	Match    bson.M
	Sort     any
	Skip     *int64
	Limit    *int64
	Populate []Populate
}

// Clone returns an independent snapshot. Recursive calls and internal
// re-fetches clone before overriding, so caller options never mutate.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	dup := *o
	if o.Match != nil {
		dup.Match = copyM(o.Match)
	}
	if o.AddFields != nil {
		dup.AddFields = copyM(o.AddFields)
	}
	dup.Sort = copySort(o.Sort)
	if o.Skip != nil {
		v := *o.Skip
		dup.Skip = &v
	}
	if o.Limit != nil {
		v := *o.Limit
		dup.Limit = &v
	}
	dup.Select = append([]string(nil), o.Select...)
	dup.Distinct = append([]string(nil), o.Distinct...)
	dup.Populate = append([]Populate(nil), o.Populate...)
	dup.Pipelines = append([]bson.M(nil), o.Pipelines...)
	if o.Extra != nil {
		dup.Extra = make(map[string]any, len(o.Extra))
		for k, v := range o.Extra {
			dup.Extra[k] = v
		}
	}
	return &dup
}

// maxTime returns the effective execution ceiling.
func (o *Options) maxTime() time.Duration {
	if o != nil && o.MaxTimeMS > 0 {
		return time.Duration(o.MaxTimeMS) * time.Millisecond
	}
	return defaultMaxTime
}

func (o *Options) session() Session {
	if o == nil {
		return nil
	}
	return o.Session
}

// copySort duplicates the mutable sort forms; scalars pass through.
func copySort(spec any) any {
	switch t := spec.(type) {
	case bson.M:
		return copyM(t)
	case map[string]int:
		out := make(map[string]int, len(t))
		for k, v := range t {
			out[k] = v
		}
		return out
	case bson.D:
		return append(bson.D(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return spec
	}
}

func copyM(m bson.M) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func populateSpecs(ps []Populate) []pipeline.PopulateSpec {
	if ps == nil {
		return nil
	}
	out := make([]pipeline.PopulateSpec, 0, len(ps))
	for _, p := range ps {
		out = append(out, pipeline.PopulateSpec{
			Path:     p.Path,
			Select:   p.Select,
			Match:    p.Match,
			Sort:     p.Sort,
			Skip:     p.Skip,
			Limit:    p.Limit,
			Populate: populateSpecs(p.Populate),
		})
	}
	return out
}
