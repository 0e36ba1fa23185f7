package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// PopulateSpec is one population directive: a relation path plus optional
// result shaping for the related documents, with nested directives for
// deeper relation chains.
type PopulateSpec struct {
	Path     string
	Select   []string
	Match    bson.M
	Sort     any
	Skip     *int64
	Limit    *int64
	Populate []PopulateSpec
}

// BuildPopulate turns a raw populate request into $lookup stages, one per
// resolved relation, each carrying its own inner pipeline so arbitrarily
// deep chains resolve in a single aggregation call.
//
// An empty request populates every relation declared on the root model.
// Dotted paths expand into nested single-child chains. Directives sharing
// a path merge: first-seen scalar options win, child lists concatenate.
// Directives naming anything that is not a resolvable relation are
// dropped silently.
func BuildPopulate(ctx context.Context, src Source, root *ModelInfo, specs []PopulateSpec) ([]bson.M, error) {
	if len(specs) == 0 {
		for _, name := range root.Schema.RelationNames() {
			specs = append(specs, PopulateSpec{Path: name})
		}
	}
	return buildPopulateList(ctx, src, root, specs)
}

// buildPopulateList expands, merges, and compiles an explicit directive
// list. Unlike BuildPopulate it treats an empty list as "nothing to do".
func buildPopulateList(ctx context.Context, src Source, root *ModelInfo, specs []PopulateSpec) ([]bson.M, error) {
	merged := mergeSpecs(expandSpecs(specs))

	var stages []bson.M
	for _, spec := range merged {
		target, rel, ok := ResolveRelation(src, root, spec.Path)
		if !ok {
			continue
		}
		lookup, err := populateStages(ctx, src, target, spec, rel.LocalField, rel.ForeignField, rel.Many)
		if err != nil {
			return nil, err
		}
		stages = append(stages, lookup...)
	}
	return stages, nil
}

// expandSpecs rewrites dotted paths into nested single-child chains; the
// directive's own options stay on the deepest node.
func expandSpecs(specs []PopulateSpec) []PopulateSpec {
	out := make([]PopulateSpec, 0, len(specs))
	for _, s := range specs {
		head, rest, nested := strings.Cut(s.Path, ".")
		if !nested {
			s.Populate = expandSpecs(s.Populate)
			out = append(out, s)
			continue
		}
		leaf := s
		leaf.Path = rest
		out = append(out, PopulateSpec{Path: head, Populate: expandSpecs([]PopulateSpec{leaf})})
	}
	return out
}

func mergeSpecs(specs []PopulateSpec) []PopulateSpec {
	var order []string
	byPath := make(map[string]*PopulateSpec)
	for _, s := range specs {
		existing, ok := byPath[s.Path]
		if !ok {
			copied := s
			byPath[s.Path] = &copied
			order = append(order, s.Path)
			continue
		}
		// first occurrence wins for scalar options, children concatenate
		if existing.Select == nil {
			existing.Select = s.Select
		}
		if existing.Match == nil {
			existing.Match = s.Match
		}
		if existing.Sort == nil {
			existing.Sort = s.Sort
		}
		if existing.Skip == nil {
			existing.Skip = s.Skip
		}
		if existing.Limit == nil {
			existing.Limit = s.Limit
		}
		existing.Populate = append(existing.Populate, s.Populate...)
	}
	out := make([]PopulateSpec, 0, len(order))
	for _, p := range order {
		node := *byPath[p]
		node.Populate = mergeSpecs(node.Populate)
		out = append(out, node)
	}
	return out
}

func populateStages(
	ctx context.Context, src Source, target *ModelInfo,
	spec PopulateSpec, localField, foreignField string, many bool,
) ([]bson.M, error) {
	inner := []bson.M{{"$match": bson.M{"$expr": foreignKeyExpr(foreignField)}}}

	narrowing, err := narrowingStage(ctx, target, spec.Select)
	if err != nil {
		return nil, err
	}
	if narrowing != nil {
		inner = append(inner, narrowing)
	}

	match, err := populateMatch(ctx, target, spec.Match)
	if err != nil {
		return nil, err
	}
	if match != nil {
		inner = append(inner, match)
	}

	if s := SortStage(spec.Sort); s != nil {
		inner = append(inner, s)
	}
	if s := SkipStage(spec.Skip); s != nil {
		inner = append(inner, s)
	}
	if s := LimitStage(spec.Limit); s != nil {
		inner = append(inner, s)
	}
	if !many {
		inner = append(inner, bson.M{"$limit": 1})
	}

	children, err := buildPopulateList(ctx, src, target, spec.Populate)
	if err != nil {
		return nil, err
	}
	inner = append(inner, children...)

	stages := []bson.M{{"$lookup": bson.M{
		"from":     target.Collection,
		"let":      bson.M{"local": "$" + localField},
		"pipeline": inner,
		"as":       spec.Path,
	}}}
	if !many {
		stages = append(stages,
			bson.M{"$unwind": bson.M{
				"path":                       "$" + spec.Path,
				"preserveNullAndEmptyArrays": true,
			}},
			bson.M{"$addFields": bson.M{
				spec.Path: bson.M{"$ifNull": bson.A{"$" + spec.Path, nil}},
			}},
		)
	}
	return stages, nil
}

// narrowingStage combines the directive's selection with the target's
// censored fields: censored fields never survive, selected or not.
func narrowingStage(ctx context.Context, target *ModelInfo, selected []string) (bson.M, error) {
	var censored []string
	if target.Censored != nil {
		fields, err := target.Censored(ctx)
		if err != nil {
			return nil, fmt.Errorf("censor %s: %w", target.Name, err)
		}
		censored = fields
	}
	if len(selected) > 0 {
		banned := make(map[string]struct{}, len(censored))
		for _, f := range censored {
			banned[f] = struct{}{}
		}
		kept := make([]string, 0, len(selected))
		for _, f := range selected {
			if _, bad := banned[f]; !bad {
				kept = append(kept, f)
			}
		}
		if stage := SelectStage(kept); stage != nil {
			return stage, nil
		}
	}
	return UnsetStage(censored), nil
}

// populateMatch folds the target's authorization expression into the
// directive's match condition.
func populateMatch(ctx context.Context, target *ModelInfo, match bson.M) (bson.M, error) {
	var auth bson.M
	if target.Auth != nil {
		expr, err := target.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", target.Name, err)
		}
		auth = expr
	}
	switch {
	case len(match) > 0 && len(auth) > 0:
		return bson.M{"$match": bson.M{"$and": bson.A{match, auth}}}, nil
	case len(match) > 0:
		return bson.M{"$match": match}, nil
	case len(auth) > 0:
		return bson.M{"$match": auth}, nil
	default:
		return nil, nil
	}
}
