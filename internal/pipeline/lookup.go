package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// BuildJoins emits the pipeline fragment that joins in related collection
// data for every relation-crossing prefix of the given field paths, so
// later $match and $sort stages can reference joined fields directly.
// This is a shallow, same-aggregation join — not population.
//
// Each relation hop is joined at most once, however many paths share it.
// Authorization expressions apply inside the joined array only, and
// one-cardinality joins are unwound preserving null parents. Censored
// fields of all joined models are unset in one batched trailing stage.
func BuildJoins(ctx context.Context, src Source, root *ModelInfo, paths []string) ([]bson.M, error) {
	var stages []bson.M
	var censored []string
	joined := make(map[string]struct{})

	for _, path := range paths {
		model := root
		prefix := ""
		for _, seg := range strings.Split(path, ".") {
			// operator and index segments never name a relation hop
			if seg == "" || isOperator(seg) || isIndex(seg) {
				continue
			}
			target, rel, ok := ResolveRelation(src, model, seg)
			if !ok {
				break
			}
			hop := seg
			if prefix != "" {
				hop = prefix + "." + seg
			}
			if _, done := joined[hop]; !done {
				joined[hop] = struct{}{}

				hopStages, err := joinStages(ctx, target, rel.LocalField, rel.ForeignField, rel.Many, prefix, hop)
				if err != nil {
					return nil, err
				}
				stages = append(stages, hopStages...)

				if target.Censored != nil {
					fields, err := target.Censored(ctx)
					if err != nil {
						return nil, fmt.Errorf("censor %s: %w", target.Name, err)
					}
					for _, f := range fields {
						censored = append(censored, hop+"."+f)
					}
				}
			}
			prefix = hop
			model = target
		}
	}

	if unset := UnsetStage(censored); unset != nil {
		stages = append(stages, unset)
	}
	return stages, nil
}

func joinStages(
	ctx context.Context, target *ModelInfo,
	localField, foreignField string, many bool,
	prefix, hop string,
) ([]bson.M, error) {
	local := localField
	if prefix != "" {
		local = prefix + "." + localField
	}

	inner := []bson.M{{"$match": bson.M{"$expr": foreignKeyExpr(foreignField)}}}
	if target.Auth != nil {
		auth, err := target.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", target.Name, err)
		}
		if len(auth) > 0 {
			inner = append(inner, bson.M{"$match": auth})
		}
	}

	stages := []bson.M{{"$lookup": bson.M{
		"from":     target.Collection,
		"let":      bson.M{"local": "$" + local},
		"pipeline": inner,
		"as":       hop,
	}}}
	if !many {
		stages = append(stages, bson.M{"$unwind": bson.M{
			"path":                       "$" + hop,
			"preserveNullAndEmptyArrays": true,
		}})
	}
	return stages, nil
}

// foreignKeyExpr matches joined documents whose foreign field equals the
// bound local value, or is contained in it when the local value is an
// array of keys.
func foreignKeyExpr(foreignField string) bson.M {
	return bson.M{"$cond": bson.M{
		"if":   bson.M{"$isArray": "$$local"},
		"then": bson.M{"$in": bson.A{"$" + foreignField, "$$local"}},
		"else": bson.M{"$eq": bson.A{"$" + foreignField, "$$local"}},
	}}
}
