package mongocrud

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/parlane-io/mongocrud/internal/cache"
	"github.com/parlane-io/mongocrud/internal/db"
	"github.com/parlane-io/mongocrud/internal/metrics"
	"github.com/parlane-io/mongocrud/internal/pipeline"
)

// countLimitCap bounds count pipelines so an unfiltered count cannot
// scan without limit.
const countLimitCap int64 = 1_000_000

// Query compiles conditions and options into one aggregation pipeline
// and executes it, returning raw rows. Find and friends layer hydration
// on top; Query is the escape hatch when the caller wants the rows.
func (s *Service) Query(ctx context.Context, conditions bson.M, opts *Options) ([]bson.M, error) {
	if opts == nil {
		opts = &Options{}
	}
	stages, err := s.buildPipeline(ctx, conditions, opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, stages, opts)
}

// Aggregate executes a caller-built pipeline against the model's
// collection with the call's session and time ceiling.
func (s *Service) Aggregate(ctx context.Context, stages []bson.M, opts *Options) ([]bson.M, error) {
	if opts == nil {
		opts = &Options{}
	}
	return s.run(ctx, stages, opts)
}

// buildPipeline assembles the stage list. The order is fixed: auth,
// censorship, joins, computed fields, match, sample-or-sort, distinct,
// pagination, relation cleanup, projection, population, raw stages.
// Count-style callers shape too, with the irrelevant options cleared.
func (s *Service) buildPipeline(ctx context.Context, conditions bson.M, opts *Options) ([]bson.M, error) {
	src := source{registry: s.registry, opts: opts}
	root := s.modelInfo(opts)

	conds := copyM(conditions)
	if len(opts.Match) > 0 {
		if len(conds) > 0 {
			conds = bson.M{"$and": bson.A{conds, copyM(opts.Match)}}
		} else {
			conds = copyM(opts.Match)
		}
	}

	cast := pipeline.CastConditions(src, root, pipeline.FromValue(conds))
	match := cast.ToMatch()

	var stages []bson.M

	auth, err := s.authExpr(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(auth) > 0 {
		stages = append(stages, bson.M{"$match": auth})
	}

	censored, err := s.censoredFields(ctx, opts)
	if err != nil {
		return nil, err
	}
	if st := pipeline.UnsetStage(censored); st != nil {
		stages = append(stages, st)
	}

	joins, err := pipeline.BuildJoins(ctx, src, root, s.filterKeys(cast, opts))
	if err != nil {
		return nil, err
	}
	stages = append(stages, joins...)

	if len(opts.AddFields) > 0 {
		stages = append(stages, bson.M{"$addFields": opts.AddFields})
	}

	if len(match) > 0 {
		stages = append(stages, bson.M{"$match": match})
	}

	stages, err = s.shapeStages(ctx, stages, src, root, opts)
	if err != nil {
		return nil, err
	}

	stages = append(stages, opts.Pipelines...)
	return stages, nil
}

// shapeStages appends the result-shaping tail: ordering, pagination,
// projection, and population.
func (s *Service) shapeStages(
	ctx context.Context, stages []bson.M,
	src source, root *pipeline.ModelInfo, opts *Options,
) ([]bson.M, error) {
	if opts.Random {
		size := int64(0)
		if opts.Limit != nil {
			size = *opts.Limit
		} else {
			n, err := s.countRows(ctx, stages, opts)
			if err != nil {
				return nil, err
			}
			size = n
		}
		if st := pipeline.SampleStage(size); st != nil {
			stages = append(stages, st)
		}
	} else if st := pipeline.SortStage(opts.Sort); st != nil {
		stages = append(stages, st)
	}

	if len(opts.Distinct) > 0 {
		stages = append(stages, pipeline.DistinctStages(opts.Distinct)...)
		// grouping loses order, so the sort is applied again
		if st := pipeline.SortStage(opts.Sort); st != nil {
			stages = append(stages, st)
		}
	}

	if !opts.Random {
		if st := pipeline.SkipStage(opts.Skip); st != nil {
			stages = append(stages, st)
		}
	}
	if st := pipeline.LimitStage(opts.Limit); st != nil {
		stages = append(stages, st)
	}

	// joins may have materialized relation fields for matching; those are
	// delivered via population only, never as join leftovers
	if st := pipeline.UnsetStage(s.schema.RelationNames()); st != nil {
		stages = append(stages, st)
	}

	if st := pipeline.SelectStage(opts.Select); st != nil {
		stages = append(stages, st)
	}

	if opts.Populate != nil {
		pop, err := pipeline.BuildPopulate(ctx, src, root, populateSpecs(opts.Populate))
		if err != nil {
			return nil, err
		}
		stages = append(stages, pop...)
	}
	return stages, nil
}

// filterKeys collects every dotted path the match and sort stages will
// reference, so the join builder can make relation fields visible first.
func (s *Service) filterKeys(cast pipeline.Node, opts *Options) []string {
	keys := pipeline.Paths(cast, ".")
	keys = append(keys, addFieldsPaths(opts.AddFields)...)
	keys = append(keys, pipeline.SortKeys(opts.Sort)...)
	return keys
}

// addFieldsPaths extracts the field paths a computed-fields expression
// dereferences, so referenced relations get joined.
func addFieldsPaths(m bson.M) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if len(t) > 1 && t[0] == '$' && t[1] != '$' {
				out = append(out, t[1:])
			}
		case bson.M:
			for _, inner := range t {
				walk(inner)
			}
		case map[string]any:
			for _, inner := range t {
				walk(inner)
			}
		case bson.A:
			for _, inner := range t {
				walk(inner)
			}
		case []any:
			for _, inner := range t {
				walk(inner)
			}
		}
	}
	walk(m)
	return out
}

// countRows counts the documents surviving the given base stages.
func (s *Service) countRows(ctx context.Context, base []bson.M, opts *Options) (int64, error) {
	stages := make([]bson.M, 0, len(base)+2)
	stages = append(stages, base...)
	stages = append(stages, bson.M{"$limit": countLimitCap}, bson.M{"$count": "count"})
	rows, err := s.run(ctx, stages, opts)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["count"]), nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// run executes one pipeline round trip, consulting the cache when no
// transaction is active.
func (s *Service) run(ctx context.Context, stages []bson.M, opts *Options) ([]bson.M, error) {
	cacheable := s.cache != nil && opts.session() == nil
	var key string
	if cacheable {
		key = cache.Key(s.collection, stages)
		if rows, ok := s.cache.Get(ctx, s.collection, key); ok {
			metrics.QueryCacheTotal.WithLabelValues("hit").Inc()
			return rows, nil
		}
		metrics.QueryCacheTotal.WithLabelValues("miss").Inc()
	}

	start := time.Now()
	rows, err := s.store.Aggregate(ctx, s.collection, stages, db.RunOptions{
		MaxTime: opts.maxTime(),
		Session: opts.session(),
	})
	elapsed := time.Since(start)
	if err != nil {
		metrics.QueryErrorsTotal.WithLabelValues(s.name).Inc()
		return nil, fmt.Errorf("query %s: %w", s.name, err)
	}
	metrics.QueryDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())
	metrics.QueryRowsTotal.WithLabelValues(s.name).Add(float64(len(rows)))
	s.logger.Debug("pipeline executed",
		zap.Int("stages", len(stages)),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", elapsed),
	)

	if cacheable {
		s.cache.Set(ctx, s.collection, key, rows)
	}
	return rows, nil
}

// invalidate drops cached queries for this collection and for every
// collection whose model relates to this one, since their cached joins
// embed this model's documents. Longer relation chains go stale at most
// for the cache TTL.
func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, s.collection)
	for _, coll := range s.registry.dependentCollections(s.name) {
		s.cache.Invalidate(ctx, coll)
	}
}
