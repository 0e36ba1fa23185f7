// Package mongocrud is a declarative CRUD and query layer over MongoDB
// collections. Models are registered with a schema and relation graph;
// the service translates filter/sort/pagination/population options into
// one aggregation pipeline per call, applies per-model authorization and
// censorship hooks, and hydrates the results back into documents.
package mongocrud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/parlane-io/mongocrud/internal/cache"
	"github.com/parlane-io/mongocrud/internal/db"
	"github.com/parlane-io/mongocrud/internal/metrics"
)

// Locals keys the service fills in for hooks: the active options of the
// call and, on updates, the pre-update snapshot.
const (
	LocalOptions  = "options"
	LocalPrevious = "previous"
)

// Definition declares one model for registration.
type Definition struct {
	// Name is the unique model name relations refer to.
	Name string
	// Collection is the backing MongoDB collection.
	Collection string
	// Schema declares fields and relations.
	Schema *Schema
	// Hooks is any value implementing some of the lifecycle capability
	// interfaces (Authorizer, CensorHook, PreSaver, ...).
	Hooks any
}

// Service is the CRUD entry point for one registered model.
type Service struct {
	name       string
	collection string
	schema     *Schema
	hooks      hooks
	registry   *Registry
	store      db.Store
	cache      cache.Cache
	logger     *zap.Logger
}

// Name returns the registered model name.
func (s *Service) Name() string { return s.name }

// Collection returns the backing collection name.
func (s *Service) Collection() string { return s.collection }

// Schema returns the model schema.
func (s *Service) Schema() *Schema { return s.schema }

// Find returns the hydrated documents matching conditions.
func (s *Service) Find(ctx context.Context, conditions bson.M, opts *Options) ([]*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	deadline := time.Now().Add(opts.maxTime())
	rows, err := s.Query(ctx, conditions, opts)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, rows, deadline)
}

// FindOne returns the first document matching conditions, or ErrNoModel.
func (s *Service) FindOne(ctx context.Context, conditions bson.M, opts *Options) (*Document, error) {
	o := opts.Clone()
	one := int64(1)
	o.Limit = &one
	docs, err := s.Find(ctx, conditions, o)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("find one %s: %w", s.name, ErrNoModel)
	}
	return docs[0], nil
}

// FindByID returns the document with the given id, or ErrNoModel.
func (s *Service) FindByID(ctx context.Context, id primitive.ObjectID, opts *Options) (*Document, error) {
	return s.FindOne(ctx, bson.M{"_id": id}, opts)
}

// FindByIDs returns the documents whose ids are in the given set.
func (s *Service) FindByIDs(ctx context.Context, ids []primitive.ObjectID, opts *Options) ([]*Document, error) {
	return s.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
}

// Exists reports whether any document matches conditions.
func (s *Service) Exists(ctx context.Context, conditions bson.M, opts *Options) (bool, error) {
	o := opts.Clone()
	one := int64(1)
	o.Limit = &one
	rows, err := s.Query(ctx, conditions, o)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Count counts the documents matching conditions. Result shaping (sort,
// select, populate, pagination) is forced off; only a safety cap bounds
// the scan.
func (s *Service) Count(ctx context.Context, conditions bson.M, opts *Options) (int64, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := opts.Clone()
	o.Sort = nil
	o.Select = nil
	o.Populate = nil
	o.Random = false
	o.Skip = nil
	capped := countLimitCap
	o.Limit = &capped

	stages, err := s.buildPipeline(ctx, conditions, o)
	if err != nil {
		return 0, err
	}
	stages = append(stages, bson.M{"$count": "count"})
	rows, err := s.run(ctx, stages, o)
	if err != nil {
		return 0, err
	}
	var n int64
	if len(rows) > 0 {
		n = toInt64(rows[0]["count"])
	}
	if s.hooks.postCount != nil {
		if err := s.hooks.postCount.PostCount(ctx, n, opts); err != nil {
			return 0, fmt.Errorf("post count %s: %w", s.name, err)
		}
	}
	return n, nil
}

// Create inserts one document and returns its authoritative post-save
// state, re-fetched by id with authorization and population off so the
// re-fetch cannot recurse into the document just created.
func (s *Service) Create(ctx context.Context, model bson.M, opts *Options) (*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	data := copyM(model)
	id, ok := data["_id"].(primitive.ObjectID)
	if !ok {
		id = primitive.NewObjectID()
		data["_id"] = id
	}
	doc := &Document{ID: id, Model: s.name, Data: data}
	doc.SetLocal(LocalOptions, opts)

	if s.hooks.preSave != nil {
		if err := s.hooks.preSave.PreSave(ctx, doc, opts); err != nil {
			return nil, fmt.Errorf("pre save %s: %w", s.name, err)
		}
	}
	if err := s.store.InsertOne(ctx, s.collection, doc.Data, opts.session()); err != nil {
		return nil, fmt.Errorf("create %s: %w", s.name, err)
	}
	metrics.WritesTotal.WithLabelValues(s.name, "insert").Inc()
	s.invalidate(ctx)
	if s.hooks.postSave != nil {
		if err := s.hooks.postSave.PostSave(ctx, doc, opts); err != nil {
			return nil, fmt.Errorf("post save %s: %w", s.name, err)
		}
	}
	return s.refetch(ctx, id, opts)
}

// CreateMany inserts documents in one transaction; any failure aborts
// the whole batch.
func (s *Service) CreateMany(ctx context.Context, models []bson.M, opts *Options) ([]*Document, error) {
	return s.batch(ctx, opts, func(o *Options) ([]*Document, error) {
		docs := make([]*Document, 0, len(models))
		for i, model := range models {
			doc, err := s.Create(ctx, model, o)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

// ReplaceByID overwrites the document with the given id. The previous
// version travels in the document's locals for post-save hooks.
func (s *Service) ReplaceByID(ctx context.Context, id primitive.ObjectID, payload bson.M, opts *Options) (*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	previous, err := s.loadTarget(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	data := copyM(payload)
	data["_id"] = id
	return s.persistUpdate(ctx, id, data, previous, opts)
}

// MergeByID deep-merges payload into the stored document. Nested plain
// documents merge; arrays and identifiers replace.
func (s *Service) MergeByID(ctx context.Context, id primitive.ObjectID, payload bson.M, opts *Options) (*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	previous, err := s.loadTarget(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	data := deepMerge(previous.Data, payload)
	data["_id"] = id
	return s.persistUpdate(ctx, id, data, previous, opts)
}

// Replace overwrites every document matching conditions with payload.
func (s *Service) Replace(ctx context.Context, conditions bson.M, payload bson.M, opts *Options) ([]*Document, error) {
	return s.updateMatching(ctx, conditions, opts, func(id primitive.ObjectID, o *Options) (*Document, error) {
		return s.ReplaceByID(ctx, id, payload, o)
	})
}

// Merge deep-merges payload into every document matching conditions.
func (s *Service) Merge(ctx context.Context, conditions bson.M, payload bson.M, opts *Options) ([]*Document, error) {
	return s.updateMatching(ctx, conditions, opts, func(id primitive.ObjectID, o *Options) (*Document, error) {
		return s.MergeByID(ctx, id, payload, o)
	})
}

// ReplaceMany overwrites documents in one transaction. Every payload
// must carry an _id.
func (s *Service) ReplaceMany(ctx context.Context, models []bson.M, opts *Options) ([]*Document, error) {
	return s.batch(ctx, opts, func(o *Options) ([]*Document, error) {
		docs := make([]*Document, 0, len(models))
		for i, model := range models {
			id, ok := model["_id"].(primitive.ObjectID)
			if !ok {
				return nil, fmt.Errorf("item %d: %w", i, ErrMissingID)
			}
			doc, err := s.ReplaceByID(ctx, id, model, o)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

// MergeMany deep-merges documents in one transaction. Every payload
// must carry an _id.
func (s *Service) MergeMany(ctx context.Context, models []bson.M, opts *Options) ([]*Document, error) {
	return s.batch(ctx, opts, func(o *Options) ([]*Document, error) {
		docs := make([]*Document, 0, len(models))
		for i, model := range models {
			id, ok := model["_id"].(primitive.ObjectID)
			if !ok {
				return nil, fmt.Errorf("item %d: %w", i, ErrMissingID)
			}
			doc, err := s.MergeByID(ctx, id, model, o)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

// Upsert replaces the document carrying the payload's _id, or creates
// it when the id is absent or unknown.
func (s *Service) Upsert(ctx context.Context, model bson.M, opts *Options) (*Document, error) {
	id, ok := model["_id"].(primitive.ObjectID)
	if !ok {
		return s.Create(ctx, model, opts)
	}
	doc, err := s.ReplaceByID(ctx, id, model, opts)
	if errors.Is(err, ErrNoModel) {
		return s.Create(ctx, model, opts)
	}
	return doc, err
}

// UpsertMany upserts documents in one transaction.
func (s *Service) UpsertMany(ctx context.Context, models []bson.M, opts *Options) ([]*Document, error) {
	return s.batch(ctx, opts, func(o *Options) ([]*Document, error) {
		docs := make([]*Document, 0, len(models))
		for i, model := range models {
			doc, err := s.Upsert(ctx, model, o)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

// Delete removes every document matching conditions and returns the
// pre-delete snapshots.
func (s *Service) Delete(ctx context.Context, conditions bson.M, opts *Options) ([]*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := opts.Clone()
	o.Populate = nil
	o.Select = nil
	docs, err := s.Find(ctx, conditions, o)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if s.hooks.preDelete != nil {
			if err := s.hooks.preDelete.PreDelete(ctx, doc, opts); err != nil {
				return nil, fmt.Errorf("pre delete %s: %w", s.name, err)
			}
		}
		if err := s.store.DeleteOne(ctx, s.collection, bson.M{"_id": doc.ID}, opts.session()); err != nil {
			return nil, fmt.Errorf("delete %s: %w", s.name, err)
		}
		metrics.WritesTotal.WithLabelValues(s.name, "delete").Inc()
		if s.hooks.postDelete != nil {
			if err := s.hooks.postDelete.PostDelete(ctx, doc, opts); err != nil {
				return nil, fmt.Errorf("post delete %s: %w", s.name, err)
			}
		}
	}
	s.invalidate(ctx)
	return docs, nil
}

// DeleteByID removes one document by id, returning its snapshot or
// ErrNoModel.
func (s *Service) DeleteByID(ctx context.Context, id primitive.ObjectID, opts *Options) (*Document, error) {
	docs, err := s.Delete(ctx, bson.M{"_id": id}, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("delete %s: %w", s.name, ErrNoModel)
	}
	return docs[0], nil
}

// loadTarget fetches the current full version of an update target.
// Censorship is off for this read: the snapshot feeds deepMerge and the
// pre-save previous, and a censored snapshot would write the censored
// fields out of the stored document.
func (s *Service) loadTarget(ctx context.Context, id primitive.ObjectID, opts *Options) (*Document, error) {
	o := opts.Clone()
	o.Populate = nil
	o.Select = nil
	o.Sort = nil
	o.Distinct = nil
	o.disableCensorship = true
	return s.FindOne(ctx, bson.M{"_id": id}, o)
}

// persistUpdate runs the pre-save hook, replaces the stored document,
// and re-fetches the authoritative post-save state.
func (s *Service) persistUpdate(ctx context.Context, id primitive.ObjectID, data bson.M, previous *Document, opts *Options) (*Document, error) {
	doc := &Document{ID: id, Model: s.name, Data: data}
	doc.SetLocal(LocalOptions, opts)
	doc.SetLocal(LocalPrevious, previous)

	if s.hooks.preSave != nil {
		if err := s.hooks.preSave.PreSave(ctx, doc, opts); err != nil {
			return nil, fmt.Errorf("pre save %s: %w", s.name, err)
		}
	}
	if err := s.store.ReplaceOne(ctx, s.collection, bson.M{"_id": id}, doc.Data, opts.session()); err != nil {
		if errors.Is(err, db.ErrNoDocument) {
			return nil, fmt.Errorf("replace %s: %w", s.name, ErrNoModel)
		}
		return nil, fmt.Errorf("replace %s: %w", s.name, err)
	}
	metrics.WritesTotal.WithLabelValues(s.name, "replace").Inc()
	s.invalidate(ctx)
	if s.hooks.postSave != nil {
		if err := s.hooks.postSave.PostSave(ctx, doc, opts); err != nil {
			return nil, fmt.Errorf("post save %s: %w", s.name, err)
		}
	}
	return s.refetch(ctx, id, opts)
}

// updateMatching applies one per-id update to every document matching
// conditions.
func (s *Service) updateMatching(
	ctx context.Context, conditions bson.M, opts *Options,
	update func(id primitive.ObjectID, o *Options) (*Document, error),
) ([]*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := opts.Clone()
	o.Populate = nil
	o.Select = nil
	targets, err := s.Find(ctx, conditions, o)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(targets))
	for _, target := range targets {
		doc, err := update(target.ID, opts)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// refetch reads back a just-written document with population and
// authorization off, so the internal read cannot recurse or be hidden
// from its own writer.
func (s *Service) refetch(ctx context.Context, id primitive.ObjectID, opts *Options) (*Document, error) {
	o := opts.Clone()
	o.Populate = nil
	o.Select = nil
	o.Match = nil
	o.Sort = nil
	o.Distinct = nil
	o.Skip = nil
	o.Limit = nil
	o.Random = false
	o.Pipelines = nil
	o.DisableAuthorization = true
	return s.FindOne(ctx, bson.M{"_id": id}, o)
}

// batch runs fn inside one transaction. A session supplied by the
// caller is reused and left open; a session this call opens is always
// ended, committed on success and aborted on the first failure.
func (s *Service) batch(ctx context.Context, opts *Options, fn func(o *Options) ([]*Document, error)) ([]*Document, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := opts.Clone()
	owned := false
	if o.Session == nil {
		sess, err := s.store.StartSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", s.name, err)
		}
		o.Session = sess
		owned = true
		defer sess.End(ctx)
	}

	docs, err := fn(o)
	if err != nil {
		if owned {
			if abortErr := o.Session.Abort(ctx); abortErr != nil {
				s.logger.Warn("batch abort failed", zap.Error(abortErr))
			}
		}
		return nil, fmt.Errorf("batch %s: %w", s.name, err)
	}
	if owned {
		if err := o.Session.Commit(ctx); err != nil {
			return nil, fmt.Errorf("batch %s: commit: %w", s.name, err)
		}
	}
	return docs, nil
}
