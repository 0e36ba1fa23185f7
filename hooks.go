package mongocrud

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Lifecycle hooks are capability interfaces: a model's hook value
// implements the ones it needs and the service detects them once at
// registration. A missing hook is a no-op, never an error.

// Authorizer restricts which documents a query may see. The returned
// expression is ANDed into every read touching the model, including
// joins and population from other models.
type Authorizer interface {
	Authorize(ctx context.Context, opts *Options) (bson.M, error)
}

// CensorHook lists field paths to strip from any result or populated
// sub-document of the model.
type CensorHook interface {
	Censor(ctx context.Context, opts *Options) ([]string, error)
}

// PreSaver runs before a document is inserted or replaced. It may mutate
// doc.Data; returning an error aborts the operation.
type PreSaver interface {
	PreSave(ctx context.Context, doc *Document, opts *Options) error
}

// PostSaver runs after a successful insert or replace, before the
// authoritative re-fetch.
type PostSaver interface {
	PostSave(ctx context.Context, doc *Document, opts *Options) error
}

// PreDeleter runs before each matched document is deleted; returning an
// error aborts the operation.
type PreDeleter interface {
	PreDelete(ctx context.Context, doc *Document, opts *Options) error
}

// PostDeleter runs after each successful delete with the pre-delete
// snapshot.
type PostDeleter interface {
	PostDelete(ctx context.Context, doc *Document, opts *Options) error
}

// PostCounter observes count results.
type PostCounter interface {
	PostCount(ctx context.Context, n int64, opts *Options) error
}

// hooks caches the capability detection done once at registration.
type hooks struct {
	authorize  Authorizer
	censor     CensorHook
	preSave    PreSaver
	postSave   PostSaver
	preDelete  PreDeleter
	postDelete PostDeleter
	postCount  PostCounter
}

func resolveHooks(v any) hooks {
	var h hooks
	if v == nil {
		return h
	}
	h.authorize, _ = v.(Authorizer)
	h.censor, _ = v.(CensorHook)
	h.preSave, _ = v.(PreSaver)
	h.postSave, _ = v.(PostSaver)
	h.preDelete, _ = v.(PreDeleter)
	h.postDelete, _ = v.(PostDeleter)
	h.postCount, _ = v.(PostCounter)
	return h
}
