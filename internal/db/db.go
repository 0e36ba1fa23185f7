// Package db defines the storage facade the CRUD layer executes against.
// The core emits aggregation pipelines and single-document writes; the
// concrete store (mongo in production, fakes in tests) owns the wire.
package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// RunOptions carries per-execution settings for a pipeline run.
type RunOptions struct {
	// MaxTime is the server-side execution ceiling.
	MaxTime time.Duration
	// Session, when set, scopes the run to an open transaction.
	Session Session
}

// Store is the document-database facade.
type Store interface {
	Runner
	Writer
	SessionStarter
	Ping(ctx context.Context) error
	Close()
}

// Runner executes an ordered aggregation pipeline against a collection
// and returns the raw rows.
type Runner interface {
	Aggregate(ctx context.Context, collection string, pipeline []bson.M, opts RunOptions) ([]bson.M, error)
}

// Writer provides the single-document write primitives the CRUD
// orchestrator composes into its operations.
type Writer interface {
	InsertOne(ctx context.Context, collection string, doc bson.M, sess Session) error
	ReplaceOne(ctx context.Context, collection string, filter, doc bson.M, sess Session) error
	DeleteOne(ctx context.Context, collection string, filter bson.M, sess Session) error
}

// SessionStarter opens transactional sessions for multi-document batches.
type SessionStarter interface {
	StartSession(ctx context.Context) (Session, error)
}

// Session is one open transaction. The creator owns Commit/Abort/End;
// a session passed in from outside is never ended by the callee.
type Session interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	End(ctx context.Context)
}
