package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/parlane-io/mongocrud/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

// Config holds connection parameters for a MongoDB store.
type Config struct {
	URI      string
	Database string
}

// Store implements db.Store via the official MongoDB driver.
type Store struct {
	client   *mongo.Client
	database string
}

// NewStore connects to MongoDB and verifies the connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}

	opts := mopt.Client().ApplyURI(cfg.URI).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{client: client, database: cfg.Database}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// WaitForReady polls Ping until the store responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for database: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

func (s *Store) coll(name string) *mongo.Collection {
	return s.client.Database(s.database).Collection(name)
}

// withSession scopes ctx to sess when sess is one of ours.
func withSession(ctx context.Context, sess db.Session) context.Context {
	if ms, ok := sess.(*session); ok {
		return mongo.NewSessionContext(ctx, ms.inner)
	}
	return ctx
}

// Aggregate runs an aggregation pipeline and drains the cursor.
func (s *Store) Aggregate(ctx context.Context, collection string, pipeline []bson.M, opts db.RunOptions) ([]bson.M, error) {
	ctx = withSession(ctx, opts.Session)

	aggOpts := mopt.Aggregate()
	if opts.MaxTime > 0 {
		aggOpts.SetMaxTime(opts.MaxTime)
	}

	stages := make(mongo.Pipeline, 0, len(pipeline))
	for _, stage := range pipeline {
		doc := make(bson.D, 0, len(stage))
		for key, value := range stage {
			doc = append(doc, bson.E{Key: key, Value: value})
		}
		stages = append(stages, doc)
	}

	cursor, err := s.coll(collection).Aggregate(ctx, stages, aggOpts)
	if err != nil {
		return nil, &db.Error{Op: "aggregate", Err: err}
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, &db.Error{Op: "aggregate", Err: err}
	}
	return rows, nil
}

// InsertOne writes a single document.
func (s *Store) InsertOne(ctx context.Context, collection string, doc bson.M, sess db.Session) error {
	ctx = withSession(ctx, sess)
	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		return &db.Error{Op: "insert", Err: err}
	}
	return nil
}

// ReplaceOne swaps the document matching filter for doc.
func (s *Store) ReplaceOne(ctx context.Context, collection string, filter, doc bson.M, sess db.Session) error {
	ctx = withSession(ctx, sess)
	result, err := s.coll(collection).ReplaceOne(ctx, filter, doc)
	if err != nil {
		return &db.Error{Op: "replace", Err: err}
	}
	if result.MatchedCount == 0 {
		return &db.Error{Op: "replace", Err: db.ErrNoDocument}
	}
	return nil
}

// DeleteOne removes the document matching filter.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter bson.M, sess db.Session) error {
	ctx = withSession(ctx, sess)
	result, err := s.coll(collection).DeleteOne(ctx, filter)
	if err != nil {
		return &db.Error{Op: "delete", Err: err}
	}
	if result.DeletedCount == 0 {
		return &db.Error{Op: "delete", Err: db.ErrNoDocument}
	}
	return nil
}

// StartSession opens a transactional session.
func (s *Store) StartSession(ctx context.Context) (db.Session, error) {
	inner, err := s.client.StartSession()
	if err != nil {
		return nil, &db.Error{Op: "session", Err: err}
	}
	if err := inner.StartTransaction(); err != nil {
		inner.EndSession(ctx)
		return nil, &db.Error{Op: "session", Err: err}
	}
	return &session{inner: inner}, nil
}

type session struct {
	inner mongo.Session
}

func (t *session) Commit(ctx context.Context) error {
	return t.inner.CommitTransaction(ctx)
}

func (t *session) Abort(ctx context.Context) error {
	return t.inner.AbortTransaction(ctx)
}

func (t *session) End(ctx context.Context) {
	t.inner.EndSession(ctx)
}
