package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"go.mongodb.org/mongo-driver/bson"
)

// Compile-time check: Store implements Cache.
var _ Cache = (*Store)(nil)

// Config holds connection parameters for a Redis-backed cache.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

const defaultTTL = 30 * time.Second

// Store is a Redis-backed query cache via rueidis. Each collection has a
// version counter; writes bump it, which orphans every cached entry for
// that collection without scanning keys.
type Store struct {
	client rueidis.Client
	ttl    time.Duration
}

// NewStore creates a Redis cache via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl}, nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

type envelope struct {
	Rows []bson.M `bson:"rows"`
}

func (s *Store) version(ctx context.Context, collection string) string {
	cmd := s.client.B().Get().Key("crud:ver:" + collection).Build()
	v, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		return "0"
	}
	return v
}

func (s *Store) entryKey(ctx context.Context, collection, key string) string {
	return "crud:q:" + collection + ":" + s.version(ctx, collection) + ":" + key
}

// Get returns the cached rows for key, if present under the collection's
// current version.
func (s *Store) Get(ctx context.Context, collection, key string) ([]bson.M, bool) {
	if key == "" {
		return nil, false
	}
	cmd := s.client.B().Get().Key(s.entryKey(ctx, collection, key)).Build()
	raw, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		return nil, false
	}
	var env envelope
	if err := bson.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return env.Rows, true
}

// Set stores rows under key with the configured TTL.
func (s *Store) Set(ctx context.Context, collection, key string, rows []bson.M) {
	if key == "" {
		return
	}
	raw, err := bson.Marshal(envelope{Rows: rows})
	if err != nil {
		return
	}
	cmd := s.client.B().Set().
		Key(s.entryKey(ctx, collection, key)).
		Value(rueidis.BinaryString(raw)).
		Ex(s.ttl).
		Build()
	_ = s.client.Do(ctx, cmd).Error()
}

// Invalidate bumps the collection version, detaching all cached entries.
func (s *Store) Invalidate(ctx context.Context, collection string) {
	cmd := s.client.B().Incr().Key("crud:ver:" + collection).Build()
	_ = s.client.Do(ctx, cmd).Error()
}
