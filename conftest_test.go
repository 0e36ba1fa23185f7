package mongocrud

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/parlane-io/mongocrud/internal/db"
)

// fakeStore is an in-memory db.Store that records every aggregation and
// stages writes per session so batch atomicity is observable.
type fakeStore struct {
	mu    sync.Mutex
	docs  map[string][]bson.M
	calls []aggregateCall

	// respond overrides the default _id-filter lookup when set.
	respond func(collection string, pipeline []bson.M) []bson.M
	// failInsert rejects matching documents.
	failInsert func(collection string, doc bson.M) error

	sessions []*fakeSession
}

type aggregateCall struct {
	collection string
	pipeline   []bson.M
	opts       db.RunOptions
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string][]bson.M)}
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close()                     {}

func (f *fakeStore) Aggregate(_ context.Context, collection string, pipeline []bson.M, opts db.RunOptions) ([]bson.M, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, aggregateCall{collection: collection, pipeline: pipeline, opts: opts})
	if f.respond != nil {
		return f.respond(collection, pipeline), nil
	}

	visible := append([]bson.M(nil), f.docs[collection]...)
	if sess, ok := opts.Session.(*fakeSession); ok {
		visible = append(visible, sess.staged[collection]...)
	}
	id, filtered := pipelineIDFilter(pipeline)
	var rows []bson.M
	for _, doc := range visible {
		if !filtered || doc["_id"] == id {
			rows = append(rows, doc)
		}
	}
	return applyUnset(pipeline, rows), nil
}

// applyUnset honors top-level $unset stages on row copies, so censored
// reads are observable through the fake.
func applyUnset(pipeline []bson.M, rows []bson.M) []bson.M {
	var fields []string
	for _, stage := range pipeline {
		switch t := stage["$unset"].(type) {
		case string:
			fields = append(fields, t)
		case []string:
			fields = append(fields, t...)
		case bson.A:
			for _, e := range t {
				if f, ok := e.(string); ok {
					fields = append(fields, f)
				}
			}
		}
	}
	if len(fields) == 0 {
		return rows
	}
	out := make([]bson.M, len(rows))
	for i, row := range rows {
		dup := make(bson.M, len(row))
		for k, v := range row {
			dup[k] = v
		}
		for _, f := range fields {
			delete(dup, f)
		}
		out[i] = dup
	}
	return out
}

// pipelineIDFilter extracts an exact _id equality from the pipeline's
// match stages, which is all the fake needs to serve re-fetches.
func pipelineIDFilter(pipeline []bson.M) (any, bool) {
	for _, stage := range pipeline {
		match, ok := stage["$match"].(bson.M)
		if !ok {
			continue
		}
		if id, ok := match["_id"]; ok {
			if _, nested := id.(bson.M); !nested {
				return id, true
			}
		}
	}
	return nil, false
}

func (f *fakeStore) InsertOne(_ context.Context, collection string, doc bson.M, sess db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		if err := f.failInsert(collection, doc); err != nil {
			return err
		}
	}
	if s, ok := sess.(*fakeSession); ok {
		s.staged[collection] = append(s.staged[collection], doc)
		return nil
	}
	f.docs[collection] = append(f.docs[collection], doc)
	return nil
}

func (f *fakeStore) ReplaceOne(_ context.Context, collection string, filter, doc bson.M, sess db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := sess.(*fakeSession); ok {
		for i, staged := range s.staged[collection] {
			if staged["_id"] == filter["_id"] {
				s.staged[collection][i] = doc
				return nil
			}
		}
	}
	for i, existing := range f.docs[collection] {
		if existing["_id"] == filter["_id"] {
			f.docs[collection][i] = doc
			return nil
		}
	}
	return db.ErrNoDocument
}

func (f *fakeStore) DeleteOne(_ context.Context, collection string, filter bson.M, _ db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.docs[collection] {
		if existing["_id"] == filter["_id"] {
			f.docs[collection] = append(f.docs[collection][:i], f.docs[collection][i+1:]...)
			return nil
		}
	}
	return db.ErrNoDocument
}

func (f *fakeStore) StartSession(context.Context) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &fakeSession{store: f, staged: make(map[string][]bson.M)}
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

// committed returns the durable documents of a collection.
func (f *fakeStore) committed(collection string) []bson.M {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bson.M(nil), f.docs[collection]...)
}

// lastCall returns the most recent aggregation.
func (f *fakeStore) lastCall() aggregateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeSession stages writes until Commit makes them durable; Abort
// discards them.
type fakeSession struct {
	store     *fakeStore
	staged    map[string][]bson.M
	committed bool
	aborted   bool
	ended     bool
}

func (s *fakeSession) Commit(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for collection, docs := range s.staged {
		s.store.docs[collection] = append(s.store.docs[collection], docs...)
	}
	s.staged = make(map[string][]bson.M)
	s.committed = true
	return nil
}

func (s *fakeSession) Abort(context.Context) error {
	s.staged = make(map[string][]bson.M)
	s.aborted = true
	return nil
}

func (s *fakeSession) End(context.Context) { s.ended = true }

// fakeCache records invalidations and never hits.
type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *fakeCache) Get(context.Context, string, string) ([]bson.M, bool) { return nil, false }
func (c *fakeCache) Set(context.Context, string, string, []bson.M)        {}

func (c *fakeCache) Invalidate(_ context.Context, collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, collection)
}

// stubHooks implements every capability interface with configurable
// behavior; zero value is a full set of no-ops.
type stubHooks struct {
	auth     bson.M
	censored []string

	preSaveErr error
	onPreSave  func(doc *Document)

	preSaved    int
	postSaved   int
	preDeleted  int
	postDeleted int
	counts      []int64
}

func (h *stubHooks) Authorize(context.Context, *Options) (bson.M, error) { return h.auth, nil }
func (h *stubHooks) Censor(context.Context, *Options) ([]string, error)  { return h.censored, nil }

func (h *stubHooks) PreSave(_ context.Context, doc *Document, _ *Options) error {
	h.preSaved++
	if h.onPreSave != nil {
		h.onPreSave(doc)
	}
	return h.preSaveErr
}

func (h *stubHooks) PostSave(_ context.Context, _ *Document, _ *Options) error {
	h.postSaved++
	return nil
}

func (h *stubHooks) PreDelete(_ context.Context, _ *Document, _ *Options) error {
	h.preDeleted++
	return nil
}

func (h *stubHooks) PostDelete(_ context.Context, _ *Document, _ *Options) error {
	h.postDeleted++
	return nil
}

func (h *stubHooks) PostCount(_ context.Context, n int64, _ *Options) error {
	h.counts = append(h.counts, n)
	return nil
}

type testEnv struct {
	store    *fakeStore
	registry *Registry
	users    *Service
	groups   *Service

	userHooks  *stubHooks
	groupHooks *stubHooks
}

// newTestEnv registers the Users/Groups pair used across the tests:
// Users.group is a one-cardinality relation on groupId, Groups.students
// the reverse many-cardinality relation.
func newTestEnv(regOpts ...RegistryOption) *testEnv {
	store := newFakeStore()
	registry := NewRegistry(store, regOpts...)

	userHooks := &stubHooks{}
	groupHooks := &stubHooks{}

	users := registry.MustRegister(Definition{
		Name:       "Users",
		Collection: "users",
		Schema: NewSchema().
			Field("_id", KindID).
			Field("firstName", KindString).
			Field("age", KindNumber).
			Field("active", KindBool).
			Field("groupId", KindID).
			Relate(Relation{
				Name: "group", LocalField: "groupId", ForeignField: "_id", Model: "Groups",
			}),
		Hooks: userHooks,
	})
	groups := registry.MustRegister(Definition{
		Name:       "Groups",
		Collection: "groups",
		Schema: NewSchema().
			Field("_id", KindID).
			Field("name", KindString).
			Relate(Relation{
				Name: "students", LocalField: "_id", ForeignField: "groupId", Model: "Users", Many: true,
			}),
		Hooks: groupHooks,
	})

	return &testEnv{
		store:      store,
		registry:   registry,
		users:      users,
		groups:     groups,
		userHooks:  userHooks,
		groupHooks: groupHooks,
	}
}

func newID() primitive.ObjectID { return primitive.NewObjectID() }
