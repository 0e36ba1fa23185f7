package mongocrud

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/parlane-io/mongocrud/internal/db"
)

func TestCreate(t *testing.T) {
	env := newTestEnv()

	doc, err := env.users.Create(context.Background(), bson.M{"firstName": "alice"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.ID.IsZero() {
		t.Error("expected a minted id")
	}
	if doc.Data["firstName"] != "alice" {
		t.Errorf("post-save state: %v", doc.Data)
	}
	if got := env.store.committed("users"); len(got) != 1 {
		t.Fatalf("committed %d documents, want 1", len(got))
	}
	if env.userHooks.preSaved != 1 || env.userHooks.postSaved != 1 {
		t.Errorf("hooks: pre=%d post=%d", env.userHooks.preSaved, env.userHooks.postSaved)
	}
}

func TestCreateRefetchSkipsAuthorization(t *testing.T) {
	env := newTestEnv()
	env.userHooks.auth = bson.M{"ownerId": "nobody"}

	// the authorization expression matches nothing, so only a re-fetch
	// with authorization off can see the new document
	doc, err := env.users.Create(context.Background(), bson.M{"firstName": "alice"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc == nil || doc.Data["firstName"] != "alice" {
		t.Fatalf("re-fetch result: %+v", doc)
	}
}

func TestCreatePreSaveFailureAborts(t *testing.T) {
	env := newTestEnv()
	env.userHooks.preSaveErr = errors.New("nope")

	_, err := env.users.Create(context.Background(), bson.M{"firstName": "alice"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := env.store.committed("users"); len(got) != 0 {
		t.Fatalf("pre-save failure must not persist, got %d", len(got))
	}
}

func TestCreateManyAtomicity(t *testing.T) {
	env := newTestEnv()
	env.store.failInsert = func(_ string, doc bson.M) error {
		if doc["firstName"] == "bad" {
			return fmt.Errorf("constraint violation")
		}
		return nil
	}

	_, err := env.users.CreateMany(context.Background(), []bson.M{
		{"firstName": "a"},
		{"firstName": "b"},
		{"firstName": "bad"},
		{"firstName": "c"},
	}, nil)
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if got := env.store.committed("users"); len(got) != 0 {
		t.Fatalf("batch must be all-or-nothing, %d documents persisted", len(got))
	}

	if len(env.store.sessions) != 1 {
		t.Fatalf("expected one owned session, got %d", len(env.store.sessions))
	}
	sess := env.store.sessions[0]
	if !sess.aborted || sess.committed {
		t.Errorf("session state: aborted=%v committed=%v", sess.aborted, sess.committed)
	}
	if !sess.ended {
		t.Error("owned session must always be ended")
	}
}

func TestCreateManyCommits(t *testing.T) {
	env := newTestEnv()

	docs, err := env.users.CreateMany(context.Background(), []bson.M{
		{"firstName": "a"}, {"firstName": "b"}, {"firstName": "c"},
	}, nil)
	if err != nil {
		t.Fatalf("create many: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d documents, want 3", len(docs))
	}
	if got := env.store.committed("users"); len(got) != 3 {
		t.Fatalf("committed %d, want 3", len(got))
	}
	sess := env.store.sessions[0]
	if !sess.committed || !sess.ended {
		t.Errorf("session state: committed=%v ended=%v", sess.committed, sess.ended)
	}
}

func TestCreateManyCallerOwnedSession(t *testing.T) {
	env := newTestEnv()
	raw, err := env.store.StartSession(context.Background())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	sess := raw.(*fakeSession)
	env.store.failInsert = func(_ string, doc bson.M) error {
		if doc["firstName"] == "bad" {
			return fmt.Errorf("constraint violation")
		}
		return nil
	}

	_, err = env.users.CreateMany(context.Background(), []bson.M{
		{"firstName": "a"}, {"firstName": "bad"},
	}, &Options{Session: sess})
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if sess.aborted || sess.committed || sess.ended {
		t.Errorf("caller-owned session touched: aborted=%v committed=%v ended=%v",
			sess.aborted, sess.committed, sess.ended)
	}
}

func TestFindOneNoModel(t *testing.T) {
	env := newTestEnv()
	_, err := env.users.FindOne(context.Background(), bson.M{"_id": newID()}, nil)
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("got %v, want ErrNoModel", err)
	}
}

func TestCount(t *testing.T) {
	env := newTestEnv()
	env.store.respond = func(_ string, pipeline []bson.M) []bson.M {
		return []bson.M{{"count": int32(7)}}
	}

	n, err := env.users.Count(context.Background(), bson.M{"age": "30"}, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 7 {
		t.Fatalf("got %d, want 7", n)
	}
	if len(env.userHooks.counts) != 1 || env.userHooks.counts[0] != 7 {
		t.Errorf("post-count hook: %v", env.userHooks.counts)
	}

	pipeline := env.store.lastCall().pipeline
	last := pipeline[len(pipeline)-1]
	if last["$count"] != "count" {
		t.Errorf("missing count stage: %v", last)
	}
	var hasSort, hasProject, hasLookup bool
	var limit any
	for _, stage := range pipeline {
		if _, ok := stage["$sort"]; ok {
			hasSort = true
		}
		if _, ok := stage["$project"]; ok {
			hasProject = true
		}
		if _, ok := stage["$lookup"]; ok {
			hasLookup = true
		}
		if v, ok := stage["$limit"]; ok {
			limit = v
		}
	}
	if hasSort || hasProject || hasLookup {
		t.Errorf("shaping must be off for count: sort=%v project=%v lookup=%v",
			hasSort, hasProject, hasLookup)
	}
	if limit != countLimitCap {
		t.Errorf("safety cap: %v", limit)
	}
}

func TestReplaceByID(t *testing.T) {
	env := newTestEnv()
	id := newID()
	env.store.docs["users"] = []bson.M{{"_id": id, "firstName": "alice", "age": int32(30)}}

	doc, err := env.users.ReplaceByID(context.Background(), id, bson.M{"firstName": "bob"}, nil)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if doc.Data["firstName"] != "bob" {
		t.Errorf("post-save state: %v", doc.Data)
	}
	if _, kept := doc.Data["age"]; kept {
		t.Error("replace must overwrite, not merge")
	}

	stored := env.store.committed("users")[0]
	if stored["firstName"] != "bob" || stored["_id"] != id {
		t.Errorf("stored: %v", stored)
	}
}

func TestReplaceByIDNotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.users.ReplaceByID(context.Background(), newID(), bson.M{"firstName": "x"}, nil)
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("got %v, want ErrNoModel", err)
	}
}

func TestMergeByID(t *testing.T) {
	env := newTestEnv()
	id := newID()
	env.store.docs["users"] = []bson.M{{
		"_id":       id,
		"firstName": "alice",
		"profile":   bson.M{"city": "lisbon", "zip": "1000"},
	}}

	doc, err := env.users.MergeByID(context.Background(), id, bson.M{
		"profile": bson.M{"zip": "2000"},
	}, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	profile, _ := doc.Data["profile"].(bson.M)
	if profile["city"] != "lisbon" || profile["zip"] != "2000" {
		t.Errorf("merged profile: %v", profile)
	}
	if doc.Data["firstName"] != "alice" {
		t.Errorf("unrelated field lost: %v", doc.Data)
	}
}

func TestWriteInvalidatesRelatedCollections(t *testing.T) {
	c := &fakeCache{}
	env := newTestEnv(WithCache(c))

	if _, err := env.groups.Create(context.Background(), bson.M{"name": "Admins"}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Users join Groups, so cached user queries embed group documents
	// and must be dropped alongside the written collection.
	seen := map[string]bool{}
	for _, coll := range c.invalidated {
		seen[coll] = true
	}
	if !seen["groups"] {
		t.Errorf("own collection not invalidated: %v", c.invalidated)
	}
	if !seen["users"] {
		t.Errorf("joining collection not invalidated: %v", c.invalidated)
	}
}

func TestMergeByIDKeepsCensoredFields(t *testing.T) {
	env := newTestEnv()
	env.userHooks.censored = []string{"secret"}
	id := newID()
	env.store.docs["users"] = []bson.M{{
		"_id":       id,
		"firstName": "alice",
		"secret":    "s3cret",
	}}

	doc, err := env.users.MergeByID(context.Background(), id, bson.M{"firstName": "bob"}, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	stored := env.store.docs["users"][0]
	if stored["secret"] != "s3cret" {
		t.Errorf("censored field lost from the stored document: %v", stored)
	}
	if stored["firstName"] != "bob" {
		t.Errorf("merge not applied: %v", stored)
	}
	// The caller-facing result still goes through censorship.
	if _, ok := doc.Data["secret"]; ok {
		t.Errorf("censored field leaked to the caller: %v", doc.Data)
	}
}

func TestReplaceByIDPreviousSeesCensoredFields(t *testing.T) {
	env := newTestEnv()
	env.userHooks.censored = []string{"secret"}
	id := newID()
	env.store.docs["users"] = []bson.M{{
		"_id":    id,
		"secret": "s3cret",
	}}

	var previous *Document
	env.userHooks.onPreSave = func(doc *Document) {
		if prev, ok := doc.Local(LocalPrevious); ok {
			previous, _ = prev.(*Document)
		}
	}

	if _, err := env.users.ReplaceByID(context.Background(), id, bson.M{"firstName": "bob"}, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if previous == nil {
		t.Fatal("pre-save hook saw no previous document")
	}
	if previous.Data["secret"] != "s3cret" {
		t.Errorf("previous snapshot is censored: %v", previous.Data)
	}
}

func TestUpsert(t *testing.T) {
	env := newTestEnv()

	t.Run("without id creates", func(t *testing.T) {
		doc, err := env.users.Upsert(context.Background(), bson.M{"firstName": "new"}, nil)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if doc.ID.IsZero() {
			t.Error("expected minted id")
		}
	})

	t.Run("with unknown id creates", func(t *testing.T) {
		id := newID()
		doc, err := env.users.Upsert(context.Background(), bson.M{"_id": id, "firstName": "ghost"}, nil)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if doc.ID != id {
			t.Errorf("id: %v", doc.ID)
		}
	})

	t.Run("with known id replaces", func(t *testing.T) {
		id := newID()
		env.store.docs["users"] = append(env.store.docs["users"], bson.M{"_id": id, "firstName": "old"})
		doc, err := env.users.Upsert(context.Background(), bson.M{"_id": id, "firstName": "new"}, nil)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if doc.Data["firstName"] != "new" {
			t.Errorf("replaced state: %v", doc.Data)
		}
	})
}

func TestDelete(t *testing.T) {
	env := newTestEnv()
	id1, id2 := newID(), newID()
	env.store.docs["users"] = []bson.M{
		{"_id": id1, "firstName": "alice"},
		{"_id": id2, "firstName": "bob"},
	}

	docs, err := env.users.Delete(context.Background(), bson.M{}, nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(docs))
	}
	if docs[0].Data["firstName"] != "alice" {
		t.Errorf("snapshot: %v", docs[0].Data)
	}
	if got := env.store.committed("users"); len(got) != 0 {
		t.Fatalf("%d documents left", len(got))
	}
	if env.userHooks.preDeleted != 2 || env.userHooks.postDeleted != 2 {
		t.Errorf("hooks: pre=%d post=%d", env.userHooks.preDeleted, env.userHooks.postDeleted)
	}
}

func TestDeleteByIDNotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.users.DeleteByID(context.Background(), newID(), nil)
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("got %v, want ErrNoModel", err)
	}
}

func TestRegistryDuplicateModel(t *testing.T) {
	env := newTestEnv()
	_, err := env.registry.Register(Definition{Name: "Users", Collection: "users"})
	if !errors.Is(err, ErrModelExists) {
		t.Fatalf("got %v, want ErrModelExists", err)
	}
}

func TestEndToEndAdminsScenario(t *testing.T) {
	env := newTestEnv()
	adminsID, guestsID := newID(), newID()
	alice, bob := newID(), newID()
	env.store.docs["groups"] = []bson.M{
		{"_id": adminsID, "name": "Admins"},
		{"_id": guestsID, "name": "Guests"},
	}
	users := []bson.M{
		{"_id": alice, "firstName": "alice", "groupId": adminsID},
		{"_id": bob, "firstName": "bob", "groupId": guestsID},
	}
	env.store.docs["users"] = users

	// the fake store does not evaluate $lookup, so it answers with the
	// rows a real server would produce for the compiled pipeline
	env.store.respond = func(collection string, pipeline []bson.M) []bson.M {
		var lookup bson.M
		for _, stage := range pipeline {
			if l, ok := stage["$lookup"].(bson.M); ok {
				lookup = l
			}
		}
		if lookup == nil || lookup["from"] != "groups" {
			t.Fatalf("pipeline must join groups: %v", pipeline)
		}
		return []bson.M{{
			"_id": alice, "firstName": "alice", "groupId": adminsID,
		}}
	}

	docs, err := env.users.Find(context.Background(), bson.M{"group.name": "Admins"}, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != alice {
		t.Fatalf("expected only alice, got %+v", docs)
	}
}

func TestAggregatePassthrough(t *testing.T) {
	env := newTestEnv()
	stages := []bson.M{{"$match": bson.M{"x": 1}}}
	if _, err := env.users.Aggregate(context.Background(), stages, nil); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	call := env.store.lastCall()
	if len(call.pipeline) != 1 {
		t.Fatalf("pipeline altered: %v", call.pipeline)
	}
	if call.opts.Session != nil {
		t.Errorf("unexpected session")
	}
}

var _ db.Store = (*fakeStore)(nil)
