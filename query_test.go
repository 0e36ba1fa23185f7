package mongocrud

import (
	"context"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// stageKey returns the single operator key of a pipeline stage.
func stageKey(stage bson.M) string {
	for k := range stage {
		return k
	}
	return ""
}

func stageKeys(pipeline []bson.M) []string {
	keys := make([]string, 0, len(pipeline))
	for _, stage := range pipeline {
		keys = append(keys, stageKey(stage))
	}
	return keys
}

func TestQueryStageOrder(t *testing.T) {
	env := newTestEnv()
	env.userHooks.auth = bson.M{"ownerId": "u1"}
	env.userHooks.censored = []string{"secret"}

	skip, limit := int64(10), int64(5)
	_, err := env.users.Query(context.Background(), bson.M{"age": "30"}, &Options{
		Sort:     "-age",
		Skip:     &skip,
		Limit:    &limit,
		Select:   []string{"firstName", "age"},
		Populate: []Populate{},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	call := env.store.lastCall()
	want := []string{
		"$match",  // authorization
		"$unset",  // censored fields
		"$match",  // cast conditions
		"$sort",
		"$skip",
		"$limit",
		"$unset",  // relation leftovers
		"$project",
		"$lookup", // populate-all expands the group relation
		"$unwind",
		"$addFields",
	}
	if got := stageKeys(call.pipeline); !reflect.DeepEqual(got, want) {
		t.Fatalf("stage order:\n got %v\nwant %v", got, want)
	}

	if auth, _ := call.pipeline[0]["$match"].(bson.M); auth["ownerId"] != "u1" {
		t.Errorf("authorization stage: %v", call.pipeline[0])
	}
	match, _ := call.pipeline[2]["$match"].(bson.M)
	if match["age"] != float64(30) {
		t.Errorf("conditions not cast: %v", match["age"])
	}
	if rels, _ := call.pipeline[6]["$unset"].([]string); !reflect.DeepEqual(rels, []string{"group"}) {
		t.Errorf("relation unset: %v", call.pipeline[6])
	}
}

func TestQueryJoinsRelationConditions(t *testing.T) {
	env := newTestEnv()

	_, err := env.users.Query(context.Background(), bson.M{"group.name": "Admins"}, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	pipeline := env.store.lastCall().pipeline
	var lookup bson.M
	lookupIdx, matchIdx := -1, -1
	for i, stage := range pipeline {
		if l, ok := stage["$lookup"].(bson.M); ok {
			lookup = l
			lookupIdx = i
		}
		if m, ok := stage["$match"].(bson.M); ok {
			if _, ok := m["group.name"]; ok {
				matchIdx = i
			}
		}
	}
	if lookup == nil {
		t.Fatal("no join stage produced")
	}
	if lookup["from"] != "groups" || lookup["as"] != "group" {
		t.Errorf("join shape: %v", lookup)
	}
	if matchIdx < lookupIdx {
		t.Errorf("match (%d) must come after join (%d)", matchIdx, lookupIdx)
	}
}

func TestQueryDistinctReappliesSort(t *testing.T) {
	env := newTestEnv()

	_, err := env.users.Query(context.Background(), bson.M{}, &Options{
		Distinct: []string{"firstName"},
		Sort:     "-age",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	keys := stageKeys(env.store.lastCall().pipeline)
	want := []string{"$sort", "$group", "$replaceRoot", "$sort", "$unset"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
}

func TestQueryRandomWithoutLimitCountsFirst(t *testing.T) {
	env := newTestEnv()
	env.store.respond = func(_ string, pipeline []bson.M) []bson.M {
		for _, stage := range pipeline {
			if _, ok := stage["$count"]; ok {
				return []bson.M{{"count": int32(42)}}
			}
		}
		return nil
	}

	_, err := env.users.Query(context.Background(), bson.M{}, &Options{Random: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(env.store.calls) != 2 {
		t.Fatalf("expected count round trip plus query, got %d calls", len(env.store.calls))
	}
	var sample bson.M
	for _, stage := range env.store.lastCall().pipeline {
		if s, ok := stage["$sample"].(bson.M); ok {
			sample = s
		}
	}
	if sample == nil || sample["size"] != int64(42) {
		t.Fatalf("sample stage: %v", sample)
	}
}

func TestQueryRandomWithLimitSkipsCount(t *testing.T) {
	env := newTestEnv()
	limit := int64(7)
	_, err := env.users.Query(context.Background(), bson.M{}, &Options{Random: true, Limit: &limit})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(env.store.calls) != 1 {
		t.Fatalf("expected one round trip, got %d", len(env.store.calls))
	}
	keys := stageKeys(env.store.lastCall().pipeline)
	// random path keeps the limit but never skips
	want := []string{"$sample", "$limit", "$unset"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
}

func TestQueryMaxTime(t *testing.T) {
	env := newTestEnv()

	if _, err := env.users.Query(context.Background(), bson.M{}, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := env.store.lastCall().opts.MaxTime; got != 10*time.Second {
		t.Errorf("default ceiling: got %v", got)
	}

	if _, err := env.users.Query(context.Background(), bson.M{}, &Options{MaxTimeMS: 1500}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := env.store.lastCall().opts.MaxTime; got != 1500*time.Millisecond {
		t.Errorf("custom ceiling: got %v", got)
	}
}

func TestQueryAppendsRawPipelines(t *testing.T) {
	env := newTestEnv()
	raw := bson.M{"$facet": bson.M{"total": bson.A{bson.M{"$count": "n"}}}}

	_, err := env.users.Query(context.Background(), bson.M{"age": "1"}, &Options{
		Pipelines: []bson.M{raw},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	pipeline := env.store.lastCall().pipeline
	if !reflect.DeepEqual(pipeline[len(pipeline)-1], raw) {
		t.Fatalf("raw stage not last: %v", pipeline[len(pipeline)-1])
	}
}

func TestQueryExtraMatchFoldsIntoAnd(t *testing.T) {
	env := newTestEnv()

	_, err := env.users.Query(context.Background(), bson.M{"age": "3"}, &Options{
		Match: bson.M{"active": "true"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var match bson.M
	for _, stage := range env.store.lastCall().pipeline {
		if m, ok := stage["$match"].(bson.M); ok {
			match = m
		}
	}
	and, ok := match["$and"].(bson.A)
	if !ok || len(and) != 2 {
		t.Fatalf("expected $and of two branches, got %v", match)
	}
	first, _ := and[0].(bson.M)
	second, _ := and[1].(bson.M)
	if first["age"] != float64(3) {
		t.Errorf("conditions branch not cast: %v", first)
	}
	if second["active"] != true {
		t.Errorf("options match branch not cast: %v", second)
	}
}

func TestAddFieldsReferencesGetJoined(t *testing.T) {
	env := newTestEnv()

	_, err := env.users.Query(context.Background(), bson.M{}, &Options{
		AddFields: bson.M{"groupName": "$group.name"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	pipeline := env.store.lastCall().pipeline
	lookupIdx, addIdx := -1, -1
	for i, stage := range pipeline {
		if _, ok := stage["$lookup"]; ok {
			lookupIdx = i
		}
		if _, ok := stage["$addFields"]; ok && addIdx == -1 {
			addIdx = i
		}
	}
	if lookupIdx == -1 {
		t.Fatal("no join for addFields reference")
	}
	if addIdx < lookupIdx {
		t.Errorf("addFields (%d) must come after join (%d)", addIdx, lookupIdx)
	}
}

func TestSortKeysGetJoined(t *testing.T) {
	env := newTestEnv()

	_, err := env.users.Query(context.Background(), bson.M{}, &Options{Sort: "-group.name"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	found := false
	for _, stage := range env.store.lastCall().pipeline {
		if l, ok := stage["$lookup"].(bson.M); ok && l["as"] == "group" {
			found = true
		}
	}
	if !found {
		t.Fatal("sort key crossing a relation must produce a join")
	}
}
