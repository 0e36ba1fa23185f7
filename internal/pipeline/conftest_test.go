package pipeline

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/parlane-io/mongocrud/internal/schema"
)

// fakeSource is an in-memory model registry for builder tests.
type fakeSource map[string]*ModelInfo

func (s fakeSource) Model(name string) (*ModelInfo, bool) {
	m, ok := s[name]
	return m, ok
}

func authExpr(expr bson.M) func(context.Context) (bson.M, error) {
	return func(context.Context) (bson.M, error) { return expr, nil }
}

func censorFields(fields ...string) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) { return fields, nil }
}

func relationTo(name, model string) schema.Relation {
	return schema.Relation{Name: name, LocalField: name + "Id", ForeignField: "_id", Model: model}
}

// testSource builds a Users→Groups→Orgs graph with a reverse
// Groups→Users "students" relation.
func testSource() fakeSource {
	users := schema.New().
		Field("_id", schema.KindID).
		Field("firstName", schema.KindString).
		Field("age", schema.KindNumber).
		Field("active", schema.KindBool).
		Field("createdAt", schema.KindDate).
		Field("groupId", schema.KindID).
		Field("tags", schema.KindArray).
		Relate(schema.Relation{Name: "group", LocalField: "groupId", ForeignField: "_id", Model: "Groups"})

	groups := schema.New().
		Field("_id", schema.KindID).
		Field("name", schema.KindString).
		Field("createdAt", schema.KindDate).
		Field("orgId", schema.KindID).
		Field("secret", schema.KindString).
		Relate(schema.Relation{Name: "org", LocalField: "orgId", ForeignField: "_id", Model: "Orgs"}).
		Relate(schema.Relation{Name: "students", LocalField: "_id", ForeignField: "groupId", Model: "Users", Many: true})

	orgs := schema.New().
		Field("_id", schema.KindID).
		Field("name", schema.KindString)

	return fakeSource{
		"Users":  {Name: "Users", Collection: "users", Schema: users},
		"Groups": {Name: "Groups", Collection: "groups", Schema: groups},
		"Orgs":   {Name: "Orgs", Collection: "orgs", Schema: orgs},
	}
}
