package mongocrud

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type testUser struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	FirstName string             `bson:"firstName"`
	Age       float64            `bson:"age"`
}

func TestCollectionRoundTrip(t *testing.T) {
	env := newTestEnv()
	users := NewCollection[testUser](env.users)

	created, err := users.Create(context.Background(), testUser{FirstName: "alice", Age: 30}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID.IsZero() {
		t.Fatal("expected minted id")
	}
	if created.FirstName != "alice" || created.Age != 30 {
		t.Errorf("created: %+v", created)
	}

	got, err := users.FindByID(context.Background(), created.ID, nil)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got != created {
		t.Errorf("got %+v, want %+v", got, created)
	}

	all, err := users.Find(context.Background(), bson.M{"age": "30"}, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d users, want 1", len(all))
	}
}
