package mongocrud

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection is a typed facade over a model service. T is decoded from
// document data via bson struct tags; relations stay on the Document and
// are reachable through the raw accessors when needed.
type Collection[T any] struct {
	svc *Service
}

// NewCollection wraps a registered service with a typed surface.
func NewCollection[T any](svc *Service) *Collection[T] {
	return &Collection[T]{svc: svc}
}

// Service returns the underlying untyped service.
func (c *Collection[T]) Service() *Service { return c.svc }

// Find returns the typed documents matching conditions.
func (c *Collection[T]) Find(ctx context.Context, conditions bson.M, opts *Options) ([]T, error) {
	docs, err := c.svc.Find(ctx, conditions, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for i, doc := range docs {
		item, err := decodeDocument[T](doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s item %d: %w", c.svc.name, i, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// FindOne returns the first typed document matching conditions, or
// ErrNoModel.
func (c *Collection[T]) FindOne(ctx context.Context, conditions bson.M, opts *Options) (T, error) {
	var zero T
	doc, err := c.svc.FindOne(ctx, conditions, opts)
	if err != nil {
		return zero, err
	}
	return decodeDocument[T](doc)
}

// FindByID returns the typed document with the given id, or ErrNoModel.
func (c *Collection[T]) FindByID(ctx context.Context, id primitive.ObjectID, opts *Options) (T, error) {
	return c.FindOne(ctx, bson.M{"_id": id}, opts)
}

// Create inserts a typed document and returns its post-save state.
func (c *Collection[T]) Create(ctx context.Context, item T, opts *Options) (T, error) {
	var zero T
	data, err := encodeItem(item)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", c.svc.name, err)
	}
	doc, err := c.svc.Create(ctx, data, opts)
	if err != nil {
		return zero, err
	}
	return decodeDocument[T](doc)
}

// ReplaceByID overwrites the document with the given id.
func (c *Collection[T]) ReplaceByID(ctx context.Context, id primitive.ObjectID, item T, opts *Options) (T, error) {
	var zero T
	data, err := encodeItem(item)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", c.svc.name, err)
	}
	doc, err := c.svc.ReplaceByID(ctx, id, data, opts)
	if err != nil {
		return zero, err
	}
	return decodeDocument[T](doc)
}

// DeleteByID removes one document by id, returning its typed snapshot.
func (c *Collection[T]) DeleteByID(ctx context.Context, id primitive.ObjectID, opts *Options) (T, error) {
	var zero T
	doc, err := c.svc.DeleteByID(ctx, id, opts)
	if err != nil {
		return zero, err
	}
	return decodeDocument[T](doc)
}

// Count counts the documents matching conditions.
func (c *Collection[T]) Count(ctx context.Context, conditions bson.M, opts *Options) (int64, error) {
	return c.svc.Count(ctx, conditions, opts)
}

func decodeDocument[T any](doc *Document) (T, error) {
	var out T
	data := copyM(doc.Data)
	data["_id"] = doc.ID
	raw, err := bson.Marshal(data)
	if err != nil {
		return out, err
	}
	if err := bson.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func encodeItem(item any) (bson.M, error) {
	raw, err := bson.Marshal(item)
	if err != nil {
		return nil, err
	}
	var data bson.M
	if err := bson.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	// a zero ObjectID means "unset"; Create will mint one
	if id, ok := data["_id"].(primitive.ObjectID); ok && id.IsZero() {
		delete(data, "_id")
	}
	return data, nil
}
