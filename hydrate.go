package mongocrud

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// hydrate converts raw rows into documents, recursively hydrating
// populated relation values against their target services. The deadline
// is absolute and shared across the whole recursion: each entry checks
// it, so relation expansion cannot outlive the original call's budget.
func (s *Service) hydrate(ctx context.Context, rows []bson.M, deadline time.Time) ([]*Document, error) {
	if !time.Now().Before(deadline) {
		return nil, fmt.Errorf("hydrate %s: %w", s.name, ErrDeadlineExceeded)
	}
	docs := make([]*Document, 0, len(rows))
	for _, row := range rows {
		doc, err := s.hydrateRow(ctx, row, deadline)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			// rows without an id come from malformed joins; drop them
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Service) hydrateRow(ctx context.Context, row bson.M, deadline time.Time) (*Document, error) {
	id, ok := rowID(row)
	if !ok {
		return nil, nil
	}

	data := make(bson.M, len(row))
	for k, v := range row {
		data[k] = v
	}

	relations := make(map[string]any)
	for _, rel := range s.schema.Relations() {
		raw, present := data[rel.Name]
		if !present || raw == nil {
			continue
		}
		target, found := s.registry.Service(rel.Model)
		if !found {
			continue
		}
		value, err := target.hydrateRelation(ctx, raw, deadline)
		if err != nil {
			return nil, err
		}
		if value != nil {
			relations[rel.Name] = value
		}
		delete(data, rel.Name)
	}

	return &Document{
		ID:        id,
		Model:     s.name,
		Data:      data,
		Relations: relations,
	}, nil
}

// hydrateRelation hydrates one populated relation value, scalar or
// array, against this service.
func (s *Service) hydrateRelation(ctx context.Context, raw any, deadline time.Time) (any, error) {
	switch v := raw.(type) {
	case bson.M:
		docs, err := s.hydrate(ctx, []bson.M{v}, deadline)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return docs[0], nil
	case map[string]any:
		return s.hydrateRelation(ctx, bson.M(v), deadline)
	case bson.A:
		return s.hydrateRelationList(ctx, v, deadline)
	case []any:
		return s.hydrateRelationList(ctx, v, deadline)
	case []bson.M:
		docs, err := s.hydrate(ctx, v, deadline)
		if err != nil {
			return nil, err
		}
		return docs, nil
	default:
		return nil, nil
	}
}

func (s *Service) hydrateRelationList(ctx context.Context, items []any, deadline time.Time) (any, error) {
	rows := make([]bson.M, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case bson.M:
			rows = append(rows, m)
		case map[string]any:
			rows = append(rows, bson.M(m))
		}
	}
	docs, err := s.hydrate(ctx, rows, deadline)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func rowID(row bson.M) (primitive.ObjectID, bool) {
	switch v := row["_id"].(type) {
	case primitive.ObjectID:
		return v, true
	case string:
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return primitive.NilObjectID, false
		}
		return id, true
	default:
		return primitive.NilObjectID, false
	}
}
