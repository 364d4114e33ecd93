package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pubscreen/internal/domain"
)

func (s *MongoStore) UpsertResult(ctx context.Context, result domain.ScreeningResult) error {
	filter := bson.M{"task_id": result.TaskID, "article_id": result.ArticleID}
	_, err := s.results().UpdateOne(ctx, filter,
		bson.M{"$set": result},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *MongoStore) CountResults(ctx context.Context, taskID string) (int, error) {
	n, err := s.results().CountDocuments(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) ProcessedArticleIDs(ctx context.Context, taskID string) (map[string]struct{}, error) {
	cursor, err := s.results().Find(ctx,
		bson.M{"task_id": taskID},
		options.Find().SetProjection(bson.M{"article_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list processed ids: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	processed := make(map[string]struct{})
	for cursor.Next(ctx) {
		var doc struct {
			ArticleID string `bson:"article_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		processed[doc.ArticleID] = struct{}{}
	}
	return processed, cursor.Err()
}

func (s *MongoStore) ListResults(ctx context.Context, taskID string, filter ResultListFilter) ([]domain.ScreeningResult, int, error) {
	query := bson.M{"task_id": taskID}
	if filter.Included != nil {
		query["included"] = *filter.Included
	}

	total, err := s.results().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	page, limit := normalisePage(filter.Page, filter.Limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "relevance_score", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := s.results().Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []domain.ScreeningResult
	if err := cursor.All(ctx, &results); err != nil {
		return nil, 0, fmt.Errorf("decode results: %w", err)
	}
	return results, int(total), nil
}

func (s *MongoStore) ResultStats(ctx context.Context, taskID string) (domain.Stats, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{"task_id": taskID}},
		bson.M{"$group": bson.M{
			"_id":      nil,
			"included": bson.M{"$sum": bson.M{"$cond": bson.A{"$included", 1, 0}}},
			"excluded": bson.M{"$sum": bson.M{"$cond": bson.A{"$included", 0, 1}}},
		}},
	}
	cursor, err := s.results().Aggregate(ctx, pipeline)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("result stats: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	if cursor.Next(ctx) {
		var stats domain.Stats
		if err := cursor.Decode(&stats); err != nil {
			return domain.Stats{}, err
		}
		return stats, nil
	}
	return domain.Stats{}, cursor.Err()
}
