package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pubscreen/internal/domain"
)

func (s *MongoStore) InsertArticles(ctx context.Context, articles []domain.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	docs := make([]any, 0, len(articles))
	for _, a := range articles {
		docs = append(docs, a)
	}
	if _, err := s.articles().InsertMany(ctx, docs); err != nil {
		return 0, fmt.Errorf("insert articles: %w", err)
	}
	// Verify against the store rather than trusting the insert result.
	return s.CountArticles(ctx, articles[0].TaskID)
}

func (s *MongoStore) ListArticles(ctx context.Context, taskID string) ([]domain.Article, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	cursor, err := s.articles().Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var articles []domain.Article
	if err := cursor.All(ctx, &articles); err != nil {
		return nil, fmt.Errorf("decode articles: %w", err)
	}
	return articles, nil
}

func (s *MongoStore) CountArticles(ctx context.Context, taskID string) (int, error) {
	n, err := s.articles().CountDocuments(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return int(n), nil
}
