package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"pubscreen/internal/domain"
	"pubscreen/internal/logging"
)

const (
	collTasks    = "tasks"
	collArticles = "articles"
	collResults  = "screening_results"
)

// MongoStore implements Store on top of MongoDB. All conditional task
// operations are single find-and-modify calls, so they are atomic at the
// document level.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger logging.Logger
}

var _ Store = (*MongoStore)(nil)

// ConnectMongo opens a client, verifies the connection with a ping and
// returns the store. The caller owns Close.
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logging.NewComponentLogger("store"),
	}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies the connection is still alive.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the secondary indexes; every query leads with task_id.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collArticles).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("articles index: %w", err)
	}
	_, err = s.db.Collection(collResults).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "article_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("results index: %w", err)
	}
	_, err = s.db.Collection(collTasks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("tasks index: %w", err)
	}
	return nil
}

func (s *MongoStore) tasks() *mongo.Collection    { return s.db.Collection(collTasks) }
func (s *MongoStore) articles() *mongo.Collection { return s.db.Collection(collArticles) }
func (s *MongoStore) results() *mongo.Collection  { return s.db.Collection(collResults) }

// taskDoc mirrors domain.Task with a native ObjectID primary key.
type taskDoc struct {
	ID                primitive.ObjectID  `bson:"_id,omitempty"`
	UserID            string              `bson:"user_id"`
	SearchQuery       string              `bson:"search_query"`
	Criteria          string              `bson:"criteria"`
	Model             string              `bson:"model"`
	Name              string              `bson:"name"`
	Status            domain.Status       `bson:"status"`
	Progress          domain.Progress     `bson:"progress"`
	Error             string              `bson:"error,omitempty"`
	StartedAt         time.Time           `bson:"started_at"`
	CompletedAt       *time.Time          `bson:"completed_at,omitempty"`
	LastActivityAt    *time.Time          `bson:"last_activity_at,omitempty"`
	RemainingArticles []string            `bson:"remaining_articles"`
	ProcessingLock    string              `bson:"processing_lock,omitempty"`
	WorkerClaim       *domain.WorkerClaim `bson:"worker_claim,omitempty"`
}

func (d *taskDoc) toDomain() *domain.Task {
	return &domain.Task{
		ID:                d.ID.Hex(),
		UserID:            d.UserID,
		SearchQuery:       d.SearchQuery,
		Criteria:          d.Criteria,
		Model:             d.Model,
		Name:              d.Name,
		Status:            d.Status,
		Progress:          d.Progress,
		Error:             d.Error,
		StartedAt:         d.StartedAt,
		CompletedAt:       d.CompletedAt,
		LastActivityAt:    d.LastActivityAt,
		RemainingArticles: d.RemainingArticles,
		ProcessingLock:    d.ProcessingLock,
		WorkerClaim:       d.WorkerClaim,
	}
}

func taskObjectID(taskID string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(taskID)
	if err != nil {
		return primitive.NilObjectID, ErrNotFound
	}
	return oid, nil
}

func statusList(statuses []domain.Status) bson.A {
	list := make(bson.A, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, st)
	}
	return list
}
