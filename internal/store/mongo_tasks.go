package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pubscreen/internal/domain"
)

var processableStatuses = bson.A{domain.StatusRunning, domain.StatusFullScreening}

func (s *MongoStore) InsertTask(ctx context.Context, task *domain.Task) (string, error) {
	doc := taskDoc{
		UserID:            task.UserID,
		SearchQuery:       task.SearchQuery,
		Criteria:          task.Criteria,
		Model:             task.Model,
		Name:              task.Name,
		Status:            task.Status,
		Progress:          task.Progress,
		StartedAt:         task.StartedAt,
		RemainingArticles: []string{},
	}
	res, err := s.tasks().InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	oid := res.InsertedID.(primitive.ObjectID)
	task.ID = oid.Hex()
	return task.ID, nil
}

func (s *MongoStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return nil, err
	}
	var doc taskDoc
	if err := s.tasks().FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*domain.Task, int, error) {
	query := bson.M{}
	if filter.Status != "" && filter.Status != "all" {
		query["status"] = filter.Status
	}

	total, err := s.tasks().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	page, limit := normalisePage(filter.Page, filter.Limit)
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := s.tasks().Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var tasks []*domain.Task
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, doc.toDomain())
	}
	return tasks, int(total), cursor.Err()
}

func (s *MongoStore) ClaimTask(ctx context.Context, workerID string, window ClaimWindow) (*domain.Task, error) {
	staleBefore := window.Now.Add(-window.StaleAfter)
	filter := bson.M{
		"status":     bson.M{"$in": processableStatuses},
		"started_at": bson.M{"$gte": window.FreshSince},
		"$or": bson.A{
			bson.M{"worker_claim": bson.M{"$exists": false}},
			bson.M{"worker_claim.claimed_at": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"worker_claim": domain.WorkerClaim{WorkerID: workerID, ClaimedAt: window.Now},
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "started_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc taskDoc
	err := s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) ReleaseClaim(ctx context.Context, taskID, workerID string) error {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return err
	}
	_, err = s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid, "worker_claim.worker_id": workerID},
		bson.M{"$unset": bson.M{"worker_claim": ""}})
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *MongoStore) AcquireLock(ctx context.Context, taskID, workerID string) (bool, error) {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return false, err
	}
	filter := bson.M{
		"_id":             oid,
		"status":          bson.M{"$in": processableStatuses},
		"processing_lock": bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{
		"processing_lock":  workerID,
		"last_activity_at": time.Now().UTC(),
	}}
	res, err := s.tasks().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) ReleaseLock(ctx context.Context, taskID, workerID string) error {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return err
	}
	_, err = s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid, "processing_lock": workerID},
		bson.M{"$unset": bson.M{"processing_lock": "", "last_activity_at": ""}})
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *MongoStore) TouchLock(ctx context.Context, taskID, workerID string, now time.Time) (*domain.Task, error) {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{
		"_id":             oid,
		"processing_lock": workerID,
		"status":          bson.M{"$in": processableStatuses},
	}
	update := bson.M{"$set": bson.M{"last_activity_at": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc taskDoc
	err = s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("touch lock: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) CASStatus(ctx context.Context, taskID string, from []domain.Status, to domain.Status, change StatusChange) (bool, error) {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return false, err
	}

	set := bson.M{"status": to}
	unset := bson.M{}
	if change.Error != nil {
		set["error"] = *change.Error
	} else if change.ClearError {
		unset["error"] = ""
	}
	if change.CompletedAt != nil {
		set["completed_at"] = *change.CompletedAt
	}
	if change.ProgressTotal != nil {
		set["progress.total"] = *change.ProgressTotal
	}
	if change.ProgressCurrent != nil {
		set["progress.current"] = *change.ProgressCurrent
	}
	if change.SetRemaining {
		remaining := change.RemainingArticles
		if remaining == nil {
			remaining = []string{}
		}
		set["remaining_articles"] = remaining
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid, "status": bson.M{"$in": statusList(from)}},
		update)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) ClearTaskError(ctx context.Context, taskID string) error {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return err
	}
	_, err = s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$unset": bson.M{"error": ""}})
	if err != nil {
		return fmt.Errorf("clear task error: %w", err)
	}
	return nil
}

func (s *MongoStore) SetPlan(ctx context.Context, taskID string, remaining []string, progressTotal int) error {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return err
	}
	if remaining == nil {
		remaining = []string{}
	}
	_, err = s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid, "status": bson.M{"$in": processableStatuses}},
		bson.M{"$set": bson.M{
			"remaining_articles": remaining,
			"progress.total":     progressTotal,
		}})
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

func (s *MongoStore) BumpProgress(ctx context.Context, taskID string, status domain.Status) (bool, error) {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return false, err
	}
	res, err := s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid, "status": status},
		bson.M{"$inc": bson.M{"progress.current": 1}})
	if err != nil {
		return false, fmt.Errorf("bump progress: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) SetProgressCurrent(ctx context.Context, taskID string, current int) error {
	oid, err := taskObjectID(taskID)
	if err != nil {
		return err
	}
	_, err = s.tasks().UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"progress.current": current}})
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *MongoStore) ListPausedTaskIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.tasks().Find(ctx,
		bson.M{"status": domain.StatusPaused},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list paused: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID.Hex())
	}
	return ids, cursor.Err()
}

func normalisePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
