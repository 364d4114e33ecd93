// Package store is the durable persistence port for tasks, articles and
// screening results.
//
// Every task mutation goes through a conditional predicate (claim, lock,
// status CAS, conditional progress bump). Plain unconditional task updates
// are deliberately absent from the port: concurrent cancellation,
// full-screening requests and worker progress races touch every task.
package store

import (
	"context"
	"errors"
	"time"

	"pubscreen/internal/domain"
)

// ErrNotFound is returned when the referenced task does not exist.
var ErrNotFound = errors.New("store: not found")

// ClaimWindow bounds which tasks a worker will pick up: claims older than
// StaleAfter may be stolen, tasks started before FreshSince are ignored.
type ClaimWindow struct {
	Now        time.Time
	StaleAfter time.Duration
	FreshSince time.Time
}

// StatusChange carries the extra fields applied together with a status CAS.
// Nil pointers leave the field untouched.
type StatusChange struct {
	Error             *string
	ClearError        bool
	CompletedAt       *time.Time
	ProgressTotal     *int
	ProgressCurrent   *int
	RemainingArticles []string
	SetRemaining      bool
}

// TaskListFilter selects and pages the task listing.
type TaskListFilter struct {
	Status string // empty or "all" means no filter
	Page   int    // 1-based
	Limit  int
}

// ResultListFilter selects and pages screening results for one task.
type ResultListFilter struct {
	Included *bool
	Page     int
	Limit    int
}

// Store is the single persistence port shared by workers and the control API.
type Store interface {
	// InsertTask persists a new task and returns its store-generated id.
	InsertTask(ctx context.Context, task *domain.Task) (string, error)

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks returns a page of tasks, newest first, plus the total count.
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*domain.Task, int, error)

	// ClaimTask atomically claims one eligible task (status running or
	// full_screening, claim absent or stale, started inside the freshness
	// window) for workerID, oldest started_at first. Returns nil when no
	// task is claimable.
	ClaimTask(ctx context.Context, workerID string, window ClaimWindow) (*domain.Task, error)

	// ReleaseClaim clears the worker claim only if owned by workerID.
	ReleaseClaim(ctx context.Context, taskID, workerID string) error

	// AcquireLock takes the processing lock for workerID. Returns false when
	// another worker holds it or the task left a processable status.
	AcquireLock(ctx context.Context, taskID, workerID string) (bool, error)

	// ReleaseLock drops the processing lock only if owned by workerID.
	ReleaseLock(ctx context.Context, taskID, workerID string) error

	// TouchLock refreshes last_activity_at and returns the task, but only
	// while workerID still holds the lock and the status is processable.
	// Returns nil when the lock was lost or the status changed.
	TouchLock(ctx context.Context, taskID, workerID string, now time.Time) (*domain.Task, error)

	// CASStatus transitions status from one of `from` to `to`, applying the
	// extra fields in the same atomic update. Reports whether it applied.
	CASStatus(ctx context.Context, taskID string, from []domain.Status, to domain.Status, change StatusChange) (bool, error)

	// ClearTaskError drops a stale error field, preserving progress.
	ClearTaskError(ctx context.Context, taskID string) error

	// SetPlan records the processing plan: deferred article ids and the
	// progress denominator. Applies only while the status is processable.
	SetPlan(ctx context.Context, taskID string, remaining []string, progressTotal int) error

	// BumpProgress increments progress.current by one, but only while the
	// task still has the given status. Reports whether it applied.
	BumpProgress(ctx context.Context, taskID string, status domain.Status) (bool, error)

	// SetProgressCurrent overwrites progress.current (self-healing reads).
	SetProgressCurrent(ctx context.Context, taskID string, current int) error

	// ListPausedTaskIDs returns the ids of all paused tasks.
	ListPausedTaskIDs(ctx context.Context) ([]string, error)

	// InsertArticles bulk-inserts articles and returns the persisted count
	// for the task after the insert.
	InsertArticles(ctx context.Context, articles []domain.Article) (int, error)

	// ListArticles returns a task's articles in insertion order.
	ListArticles(ctx context.Context, taskID string) ([]domain.Article, error)

	// CountArticles counts a task's articles.
	CountArticles(ctx context.Context, taskID string) (int, error)

	// UpsertResult writes a screening result keyed on (task_id, article_id).
	UpsertResult(ctx context.Context, result domain.ScreeningResult) error

	// CountResults counts a task's screening results.
	CountResults(ctx context.Context, taskID string) (int, error)

	// ProcessedArticleIDs returns the set of article ids that already have
	// a screening result for the task.
	ProcessedArticleIDs(ctx context.Context, taskID string) (map[string]struct{}, error)

	// ListResults returns a page of results sorted by relevance_score
	// descending, plus the total count under the filter.
	ListResults(ctx context.Context, taskID string, filter ResultListFilter) ([]domain.ScreeningResult, int, error)

	// ResultStats aggregates included/excluded counts for a task.
	ResultStats(ctx context.Context, taskID string) (domain.Stats, error)
}
