// Package domain defines the screening task model shared by the store, the
// workers and the HTTP surface.
package domain

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusFullScreening Status = "full_screening"
	StatusDone          Status = "done"
	StatusError         Status = "error"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError:
		return true
	default:
		return false
	}
}

// Processable reports whether a worker may drive a task in this status.
func (s Status) Processable() bool {
	return s == StatusRunning || s == StatusFullScreening
}

// Progress tracks how far a task has come. current never exceeds total for a
// healthy task; the store only bumps current conditionally.
type Progress struct {
	Total   int `bson:"total" json:"total"`
	Current int `bson:"current" json:"current"`
}

// WorkerClaim is a soft, TTL'd assertion that a worker intends to process a
// task. Claims older than the stale-claim TTL may be stolen.
type WorkerClaim struct {
	WorkerID  string    `bson:"worker_id" json:"worker_id"`
	ClaimedAt time.Time `bson:"claimed_at" json:"claimed_at"`
}

// Task is a user-authored unit of work: screen N articles against criteria
// using a named LLM.
type Task struct {
	ID          string `bson:"_id,omitempty" json:"task_id"`
	UserID      string `bson:"user_id" json:"user_id"`
	SearchQuery string `bson:"search_query" json:"search_query"`
	Criteria    string `bson:"criteria" json:"criteria"`
	Model       string `bson:"model" json:"model"`
	Name        string `bson:"name" json:"name"`

	Status   Status   `bson:"status" json:"status"`
	Progress Progress `bson:"progress" json:"progress"`
	Error    string   `bson:"error,omitempty" json:"error,omitempty"`

	StartedAt      time.Time  `bson:"started_at" json:"started_at"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	LastActivityAt *time.Time `bson:"last_activity_at,omitempty" json:"last_activity_at,omitempty"`

	// RemainingArticles holds article ids deferred past the initial cap,
	// in insertion order, for a later full screening.
	RemainingArticles []string `bson:"remaining_articles" json:"remaining_articles"`

	// ProcessingLock is the id of the worker currently driving the task.
	ProcessingLock string       `bson:"processing_lock,omitempty" json:"processing_lock,omitempty"`
	WorkerClaim    *WorkerClaim `bson:"worker_claim,omitempty" json:"worker_claim,omitempty"`
}

// Locked reports whether any worker holds the processing lock.
func (t *Task) Locked() bool {
	return t.ProcessingLock != ""
}
