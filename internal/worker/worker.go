package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pubscreen/internal/config"
	"pubscreen/internal/domain"
	pserrors "pubscreen/internal/errors"
	"pubscreen/internal/llm"
	"pubscreen/internal/logging"
	"pubscreen/internal/screening"
	"pubscreen/internal/store"
)

const (
	// maxTaskAttempts is the per-task error budget. Once a task has failed
	// this many times on one worker it is marked permanently failed instead
	// of being retried forever.
	maxTaskAttempts = 3

	// claimFreshness ignores tasks started longer ago than this; ancient
	// stuck tasks are an operator problem, not a worker one.
	claimFreshness = 24 * time.Hour

	// pausedLogInterval throttles the idle "paused tasks waiting" log line.
	pausedLogInterval = time.Minute
)

// Worker is the long-running claim loop: claim a task, process it, release
// the claim, repeat. Several workers may run against the same store; the
// claim and lock predicates keep them off each other's tasks.
type Worker struct {
	id        string
	store     store.Store
	cfg       *config.Manager
	client    llm.Client
	processor *Processor
	logger    logging.Logger

	errorCounts   map[string]int
	lastPausedLog time.Time
}

// endpointUpdater is satisfied by clients whose base URL can change at
// runtime, like the shared Ollama client.
type endpointUpdater interface {
	UpdateEndpoint(baseURL string)
}

func New(st store.Store, cfg *config.Manager, client llm.Client) *Worker {
	id := uuid.NewString()
	settings := cfg.Snapshot()
	screener := screening.NewScreener(client, settings.ScoreThreshold)
	return &Worker{
		id:          id,
		store:       st,
		cfg:         cfg,
		client:      client,
		processor:   NewProcessor(st, screener),
		logger:      logging.NewComponentLogger("worker"),
		errorCounts: make(map[string]int),
	}
}

// ID returns the worker's unique identity used in claims and locks.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the claim loop until ctx is cancelled. It always returns nil
// after a clean shutdown; the loop itself never gives up on store errors.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker %s started", w.id)
	defer w.logger.Info("Worker %s stopped", w.id)

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now().UTC()
		if w.cfg.ReloadIfChanged(now) {
			settings := w.cfg.Snapshot()
			if updater, ok := w.client.(endpointUpdater); ok {
				updater.UpdateEndpoint(settings.OllamaAPIURL)
			}
			w.logger.Info("Configuration reloaded (endpoint %s)", settings.OllamaAPIURL)
		}
		settings := w.cfg.Snapshot()

		task, err := w.store.ClaimTask(ctx, w.id, store.ClaimWindow{
			Now:        now,
			StaleAfter: settings.StaleClaimTTL,
			FreshSince: now.Add(-claimFreshness),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Claim query failed: %v", err)
			if err := pserrors.Sleep(ctx, settings.IdlePoll); err != nil {
				return nil
			}
			continue
		}
		if task == nil {
			w.logPausedTasks(ctx, now)
			if err := pserrors.Sleep(ctx, settings.IdlePoll); err != nil {
				return nil
			}
			continue
		}

		w.handleClaimed(ctx, task, settings)
	}
}

// handleClaimed runs one claimed task through the processor, applying the
// error budget, and always releases the claim.
func (w *Worker) handleClaimed(ctx context.Context, task *domain.Task, settings config.Settings) {
	defer w.releaseClaim(task.ID)

	if w.errorCounts[task.ID] >= maxTaskAttempts {
		w.failPermanently(task.ID)
		return
	}

	w.logger.Info("Worker %s processing task %s (%s)", w.id, task.ID, task.Status)
	err := w.processor.Process(ctx, task.ID, w.id, settings)
	if err == nil {
		delete(w.errorCounts, task.ID)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the task mid-flight; mark it so operators
		// can see why it never finished, then let Run return.
		w.markStopped(task.ID)
		return
	}

	w.errorCounts[task.ID]++
	attempt := w.errorCounts[task.ID]
	w.logger.Error("Task %s failed (attempt %d/%d): %v", task.ID, attempt, maxTaskAttempts, err)

	if attempt >= maxTaskAttempts {
		w.failPermanently(task.ID)
		return
	}
	w.markAttemptFailed(task.ID, attempt, err)
}

// logPausedTasks emits at most one line per minute listing tasks waiting for
// a full-screening request.
func (w *Worker) logPausedTasks(ctx context.Context, now time.Time) {
	if now.Sub(w.lastPausedLog) < pausedLogInterval {
		return
	}
	ids, err := w.store.ListPausedTaskIDs(ctx)
	if err != nil || len(ids) == 0 {
		return
	}
	w.lastPausedLog = now
	w.logger.Info("%d paused task(s) awaiting full screening: %s", len(ids), strings.Join(ids, ", "))
}

func (w *Worker) releaseClaim(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.ReleaseClaim(ctx, taskID, w.id); err != nil {
		w.logger.Error("Release claim for task %s: %v", taskID, err)
	}
}

// markAttemptFailed records a retriable failure on the task. The error status
// is not terminal here: the claim loop will pick the task up again once the
// operator (or the next claim pass after a status reset) re-runs it.
func (w *Worker) markAttemptFailed(taskID string, attempt int, cause error) {
	msg := fmt.Sprintf("Attempt %d: %v", attempt, cause)
	w.casError(taskID, msg, false)
}

func (w *Worker) failPermanently(taskID string) {
	w.logger.Error("Task %s exceeded %d attempts, failing permanently", taskID, maxTaskAttempts)
	w.casError(taskID, "Task failed permanently: too many processing attempts", true)
	delete(w.errorCounts, taskID)
}

func (w *Worker) markStopped(taskID string) {
	w.logger.Warn("Worker %s stopping, marking task %s", w.id, taskID)
	w.casError(taskID, "Worker stopped", true)
}

// casError records the worker-level error message. The from-set includes
// error so the attempt bookkeeping can overwrite the processor's raw message;
// a task that reached done stays done.
func (w *Worker) casError(taskID, message string, final bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	change := store.StatusChange{Error: &message}
	if final {
		now := time.Now().UTC()
		change.CompletedAt = &now
	}
	applied, err := w.store.CASStatus(ctx, taskID,
		[]domain.Status{domain.StatusRunning, domain.StatusFullScreening, domain.StatusPaused, domain.StatusError},
		domain.StatusError, change)
	if err != nil {
		w.logger.Error("Mark task %s as error: %v", taskID, err)
		return
	}
	if !applied {
		w.logger.Debug("Task %s already settled, error not recorded", taskID)
	}
}
