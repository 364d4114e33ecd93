// Package worker contains the task execution engine: the processor that
// drives one task through its batches and the long-running worker loop that
// claims tasks from the store.
package worker

import (
	"context"
	"fmt"
	"time"

	"pubscreen/internal/config"
	"pubscreen/internal/domain"
	pserrors "pubscreen/internal/errors"
	"pubscreen/internal/logging"
	"pubscreen/internal/metrics"
	"pubscreen/internal/screening"
	"pubscreen/internal/store"
)

// Processor drives a single task end to end: lock, plan, batch loop,
// finalisation. It owns no cross-task state.
type Processor struct {
	store    store.Store
	screener *screening.Screener
	logger   logging.Logger
}

func NewProcessor(st store.Store, screener *screening.Screener) *Processor {
	return &Processor{
		store:    st,
		screener: screener,
		logger:   logging.NewComponentLogger("processor"),
	}
}

// plan is the resolved work for one processing pass.
type plan struct {
	articles  []domain.Article // still to screen, insertion order
	deferred  []string         // ids pushed past the initial cap
	total     int              // progress denominator
	processed int              // results that already exist
	initial   bool             // true when capped initial screening
}

// Process drives one task. It returns nil both on clean completion and on a
// benign abort (lock held elsewhere, status changed under us); it returns an
// error only for failures the worker should count against the task.
func (p *Processor) Process(ctx context.Context, taskID, workerID string, settings config.Settings) error {
	ok, err := p.store.AcquireLock(ctx, taskID, workerID)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		// Another worker is driving it, or the status moved on.
		metrics.ClaimConflicts.Inc()
		p.logger.Debug("Task %s already locked, skipping", taskID)
		return nil
	}
	defer func() {
		// Unconditional cleanup; release uses a background context so a
		// cancelled task still drops its lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.ReleaseLock(releaseCtx, taskID, workerID); err != nil {
			p.logger.Error("Release lock for task %s: %v", taskID, err)
		}
	}()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Status.Processable() {
		p.logger.Debug("Task %s is %s, nothing to do", taskID, task.Status)
		return nil
	}

	// A retried task keeps its progress; only the stale error goes.
	if task.Error != "" {
		if err := p.store.ClearTaskError(ctx, taskID); err != nil {
			return fmt.Errorf("clear error: %w", err)
		}
	}

	pl, err := p.resolvePlan(ctx, task, settings)
	if err != nil {
		return p.failTask(taskID, err)
	}

	if err := p.runBatches(ctx, task, workerID, pl, settings); err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a task failure; the worker decides what
			// the shutdown message is.
			return fmt.Errorf("processing cancelled: %w", ctx.Err())
		}
		return p.failTask(taskID, err)
	}
	return nil
}

// resolvePlan loads articles, subtracts already-processed ids and applies
// the initial-screening cap.
func (p *Processor) resolvePlan(ctx context.Context, task *domain.Task, settings config.Settings) (*plan, error) {
	articles, err := p.store.ListArticles(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	processed, err := p.store.ProcessedArticleIDs(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}

	remaining := make([]domain.Article, 0, len(articles))
	for _, a := range articles {
		if _, done := processed[a.ArticleID]; !done {
			remaining = append(remaining, a)
		}
	}

	pl := &plan{processed: len(processed), initial: task.Status == domain.StatusRunning}

	if pl.initial {
		budget := settings.ArticleLimit - len(processed)
		if budget < 0 {
			budget = 0
		}
		if budget > len(remaining) {
			budget = len(remaining)
		}
		pl.articles = remaining[:budget]
		pl.deferred = make([]string, 0, len(remaining)-budget)
		for _, a := range remaining[budget:] {
			pl.deferred = append(pl.deferred, a.ArticleID)
		}
		pl.total = settings.ArticleLimit
	} else {
		pl.articles = remaining
		pl.deferred = []string{}
		pl.total = len(articles)
	}

	if err := p.store.SetPlan(ctx, task.ID, pl.deferred, pl.total); err != nil {
		return nil, fmt.Errorf("set plan: %w", err)
	}

	p.logger.Info("Task %s plan: %d to screen, %d deferred, %d already done (total=%d)",
		task.ID, len(pl.articles), len(pl.deferred), pl.processed, pl.total)
	return pl, nil
}

// runBatches iterates the plan in batches, persisting each decision and
// bumping progress per article. A nil return means the pass ended cleanly,
// including benign aborts.
func (p *Processor) runBatches(ctx context.Context, task *domain.Task, workerID string, pl *plan, settings config.Settings) error {
	processedCount := pl.processed

	for start := 0; start < len(pl.articles); start += settings.BatchSize {
		end := start + settings.BatchSize
		if end > len(pl.articles) {
			end = len(pl.articles)
		}
		batch := pl.articles[start:end]

		// Batch-boundary recheck: still locked, still processable.
		current, err := p.store.TouchLock(ctx, task.ID, workerID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("touch lock: %w", err)
		}
		if current == nil {
			p.logger.Warn("Task %s lock lost or status changed, halting", task.ID)
			return nil
		}

		decisions, err := p.screenBatchWithRetry(ctx, batch, current, settings)
		if err != nil {
			return err
		}

		for _, article := range batch {
			decision, ok := decisions[article.ArticleID]
			if !ok {
				// Missing decision; left unwritten, a later pass picks it up.
				continue
			}
			if err := p.persistDecision(ctx, current, article, decision); err != nil {
				return err
			}
			applied, err := p.store.BumpProgress(ctx, task.ID, current.Status)
			if err != nil {
				return fmt.Errorf("bump progress: %w", err)
			}
			if !applied {
				p.logger.Warn("Task %s status changed mid-batch, stopping", task.ID)
				return nil
			}
			processedCount++
		}

		if pl.initial && processedCount >= settings.ArticleLimit {
			return p.pauseAtCap(ctx, task.ID, settings.ArticleLimit)
		}
	}

	return p.finalize(ctx, task.ID, pl)
}

// screenBatchWithRetry re-enters a failing batch up to MaxRetries times with
// linear backoff before propagating.
func (p *Processor) screenBatchWithRetry(ctx context.Context, batch []domain.Article, task *domain.Task, settings config.Settings) (map[string]domain.Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= settings.MaxRetries; attempt++ {
		decisions, err := p.screener.Screen(ctx, batch, task.Criteria, task.Model)
		if err == nil {
			return decisions, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == settings.MaxRetries {
			break
		}
		delay := settings.RetryDelay * time.Duration(attempt+1)
		p.logger.Warn("Batch failed (attempt %d/%d), retrying in %v: %v",
			attempt+1, settings.MaxRetries+1, delay, err)
		if err := pserrors.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("batch failed after %d attempts: %w", settings.MaxRetries+1, lastErr)
}

func (p *Processor) persistDecision(ctx context.Context, task *domain.Task, article domain.Article, decision domain.Decision) error {
	result := domain.ScreeningResult{
		TaskID:         task.ID,
		ArticleID:      article.ArticleID,
		Included:       decision.Included,
		Reason:         decision.Reason,
		RelevanceScore: decision.RelevanceScore,
		Metadata: domain.ResultMetadata{
			Title:    article.Title,
			Abstract: article.Abstract,
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.UpsertResult(ctx, result); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	metrics.ResultsWritten.Inc()
	return nil
}

// pauseAtCap transitions running -> paused once the initial cap is reached.
func (p *Processor) pauseAtCap(ctx context.Context, taskID string, limit int) error {
	applied, err := p.store.CASStatus(ctx, taskID,
		[]domain.Status{domain.StatusRunning}, domain.StatusPaused,
		store.StatusChange{ProgressTotal: &limit})
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	if applied {
		metrics.TasksFinished.WithLabelValues(string(domain.StatusPaused)).Inc()
		p.logger.Info("Task %s paused at article limit %d", taskID, limit)
	}
	return nil
}

// finalize settles the task after the plan drained. The stored result count
// is the source of truth for the final progress value.
func (p *Processor) finalize(ctx context.Context, taskID string, pl *plan) error {
	actual, err := p.store.CountResults(ctx, taskID)
	if err != nil {
		return fmt.Errorf("count results: %w", err)
	}

	if pl.initial {
		// Articles were deferred past the cap, so the task is not finished
		// even when this pass had nothing left to screen (a re-run after a
		// crash between the last bump and the pause can arrive here with an
		// empty plan). It must wait as paused, never complete.
		if len(pl.deferred) > 0 {
			applied, err := p.store.CASStatus(ctx, taskID,
				[]domain.Status{domain.StatusRunning}, domain.StatusPaused,
				store.StatusChange{ProgressCurrent: &actual})
			if err != nil {
				return fmt.Errorf("finalize paused: %w", err)
			}
			if applied {
				metrics.TasksFinished.WithLabelValues(string(domain.StatusPaused)).Inc()
				p.logger.Info("Task %s paused with %d articles deferred", taskID, len(pl.deferred))
			}
			return nil
		}

		// Fewer articles than the cap: the initial pass covered everything.
		now := time.Now().UTC()
		applied, err := p.store.CASStatus(ctx, taskID,
			[]domain.Status{domain.StatusRunning}, domain.StatusDone,
			store.StatusChange{CompletedAt: &now, ProgressCurrent: &actual})
		if err != nil {
			return fmt.Errorf("finalize done: %w", err)
		}
		if applied {
			metrics.TasksFinished.WithLabelValues(string(domain.StatusDone)).Inc()
			p.logger.Info("Task %s done: all %d articles processed", taskID, actual)
		}
		return nil
	}

	now := time.Now().UTC()
	applied, err := p.store.CASStatus(ctx, taskID,
		[]domain.Status{domain.StatusFullScreening}, domain.StatusDone,
		store.StatusChange{CompletedAt: &now, ProgressCurrent: &actual})
	if err != nil {
		return fmt.Errorf("finalize done: %w", err)
	}
	if applied {
		metrics.TasksFinished.WithLabelValues(string(domain.StatusDone)).Inc()
		p.logger.Info("Task %s full screening done: %d articles processed", taskID, actual)
	}
	return nil
}

// failTask records an unhandled processing error on the task and reports it
// to the caller.
func (p *Processor) failTask(taskID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	now := time.Now().UTC()
	_, err := p.store.CASStatus(ctx, taskID,
		[]domain.Status{domain.StatusRunning, domain.StatusFullScreening, domain.StatusPaused},
		domain.StatusError,
		store.StatusChange{Error: &msg, CompletedAt: &now})
	if err != nil {
		p.logger.Error("Mark task %s as error: %v", taskID, err)
	} else {
		metrics.TasksFinished.WithLabelValues(string(domain.StatusError)).Inc()
	}
	return cause
}
