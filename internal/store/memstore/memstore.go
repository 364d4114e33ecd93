// Package memstore is an in-memory Store with the same conditional-update
// semantics as the MongoDB implementation. It backs the concurrency tests
// and local development without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pubscreen/internal/domain"
	"pubscreen/internal/store"
)

// Store keeps everything under one mutex; each exported method is a single
// critical section, which is exactly the atomicity the Mongo port promises
// per document.
type Store struct {
	mu      sync.Mutex
	seq     int
	tasks   map[string]*domain.Task
	arts    map[string][]domain.Article
	results map[string]map[string]domain.ScreeningResult
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks:   make(map[string]*domain.Task),
		arts:    make(map[string][]domain.Article),
		results: make(map[string]map[string]domain.ScreeningResult),
	}
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.RemainingArticles = append([]string(nil), t.RemainingArticles...)
	if t.WorkerClaim != nil {
		claim := *t.WorkerClaim
		cp.WorkerClaim = &claim
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.LastActivityAt != nil {
		at := *t.LastActivityAt
		cp.LastActivityAt = &at
	}
	return &cp
}

func (s *Store) InsertTask(_ context.Context, task *domain.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task.ID = fmt.Sprintf("%024x", s.seq)
	if task.RemainingArticles == nil {
		task.RemainingArticles = []string{}
	}
	s.tasks[task.ID] = cloneTask(task)
	return task.ID, nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasks(_ context.Context, filter store.TaskListFilter) ([]*domain.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Task
	for _, t := range s.tasks {
		if filter.Status != "" && filter.Status != "all" && string(t.Status) != filter.Status {
			continue
		}
		all = append(all, cloneTask(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *Store) ClaimTask(_ context.Context, workerID string, window store.ClaimWindow) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := window.Now.Add(-window.StaleAfter)
	var candidate *domain.Task
	for _, t := range s.tasks {
		if !t.Status.Processable() {
			continue
		}
		if t.StartedAt.Before(window.FreshSince) {
			continue
		}
		if t.WorkerClaim != nil && !t.WorkerClaim.ClaimedAt.Before(staleBefore) {
			continue
		}
		if candidate == nil || t.StartedAt.Before(candidate.StartedAt) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.WorkerClaim = &domain.WorkerClaim{WorkerID: workerID, ClaimedAt: window.Now}
	return cloneTask(candidate), nil
}

func (s *Store) ReleaseClaim(_ context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.WorkerClaim != nil && t.WorkerClaim.WorkerID == workerID {
		t.WorkerClaim = nil
	}
	return nil
}

func (s *Store) AcquireLock(_ context.Context, taskID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !t.Status.Processable() || t.ProcessingLock != "" {
		return false, nil
	}
	t.ProcessingLock = workerID
	now := time.Now().UTC()
	t.LastActivityAt = &now
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.ProcessingLock == workerID {
		t.ProcessingLock = ""
		t.LastActivityAt = nil
	}
	return nil
}

func (s *Store) TouchLock(_ context.Context, taskID, workerID string, now time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.ProcessingLock != workerID || !t.Status.Processable() {
		return nil, nil
	}
	t.LastActivityAt = &now
	return cloneTask(t), nil
}

func (s *Store) CASStatus(_ context.Context, taskID string, from []domain.Status, to domain.Status, change store.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}

	matched := false
	for _, st := range from {
		if t.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	t.Status = to
	if change.Error != nil {
		t.Error = *change.Error
	} else if change.ClearError {
		t.Error = ""
	}
	if change.CompletedAt != nil {
		at := *change.CompletedAt
		t.CompletedAt = &at
	}
	if change.ProgressTotal != nil {
		t.Progress.Total = *change.ProgressTotal
	}
	if change.ProgressCurrent != nil {
		t.Progress.Current = *change.ProgressCurrent
	}
	if change.SetRemaining {
		t.RemainingArticles = append([]string{}, change.RemainingArticles...)
	}
	return true, nil
}

func (s *Store) ClearTaskError(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Error = ""
	return nil
}

func (s *Store) SetPlan(_ context.Context, taskID string, remaining []string, progressTotal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if !t.Status.Processable() {
		return nil
	}
	t.RemainingArticles = append([]string{}, remaining...)
	t.Progress.Total = progressTotal
	return nil
}

func (s *Store) BumpProgress(_ context.Context, taskID string, status domain.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != status {
		return false, nil
	}
	t.Progress.Current++
	return true, nil
}

func (s *Store) SetProgressCurrent(_ context.Context, taskID string, current int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Progress.Current = current
	return nil
}

func (s *Store) ListPausedTaskIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.tasks {
		if t.Status == domain.StatusPaused {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) InsertArticles(_ context.Context, articles []domain.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID := articles[0].TaskID
	s.arts[taskID] = append(s.arts[taskID], articles...)
	return len(s.arts[taskID]), nil
}

func (s *Store) ListArticles(_ context.Context, taskID string) ([]domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Article(nil), s.arts[taskID]...), nil
}

func (s *Store) CountArticles(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arts[taskID]), nil
}

func (s *Store) UpsertResult(_ context.Context, result domain.ScreeningResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byArticle, ok := s.results[result.TaskID]
	if !ok {
		byArticle = make(map[string]domain.ScreeningResult)
		s.results[result.TaskID] = byArticle
	}
	byArticle[result.ArticleID] = result
	return nil
}

func (s *Store) CountResults(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results[taskID]), nil
}

func (s *Store) ProcessedArticleIDs(_ context.Context, taskID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	processed := make(map[string]struct{}, len(s.results[taskID]))
	for id := range s.results[taskID] {
		processed[id] = struct{}{}
	}
	return processed, nil
}

func (s *Store) ListResults(_ context.Context, taskID string, filter store.ResultListFilter) ([]domain.ScreeningResult, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.ScreeningResult
	for _, r := range s.results[taskID] {
		if filter.Included != nil && r.Included != *filter.Included {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].RelevanceScore != all[j].RelevanceScore {
			return all[i].RelevanceScore > all[j].RelevanceScore
		}
		return all[i].ArticleID < all[j].ArticleID
	})

	total := len(all)
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *Store) ResultStats(_ context.Context, taskID string) (domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.Stats
	for _, r := range s.results[taskID] {
		if r.Included {
			stats.Included++
		} else {
			stats.Excluded++
		}
	}
	return stats, nil
}
