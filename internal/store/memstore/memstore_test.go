package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubscreen/internal/domain"
	"pubscreen/internal/store"
)

func newTask(t *testing.T, s *Store, status domain.Status, startedAt time.Time) string {
	t.Helper()
	id, err := s.InsertTask(context.Background(), &domain.Task{
		Criteria:  "criteria",
		Model:     "llama3",
		Status:    status,
		StartedAt: startedAt,
	})
	require.NoError(t, err)
	return id
}

func TestGetTaskNotFound(t *testing.T) {
	s := New()
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimPrefersOldestProcessable(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	newTask(t, s, domain.StatusPaused, now.Add(-3*time.Hour))
	oldest := newTask(t, s, domain.StatusRunning, now.Add(-2*time.Hour))
	newTask(t, s, domain.StatusFullScreening, now.Add(-time.Hour))

	window := store.ClaimWindow{Now: now, StaleAfter: 5 * time.Minute, FreshSince: now.Add(-24 * time.Hour)}
	claimed, err := s.ClaimTask(ctx, "w1", window)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, oldest, claimed.ID)
	require.NotNil(t, claimed.WorkerClaim)
	assert.Equal(t, "w1", claimed.WorkerClaim.WorkerID)
}

func TestClaimIsExclusiveUntilStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	newTask(t, s, domain.StatusRunning, now.Add(-time.Hour))

	window := store.ClaimWindow{Now: now, StaleAfter: 5 * time.Minute, FreshSince: now.Add(-24 * time.Hour)}
	first, err := s.ClaimTask(ctx, "w1", window)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.ClaimTask(ctx, "w2", window)
	require.NoError(t, err)
	assert.Nil(t, second, "a fresh claim must not be stolen")

	// Ten minutes later the claim has gone stale and may be taken over.
	later := store.ClaimWindow{Now: now.Add(10 * time.Minute), StaleAfter: 5 * time.Minute, FreshSince: now.Add(-24 * time.Hour)}
	stolen, err := s.ClaimTask(ctx, "w2", later)
	require.NoError(t, err)
	require.NotNil(t, stolen)
	assert.Equal(t, "w2", stolen.WorkerClaim.WorkerID)
}

func TestClaimIgnoresAncientTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	newTask(t, s, domain.StatusRunning, now.Add(-48*time.Hour))

	window := store.ClaimWindow{Now: now, StaleAfter: 5 * time.Minute, FreshSince: now.Add(-24 * time.Hour)}
	claimed, err := s.ClaimTask(ctx, "w1", window)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestReleaseClaimOnlyByOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	id := newTask(t, s, domain.StatusRunning, now.Add(-time.Hour))

	window := store.ClaimWindow{Now: now, StaleAfter: 5 * time.Minute, FreshSince: now.Add(-24 * time.Hour)}
	_, err := s.ClaimTask(ctx, "w1", window)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseClaim(ctx, id, "w2"))
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, task.WorkerClaim, "a stranger's release is a no-op")

	require.NoError(t, s.ReleaseClaim(ctx, id, "w1"))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.WorkerClaim)
}

func TestLockIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusRunning, time.Now().UTC())

	ok, err := s.AcquireLock(ctx, id, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, id, "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, id, "w1"))
	ok, err = s.AcquireLock(ctx, id, "w2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockRefusesNonProcessable(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusPaused, time.Now().UTC())

	ok, err := s.AcquireLock(ctx, id, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouchLockDetectsLossAndStatusChange(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusRunning, time.Now().UTC())

	_, err := s.AcquireLock(ctx, id, "w1")
	require.NoError(t, err)

	task, err := s.TouchLock(ctx, id, "w1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.NotNil(t, task.LastActivityAt)

	task, err = s.TouchLock(ctx, id, "w2", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, task, "touch by a non-owner returns nothing")

	applied, err := s.CASStatus(ctx, id, []domain.Status{domain.StatusRunning}, domain.StatusPaused, store.StatusChange{})
	require.NoError(t, err)
	require.True(t, applied)

	task, err = s.TouchLock(ctx, id, "w1", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, task, "touch after a status change returns nothing")
}

func TestCASStatusAppliesChangeAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusRunning, time.Now().UTC())

	msg := "boom"
	now := time.Now().UTC()
	total := 10
	applied, err := s.CASStatus(ctx, id,
		[]domain.Status{domain.StatusRunning, domain.StatusPaused},
		domain.StatusError,
		store.StatusChange{Error: &msg, CompletedAt: &now, ProgressTotal: &total})
	require.NoError(t, err)
	assert.True(t, applied)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 10, task.Progress.Total)

	// Terminal state: a second transition must not apply.
	applied, err = s.CASStatus(ctx, id,
		[]domain.Status{domain.StatusRunning}, domain.StatusDone, store.StatusChange{})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBumpProgressIsConditionalOnStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusRunning, time.Now().UTC())

	applied, err := s.BumpProgress(ctx, id, domain.StatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.BumpProgress(ctx, id, domain.StatusFullScreening)
	require.NoError(t, err)
	assert.False(t, applied, "bump against the wrong status must not apply")

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Progress.Current)
}

func TestSetPlanOnlyWhileProcessable(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := newTask(t, s, domain.StatusRunning, time.Now().UTC())

	require.NoError(t, s.SetPlan(ctx, id, []string{"a5", "a6"}, 10))
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a5", "a6"}, task.RemainingArticles)
	assert.Equal(t, 10, task.Progress.Total)

	_, err = s.CASStatus(ctx, id, []domain.Status{domain.StatusRunning}, domain.StatusPaused, store.StatusChange{})
	require.NoError(t, err)

	require.NoError(t, s.SetPlan(ctx, id, nil, 99))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, task.Progress.Total, "plan writes are ignored once settled")
}

func TestUpsertResultIsIdempotentPerArticle(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := domain.ScreeningResult{TaskID: "t1", ArticleID: "a1", Included: false, RelevanceScore: 40}
	require.NoError(t, s.UpsertResult(ctx, r))
	r.Included = true
	r.RelevanceScore = 80
	require.NoError(t, s.UpsertResult(ctx, r))

	count, err := s.CountResults(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, total, err := s.ListResults(ctx, "t1", store.ResultListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 80.0, results[0].RelevanceScore)
}

func TestListResultsSortsAndFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, r := range []domain.ScreeningResult{
		{TaskID: "t1", ArticleID: "a1", Included: true, RelevanceScore: 70},
		{TaskID: "t1", ArticleID: "a2", Included: false, RelevanceScore: 30},
		{TaskID: "t1", ArticleID: "a3", Included: true, RelevanceScore: 95},
	} {
		require.NoError(t, s.UpsertResult(ctx, r))
	}

	results, total, err := s.ListResults(ctx, "t1", store.ResultListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"a3", "a1", "a2"}, []string{results[0].ArticleID, results[1].ArticleID, results[2].ArticleID})

	included := true
	results, total, err = s.ListResults(ctx, "t1", store.ResultListFilter{Included: &included})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, r := range results {
		assert.True(t, r.Included)
	}

	stats, err := s.ResultStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Included: 2, Excluded: 1}, stats)
}

func TestInsertArticlesReportsPersistedCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	count, err := s.InsertArticles(ctx, []domain.Article{
		{TaskID: "t1", ArticleID: "a1"},
		{TaskID: "t1", ArticleID: "a2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.InsertArticles(ctx, []domain.Article{{TaskID: "t1", ArticleID: "a3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, count, "count covers the whole task, not the batch")
}

func TestListTasksFiltersAndPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		newTask(t, s, domain.StatusRunning, now.Add(time.Duration(i)*time.Minute))
	}
	newTask(t, s, domain.StatusDone, now.Add(time.Hour))

	tasks, total, err := s.ListTasks(ctx, store.TaskListFilter{Status: "running", Page: 1, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, tasks, 3)

	tasks, total, err = s.ListTasks(ctx, store.TaskListFilter{Status: "running", Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, tasks, 2)

	tasks, total, err = s.ListTasks(ctx, store.TaskListFilter{Status: "all"})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.True(t, tasks[0].StartedAt.After(tasks[1].StartedAt), "newest first")
}

func TestListPausedTaskIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	p1 := newTask(t, s, domain.StatusPaused, now)
	newTask(t, s, domain.StatusRunning, now)
	p2 := newTask(t, s, domain.StatusPaused, now)

	ids, err := s.ListPausedTaskIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{p1, p2}, ids)
}
