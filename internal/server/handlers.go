package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pubscreen/internal/domain"
	"pubscreen/internal/store"
)

const taskNamePrefix = "Screening: "

// taskView is a task plus the read-time aggregates the UI wants.
type taskView struct {
	*domain.Task
	Stats          domain.Stats `json:"stats"`
	ArticleCount   *int         `json:"article_count,omitempty"`
	ProcessedCount *int         `json:"processed_count,omitempty"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func paginate(page, limit, total int) pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

type createTaskRequest struct {
	UserID        string `json:"user_id"`
	SearchQuery   string `json:"search_query"`
	Criteria      string `json:"criteria" binding:"required"`
	Model         string `json:"model" binding:"required"`
	TotalArticles int    `json:"total_articles"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.TotalArticles <= 0 {
		respondError(c, http.StatusBadRequest, "total_articles must be positive")
		return
	}

	task := &domain.Task{
		UserID:            req.UserID,
		SearchQuery:       req.SearchQuery,
		Criteria:          req.Criteria,
		Model:             req.Model,
		Name:              taskName(req.SearchQuery),
		Status:            domain.StatusRunning,
		Progress:          domain.Progress{Total: req.TotalArticles, Current: 0},
		StartedAt:         time.Now().UTC(),
		RemainingArticles: []string{},
	}

	id, err := s.store.InsertTask(c.Request.Context(), task)
	if err != nil {
		s.logger.Error("Create task: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to create task")
		return
	}
	s.logger.Info("Created task %s (%d articles expected)", id, req.TotalArticles)
	respondCreated(c, "Task created", gin.H{"task_id": id})
}

// taskName derives the display name from the search query, truncated so a
// pathological query does not bloat every task listing.
func taskName(searchQuery string) string {
	runes := []rune(searchQuery)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return taskNamePrefix + string(runes)
}

type articlePayload struct {
	ArticleID string `json:"article_id" binding:"required"`
	Title     string `json:"title"`
	Abstract  string `json:"abstract"`
}

type submitArticlesRequest struct {
	Articles []articlePayload `json:"articles" binding:"required"`
}

func (s *Server) submitArticles(c *gin.Context) {
	taskID := c.Param("id")

	var req submitArticlesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req.Articles) == 0 {
		respondError(c, http.StatusBadRequest, "articles must not be empty")
		return
	}

	task, err := s.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		s.respondStoreError(c, taskID, err)
		return
	}
	if task.Status != domain.StatusRunning {
		respondError(c, http.StatusConflict,
			fmt.Sprintf("task is %s, articles are only accepted while running", task.Status))
		return
	}

	now := time.Now().UTC()
	articles := make([]domain.Article, 0, len(req.Articles))
	for _, a := range req.Articles {
		articles = append(articles, domain.Article{
			TaskID:    taskID,
			ArticleID: a.ArticleID,
			Title:     a.Title,
			Abstract:  a.Abstract,
			CreatedAt: now,
		})
	}

	count, err := s.store.InsertArticles(c.Request.Context(), articles)
	if err != nil {
		s.logger.Error("Insert articles for task %s: %v", taskID, err)
		respondError(c, http.StatusInternalServerError, "failed to store articles")
		return
	}
	if count < len(articles) {
		// The insert reported success but the collection disagrees.
		s.logger.Error("Task %s: inserted %d articles but only %d persisted", taskID, len(articles), count)
		respondError(c, http.StatusInternalServerError, "article persistence verification failed")
		return
	}

	s.logger.Info("Task %s: accepted %d articles (%d total)", taskID, len(articles), count)
	respondOK(c, "Articles accepted", gin.H{"article_count": count})
}

type fullScreeningRequest struct {
	RemainingArticles []string `json:"remaining_articles"`
}

func (s *Server) requestFullScreening(c *gin.Context) {
	taskID := c.Param("id")

	var req fullScreeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(req.RemainingArticles) == 0 {
		respondError(c, http.StatusBadRequest, "remaining_articles must not be empty")
		return
	}

	applied, err := s.store.CASStatus(c.Request.Context(), taskID,
		[]domain.Status{domain.StatusPaused}, domain.StatusFullScreening,
		store.StatusChange{ClearError: true, RemainingArticles: req.RemainingArticles, SetRemaining: true})
	if err != nil {
		s.respondStoreError(c, taskID, err)
		return
	}
	if !applied {
		task, err := s.store.GetTask(c.Request.Context(), taskID)
		if err != nil {
			s.respondStoreError(c, taskID, err)
			return
		}
		respondError(c, http.StatusConflict,
			fmt.Sprintf("task is %s, full screening requires a paused task", task.Status))
		return
	}

	s.logger.Info("Task %s moved to full screening", taskID)
	respondOK(c, "Full screening requested", gin.H{"task_id": taskID, "status": domain.StatusFullScreening})
}

func (s *Server) cancelTask(c *gin.Context) {
	taskID := c.Param("id")

	msg := "Task cancelled by user"
	now := time.Now().UTC()
	applied, err := s.store.CASStatus(c.Request.Context(), taskID,
		[]domain.Status{domain.StatusRunning, domain.StatusPaused, domain.StatusFullScreening},
		domain.StatusError,
		store.StatusChange{Error: &msg, CompletedAt: &now})
	if err != nil {
		s.respondStoreError(c, taskID, err)
		return
	}
	if !applied {
		task, err := s.store.GetTask(c.Request.Context(), taskID)
		if err != nil {
			s.respondStoreError(c, taskID, err)
			return
		}
		respondError(c, http.StatusConflict, fmt.Sprintf("task is already %s", task.Status))
		return
	}

	s.logger.Info("Task %s cancelled", taskID)
	respondOK(c, "Task cancelled", gin.H{"task_id": taskID, "status": domain.StatusError})
}

func (s *Server) listTasks(c *gin.Context) {
	filter := store.TaskListFilter{
		Status: c.Query("status"),
		Page:   queryInt(c, "page", 1),
		Limit:  queryInt(c, "limit", 20),
	}

	tasks, total, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("List tasks: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		stats, err := s.store.ResultStats(c.Request.Context(), t.ID)
		if err != nil {
			s.logger.Warn("Stats for task %s: %v", t.ID, err)
		}
		views = append(views, taskView{Task: t, Stats: stats})
	}

	respondOK(c, "", gin.H{
		"tasks":      views,
		"pagination": paginate(filter.Page, filter.Limit, total),
	})
}

func (s *Server) getTask(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.respondStoreError(c, taskID, err)
		return
	}

	stats, err := s.store.ResultStats(ctx, taskID)
	if err != nil {
		s.logger.Warn("Stats for task %s: %v", taskID, err)
	}
	articleCount, err := s.store.CountArticles(ctx, taskID)
	if err != nil {
		s.logger.Warn("Article count for task %s: %v", taskID, err)
	}
	processedCount, err := s.store.CountResults(ctx, taskID)
	if err != nil {
		s.logger.Warn("Result count for task %s: %v", taskID, err)
	}

	// Self-healing: a crash between upsert and bump can leave progress
	// behind the result count. Reconcile on read, but only for settled
	// tasks; an active worker owns the counter.
	if processedCount != task.Progress.Current &&
		(task.Status == domain.StatusPaused || task.Status.IsTerminal()) {
		if err := s.store.SetProgressCurrent(ctx, taskID, processedCount); err != nil {
			s.logger.Warn("Reconcile progress for task %s: %v", taskID, err)
		} else {
			s.logger.Info("Task %s progress reconciled: %d -> %d",
				taskID, task.Progress.Current, processedCount)
			task.Progress.Current = processedCount
		}
	}

	respondOK(c, "", taskView{
		Task:           task,
		Stats:          stats,
		ArticleCount:   &articleCount,
		ProcessedCount: &processedCount,
	})
}

func (s *Server) listResults(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		s.respondStoreError(c, taskID, err)
		return
	}

	filter := store.ResultListFilter{
		Page:  queryInt(c, "page", 1),
		Limit: queryInt(c, "limit", 50),
	}
	if raw, ok := c.GetQuery("included"); ok {
		included, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "included must be true or false")
			return
		}
		filter.Included = &included
	}

	results, total, err := s.store.ListResults(ctx, taskID, filter)
	if err != nil {
		s.logger.Error("List results for task %s: %v", taskID, err)
		respondError(c, http.StatusInternalServerError, "failed to list results")
		return
	}
	stats, err := s.store.ResultStats(ctx, taskID)
	if err != nil {
		s.logger.Warn("Stats for task %s: %v", taskID, err)
	}

	respondOK(c, "", gin.H{
		"results":    results,
		"stats":      stats,
		"pagination": paginate(filter.Page, filter.Limit, total),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			respondError(c, http.StatusServiceUnavailable, fmt.Sprintf("database unreachable: %v", err))
			return
		}
	}
	respondOK(c, "", gin.H{"status": "healthy"})
}

func (s *Server) respondStoreError(c *gin.Context, taskID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, fmt.Sprintf("task %s not found", taskID))
		return
	}
	s.logger.Error("Store error for task %s: %v", taskID, err)
	respondError(c, http.StatusInternalServerError, "internal storage error")
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
