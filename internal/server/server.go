// Package server exposes the control API: task creation, article ingestion,
// lifecycle transitions and result reads over REST.
package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pubscreen/internal/logging"
	"pubscreen/internal/store"
)

// HealthFunc reports backend liveness, typically a MongoDB ping.
type HealthFunc func(ctx context.Context) error

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server wires the REST handlers onto a gin engine.
type Server struct {
	store  store.Store
	health HealthFunc
	engine *gin.Engine
	logger logging.Logger
}

func New(st store.Store, health HealthFunc) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:  st,
		health: health,
		logger: logging.NewComponentLogger("server"),
	}

	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	api := engine.Group("/api")
	{
		api.POST("/tasks", s.createTask)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/screen", s.submitArticles)
		api.POST("/tasks/:id/request-full-screening", s.requestFullScreening)
		api.POST("/tasks/:id/cancel", s.cancelTask)
		api.GET("/tasks/:id/results", s.listResults)
		api.GET("/health", s.healthCheck)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = engine
	return s
}

// Handler returns the root HTTP handler for mounting into an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func respondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: message, Data: data})
}

func respondCreated(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Message: message, Data: data})
}

func respondError(c *gin.Context, status int, err string) {
	c.JSON(status, APIResponse{Success: false, Error: err})
}
