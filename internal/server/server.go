package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentterm/backend/internal/executor"
	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/infrastructure/monitoring"
)

// Server wraps the gin router over the executor façade.
type Server struct {
	router   *gin.Engine
	executor *executor.Executor
	metrics  *monitoring.Metrics
	logger   *logging.Logger
}

// New creates the HTTP surface.
func New(exec *executor.Executor, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		executor: exec,
		metrics:  metrics,
		logger:   logger,
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/sessions", s.listSessions)
	router.POST("/sessions", s.createSession)
	router.DELETE("/sessions/:id", s.destroySession)
	router.POST("/sessions/:id/execute", s.execute)
	router.POST("/sessions/:id/interrupt", s.interrupt)
	router.POST("/commands/:id/cancel", s.cancel)
	router.GET("/audit", s.auditLog)

	return s
}

// Run starts the HTTP server on addr.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	if s.metrics != nil {
		s.metrics.UpdateUptime()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.executor.Sessions()})
}

type createSessionRequest struct {
	TaskID      string            `json:"task_id"`
	ProjectPath string            `json:"project_path" binding:"required"`
	Env         map[string]string `json:"env"`
	TimeoutSecs int               `json:"timeout_seconds"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sid, err := s.executor.CreateSession(c.Request.Context(), req.TaskID, req.ProjectPath, executor.SessionOptions{
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutSecs) * time.Second,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": sid})
}

type executeRequest struct {
	Command     string `json:"command" binding:"required"`
	TimeoutSecs int    `json:"timeout_seconds"`
}

// execute streams result snapshots as NDJSON until the command finalizes.
func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := s.executor.Execute(c.Request.Context(), req.Command, c.Param("id"),
		time.Duration(req.TimeoutSecs)*time.Second)

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := newNDJSONWriter(c.Writer)
	for snap := range results {
		if err := enc.write(snap); err != nil {
			// Client went away; keep draining so the command finalizes.
			for range results {
			}
			return
		}
	}
}

func (s *Server) interrupt(c *gin.Context) {
	if err := s.executor.Interrupt(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true})
}

func (s *Server) cancel(c *gin.Context) {
	cancelled := s.executor.Cancel(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) destroySession(c *gin.Context) {
	if !s.executor.DestroySession(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": true})
}

func (s *Server) auditLog(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": s.executor.AuditLog(c.Query("session_id"), limit),
	})
}
