package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/events"
	"github.com/crawlworks/duraq/internal/queue"
)

// Server is the admin and monitoring HTTP surface: enqueue, query, cancel,
// stats views and a per-task event stream.
type Server struct {
	store *queue.Store
	hub   *events.Hub
	cfg   config.ServerConfig
	stale time.Duration
	log   *logrus.Logger
}

func New(store *queue.Store, hub *events.Hub, cfg config.ServerConfig, staleThreshold time.Duration, log *logrus.Logger) *Server {
	return &Server{store: store, hub: hub, cfg: cfg, stale: staleThreshold, log: log}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	api := router.Group("/api")
	{
		api.POST("/tasks", s.enqueue)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.GET("/tasks/:id/logs", s.taskLogs)
		api.GET("/tasks/:id/events", s.streamEvents)
		api.POST("/tasks/:id/cancel", s.cancelTask)
		api.GET("/stats", s.stats)
		api.GET("/workers", s.listWorkers)
		api.GET("/active", s.activeTasks)
		api.GET("/metrics", s.localMetrics)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.WithField("port", s.cfg.Port).Info("admin api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
