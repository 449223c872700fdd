package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crawlworks/duraq/internal/metrics"
	"github.com/crawlworks/duraq/internal/queue"
)

type enqueueRequest struct {
	TaskType       string          `json:"task_type" binding:"required"`
	Parameters     json.RawMessage `json:"parameters"`
	Priority       *int            `json:"priority"`
	RunAfter       *time.Time      `json:"run_after"`
	MaxRetries     *int            `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := []queue.EnqueueOption{}
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(*req.Priority))
	}
	if req.RunAfter != nil {
		opts = append(opts, queue.WithRunAfter(*req.RunAfter))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(req.IdempotencyKey))
	}

	var params any
	if len(req.Parameters) > 0 {
		params = req.Parameters
	}

	task, err := s.store.Enqueue(c.Request.Context(), req.TaskType, params, opts...)
	if err != nil {
		var verr *queue.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) listTasks(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	tasks, err := s.store.Query(c.Request.Context(), queue.QueryFilter{
		Status:    c.Query("status"),
		TaskType:  c.Query("type"),
		ClaimedBy: c.Query("worker"),
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func taskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) taskLogs(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	logs, err := s.store.Logs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) cancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	err := s.store.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, queue.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "task already terminal"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"cancelled": id})
	}
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.store.Workers(c.Request.Context(), s.stale)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

func (s *Server) activeTasks(c *gin.Context) {
	tasks, err := s.store.ActiveTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": tasks})
}

func (s *Server) localMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"metrics": metrics.Default.Snapshot()})
}

// streamEvents serves a live SSE feed of one task's lifecycle events from the
// in-process hub.
func (s *Server) streamEvents(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if s.hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event hub not enabled"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch, unsub := s.hub.Subscribe(id)
	defer unsub()

	fmt.Fprintf(c.Writer, ": subscribed to task %d\n\n", id)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, open := <-ch:
			if !open {
				return false
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			return true
		}
	})
}
