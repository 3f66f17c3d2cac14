package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/task"
)

// maxPageSize bounds the limit query parameter.
const maxPageSize = 1000

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", handleHealth())
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	router.GET("/api/events", handleSSE(opts.Hub, opts.Heartbeat))

	api := router.Group("/api")
	api.GET("/runs/:id/messages", handleRunMessages(opts))
	api.GET("/tasks/:id", handleTask(opts))
	api.GET("/agents", handleAgents(opts))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleRunMessages(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := parseQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msgs, err := opts.Backend.GetByRunID(c.Request.Context(), c.Param("id"), q)
		if err != nil {
			opts.Logger.Error("dashboard: run messages", "run_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		if msgs == nil {
			msgs = []*protocol.Message{}
		}
		c.JSON(http.StatusOK, msgs)
	}
}

func handleTask(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := opts.Backend.GetTask(c.Request.Context(), c.Param("id"))
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		if err != nil {
			opts.Logger.Error("dashboard: task", "task_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func handleAgents(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, opts.Backend.Agents())
	}
}

// parseQuery reads order, limit and offset into QueryOptions.
func parseQuery(c *gin.Context) (eventstore.QueryOptions, error) {
	var q eventstore.QueryOptions
	switch order := c.DefaultQuery("order", "asc"); order {
	case "asc":
		q.Order = eventstore.OrderAsc
	case "desc":
		q.Order = eventstore.OrderDesc
	default:
		return q, errors.New("order must be asc or desc")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("limit must be a non-negative integer")
		}
		q.Limit = min(n, maxPageSize)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}
