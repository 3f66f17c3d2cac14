// Package dashboard serves the bus's HTTP observability surface: health,
// Prometheus metrics, a live SSE event stream and read-only JSON queries.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/models"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/registry"
	"github.com/zulandar/agentbus/internal/telegraph"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Backend is the read side of the bus the dashboard queries.
type Backend interface {
	GetByRunID(ctx context.Context, runID string, opts eventstore.QueryOptions) ([]*protocol.Message, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	Agents() []registry.Agent
}

// Opts configures the dashboard handler.
type Opts struct {
	Backend   Backend
	Hub       *telegraph.Hub
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Heartbeat time.Duration
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// NewHandler builds the gin engine with every route registered.
func NewHandler(opts Opts) (http.Handler, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("dashboard: backend is required")
	}
	if opts.Hub == nil {
		opts.Hub = telegraph.NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
