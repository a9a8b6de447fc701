package api

import (
	"context"
	"net/http"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/crew"
	"github.com/iamthamanic/multiagentultra/internal/knowledge"
	"github.com/iamthamanic/multiagentultra/internal/livelog"
	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

type Dependencies struct {
	Registry       *livelog.Registry
	Service        *crew.Service
	Knowledge      *knowledge.Store
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	DemoStepDelay  time.Duration
	BaseContext    context.Context
}

// RegisterRoutes mounts the websocket and REST endpoints on mux and returns
// the REST handler so the caller can wait for background demo runs.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) *RestHandler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithCategory("api")

	rest := &RestHandler{
		Registry:      deps.Registry,
		Service:       deps.Service,
		Knowledge:     deps.Knowledge,
		Logger:        logger,
		Metrics:       deps.Metrics,
		DemoStepDelay: deps.DemoStepDelay,
		BaseContext:   deps.BaseContext,
	}

	// Hijacking needs the raw ResponseWriter, so /ws is mounted without the
	// logging wrapper.
	mux.Handle("/ws", &LiveLogHandler{
		Registry:       deps.Registry,
		AuthToken:      deps.AuthToken,
		AllowedOrigins: deps.AllowedOrigins,
		WriteTimeout:   deps.WriteTimeout,
		Logger:         logger,
	})

	handle := func(pattern string, handler apiHandler) {
		mux.Handle(pattern, loggingMiddleware(logger, restHandler(deps.AuthToken, logger, handler)))
	}
	handle("/api/status", rest.handleStatus)
	handle("/api/logs", rest.handleLogs)
	handle("/api/crews/active", rest.handleActiveCrews)
	handle("/api/crews/{id}/execute", rest.handleExecute)
	handle("/api/crews/{id}/status", rest.handleCrewStatus)
	handle("/api/knowledge", rest.handleKnowledgeAdd)
	handle("/api/knowledge/{level}/{entity_id}", rest.handleKnowledgeGet)
	handle("/api/demo/{project_id}/message", rest.handleDemoMessage)
	handle("/api/demo/{project_id}/activity", rest.handleDemoActivity)
	handle("/metrics", rest.handleMetrics)

	return rest
}
