package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/crew"
	"github.com/iamthamanic/multiagentultra/internal/knowledge"
	"github.com/iamthamanic/multiagentultra/internal/livelog"
	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
	"github.com/iamthamanic/multiagentultra/internal/version"
)

type RestHandler struct {
	Registry      *livelog.Registry
	Service       *crew.Service
	Knowledge     *knowledge.Store
	Logger        *logging.Logger
	Metrics       *metrics.Registry
	DemoStepDelay time.Duration
	// BaseContext scopes background demo runs. Cancel it to stop them.
	BaseContext   context.Context
	Now           func() time.Time

	demos sync.WaitGroup
}

type executeRequest struct {
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output"`
	Data           map[string]any `json:"data"`
}

type knowledgeRequest struct {
	Level    string            `json:"level"`
	EntityID int64             `json:"entity_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

type knowledgeResponse struct {
	ID string `json:"id"`
}

type knowledgeSummary struct {
	Stats   knowledge.Stats `json:"stats"`
	Context string          `json:"context"`
}

type activeCrewsResponse struct {
	ActiveCrews []crew.ActiveInfo `json:"active_crews"`
	Count       int               `json:"count"`
}

type demoResponse struct {
	Status    string `json:"status"`
	ProjectID int64  `json:"project_id"`
	Type      string `json:"type,omitempty"`
	Events    int    `json:"events,omitempty"`
}

type statusResponse struct {
	Version     string        `json:"version"`
	Channels    map[int64]int `json:"channels"`
	Subscribers int           `json:"subscribers"`
	ActiveCrews int           `json:"active_crews"`
	ServerTime  time.Time     `json:"server_time"`
}

func (h *RestHandler) handleExecute(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	crewID, apiErr := pathID(r, "id")
	if apiErr != nil {
		return apiErr
	}
	var request executeRequest
	if apiErr := decodeJSONBody(w, r, &request, false); apiErr != nil {
		return apiErr
	}

	result, err := h.Service.ExecuteTask(r.Context(), crewID, crew.Task{
		Description:    request.Description,
		ExpectedOutput: request.ExpectedOutput,
		Data:           request.Data,
	})
	if err != nil {
		return crewError(err)
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

func (h *RestHandler) handleCrewStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	crewID, apiErr := pathID(r, "id")
	if apiErr != nil {
		return apiErr
	}
	status, err := h.Service.Status(crewID)
	if err != nil {
		return crewError(err)
	}
	writeJSON(w, http.StatusOK, status)
	return nil
}

func (h *RestHandler) handleActiveCrews(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	active := h.Service.Active()
	writeJSON(w, http.StatusOK, activeCrewsResponse{ActiveCrews: active, Count: len(active)})
	return nil
}

func (h *RestHandler) handleKnowledgeAdd(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	var request knowledgeRequest
	if apiErr := decodeJSONBody(w, r, &request, false); apiErr != nil {
		return apiErr
	}
	level, err := knowledge.ParseLevel(request.Level)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if request.EntityID <= 0 {
		return &apiError{Status: http.StatusBadRequest, Message: "entity_id must be a positive integer"}
	}
	id, err := h.Knowledge.Add(level, request.EntityID, request.Content, request.Metadata)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyContent) {
			return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to store document"}
	}
	writeJSON(w, http.StatusCreated, knowledgeResponse{ID: id})
	return nil
}

func (h *RestHandler) handleKnowledgeGet(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	level, err := knowledge.ParseLevel(r.PathValue("level"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	entityID, apiErr := pathID(r, "entity_id")
	if apiErr != nil {
		return apiErr
	}
	writeJSON(w, http.StatusOK, knowledgeSummary{
		Stats:   h.Knowledge.Stats(level, entityID),
		Context: h.Knowledge.Context(level, entityID),
	})
	return nil
}

func (h *RestHandler) handleDemoMessage(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	projectID, apiErr := pathID(r, "project_id")
	if apiErr != nil {
		return apiErr
	}
	kind := strings.TrimSpace(r.URL.Query().Get("type"))
	if kind == "" {
		kind = "thought"
	}
	if err := crew.SendDemoMessage(r.Context(), h.Registry, projectID, kind); err != nil {
		if errors.Is(err, crew.ErrUnknownDemoMessage) {
			return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to send demo message"}
	}
	writeJSON(w, http.StatusOK, demoResponse{Status: "sent", ProjectID: projectID, Type: kind})
	return nil
}

func (h *RestHandler) handleDemoActivity(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	projectID, apiErr := pathID(r, "project_id")
	if apiErr != nil {
		return apiErr
	}

	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	logger := h.logger()
	h.demos.Add(1)
	go func() {
		defer h.demos.Done()
		if err := crew.RunDemo(ctx, h.Registry, projectID, h.DemoStepDelay); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("demo activity stopped", map[string]string{
				"project_id":       strconv.FormatInt(projectID, 10),
				logging.FieldError: err.Error(),
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, demoResponse{Status: "started", ProjectID: projectID, Events: crew.DemoLength()})
	return nil
}

// WaitDemos blocks until background demo runs have returned.
func (h *RestHandler) WaitDemos() {
	h.demos.Wait()
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	channels := h.Registry.Channels()
	subscribers := 0
	for _, count := range channels {
		subscribers += count
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     version.Get().Version,
		Channels:    channels,
		Subscribers: subscribers,
		ActiveCrews: len(h.Service.Active()),
		ServerTime:  h.now().UTC(),
	})
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	var minLevel logging.Level
	if raw := strings.TrimSpace(query.Get("level")); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid level"}
		}
		minLevel = level
	}
	entries := h.logger().Buffer().Query(limit, minLevel)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := registry.WritePrometheus(w); err != nil {
		h.logger().Warn("metrics write failed", map[string]string{
			logging.FieldError: err.Error(),
		})
	}
	return nil
}

func (h *RestHandler) logger() *logging.Logger {
	if h.Logger == nil {
		return logging.Discard()
	}
	return h.Logger
}

func (h *RestHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func pathID(r *http.Request, name string) (int64, *apiError) {
	id, err := parsePositiveID(r.PathValue(name))
	if err != nil {
		return 0, &apiError{Status: http.StatusBadRequest, Message: "invalid " + name}
	}
	return id, nil
}

func crewError(err error) *apiError {
	switch {
	case errors.Is(err, crew.ErrInvalidTask):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, crew.ErrCrewNotFound):
		return &apiError{Status: http.StatusNotFound, Message: "crew not found"}
	case errors.Is(err, crew.ErrCacheClosed):
		return &apiError{Status: http.StatusServiceUnavailable, Message: "server shutting down"}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
