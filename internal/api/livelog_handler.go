package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/livelog"
	"github.com/iamthamanic/multiagentultra/internal/logging"

	"github.com/gorilla/websocket"
)

// LiveLogHandler serves GET /ws?project_id=N[&user_id=M][&token=T].
type LiveLogHandler struct {
	Registry       *livelog.Registry
	AuthToken      string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Logger         *logging.Logger
}

func (h *LiveLogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, methodNotAllowed(w, http.MethodGet))
		return
	}

	query := r.URL.Query()
	projectID, err := parsePositiveID(query.Get("project_id"))
	if err != nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusBadRequest,
			Message: "project_id must be a positive integer",
			Err:     err,
		})
		return
	}

	var principalID *int64
	if raw := strings.TrimSpace(query.Get("user_id")); raw != "" {
		userID, err := parsePositiveID(raw)
		if err != nil {
			writeWSError(w, r, nil, h.Logger, wsError{
				Status:  http.StatusBadRequest,
				Message: "user_id must be a positive integer",
				Err:     err,
			})
			return
		}
		principalID = &userID
	}

	if !validateToken(r, h.AuthToken) {
		conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
		if err != nil {
			return
		}
		writeWSError(w, r, conn, h.Logger, wsError{
			Status:    http.StatusUnauthorized,
			CloseCode: websocket.ClosePolicyViolation,
			Message:   "unauthorized",
		})
		return
	}

	transport := newWSTransport(w, r, h.AllowedOrigins, h.WriteTimeout)
	id, err := h.Registry.Connect(r.Context(), transport, projectID, principalID)
	if err != nil {
		return
	}
	defer func() {
		h.Registry.Disconnect(id)
		_ = transport.Close(livelog.CloseNormal, "")
	}()

	transport.drain()
}

func parsePositiveID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}
