package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iamthamanic/multiagentultra/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsReadLimit       = 4096
	maxCloseReason    = 123
)

// wsError describes why a websocket request is refused. Zero fields are
// filled in by resolve.
type wsError struct {
	Status    int
	CloseCode int
	Message   string
	Err       error
}

func (e wsError) resolve() wsError {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = http.StatusText(e.Status)
	}
	if e.CloseCode == 0 {
		e.CloseCode = closeCodeForStatus(e.Status)
	}
	return e
}

func (e wsError) logFields(r *http.Request) map[string]string {
	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(e.Status),
		"close_code": strconv.Itoa(e.CloseCode),
		"message":    e.Message,
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if e.Err != nil {
		fields[logging.FieldError] = e.Err.Error()
	}
	return fields
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// writeWSError closes conn with the error's close code, or answers with a
// JSON error when the request was never upgraded.
func writeWSError(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, wsErr wsError) {
	wsErr = wsErr.resolve()
	if logger != nil {
		if wsErr.Status >= http.StatusInternalServerError {
			logger.Error("websocket request refused", wsErr.logFields(r))
		} else {
			logger.Warn("websocket request refused", wsErr.logFields(r))
		}
	}

	if conn == nil {
		writeJSONError(w, &apiError{Status: wsErr.Status, Message: wsErr.Message})
		return
	}
	_ = writeClose(conn, wsErr.CloseCode, wsErr.Message, time.Now().Add(wsWriteTimeout))
	_ = conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string, deadline time.Time) error {
	return conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// statusForCloseCode is used when a connection is refused before the upgrade.
func statusForCloseCode(code int) int {
	switch code {
	case websocket.ClosePolicyViolation:
		return http.StatusBadRequest
	case websocket.CloseGoingAway, websocket.CloseTryAgainLater:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// truncateCloseReason keeps a close payload within the 125-byte control
// frame limit, leaving room for the two-byte code. It never splits a rune.
func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
