package livelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

// Close codes sent to subscribers. They match RFC 6455 status codes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

const (
	DefaultMaxConnectionsPerChannel = 100
	DefaultSendTimeout              = 10 * time.Second
)

var (
	ErrAdmissionRejected = errors.New("channel connection limit reached")
	ErrHandshakeFailed   = errors.New("websocket handshake failed")
	ErrInvalidChannel    = errors.New("channel id must be positive")
	ErrRegistryClosed    = errors.New("live log registry closed")
)

// Transport is one accepted or acceptable subscriber connection. Send must be
// safe to call from multiple goroutines; Close may be called more than once.
type Transport interface {
	Accept(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
}

// ConnID is the registry-assigned identity of a registered subscriber.
type ConnID string

// ConnectionInfo is the metadata kept for each registered subscriber.
type ConnectionInfo struct {
	ID          ConnID    `json:"id"`
	ChannelID   int64     `json:"channel_id"`
	PrincipalID *int64    `json:"principal_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type RegistryOptions struct {
	MaxConnectionsPerChannel int
	SendTimeout              time.Duration
	Logger                   *logging.Logger
	Metrics                  *metrics.Registry
	Now                      func() time.Time
}

type registration struct {
	info      ConnectionInfo
	transport Transport
}

// Registry is safe for concurrent use. mu guards channels, conns and closed;
// no transport I/O happens while it is held.
type Registry struct {
	mu       sync.Mutex
	channels map[int64]map[ConnID]struct{}
	conns    map[ConnID]*registration
	closed   bool

	maxPerChannel int
	sendTimeout   time.Duration
	logger        *logging.Logger
	metrics       *metrics.Registry
	now           func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	maxPerChannel := opts.MaxConnectionsPerChannel
	if maxPerChannel <= 0 {
		maxPerChannel = DefaultMaxConnectionsPerChannel
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		channels:      make(map[int64]map[ConnID]struct{}),
		conns:         make(map[ConnID]*registration),
		maxPerChannel: maxPerChannel,
		sendTimeout:   sendTimeout,
		logger:        logger.WithCategory("livelog"),
		metrics:       opts.Metrics,
		now:           now,
	}
}

// MaxConnectionsPerChannel reports the admission cap.
func (r *Registry) MaxConnectionsPerChannel() int {
	return r.maxPerChannel
}

// Connect accepts the transport and registers it under channelID. On
// rejection the transport has already been closed: ClosePolicyViolation when
// the channel is full, CloseInternalError when the handshake failed.
func (r *Registry) Connect(ctx context.Context, transport Transport, channelID int64, principalID *int64) (ConnID, error) {
	if transport == nil {
		return "", errors.New("transport is required")
	}
	if channelID <= 0 {
		_ = transport.Close(ClosePolicyViolation, ErrInvalidChannel.Error())
		r.metrics.IncRejection("invalid_channel")
		return "", ErrInvalidChannel
	}

	if err := transport.Accept(ctx); err != nil {
		_ = transport.Close(CloseInternalError, "handshake failed")
		r.metrics.IncRejection("handshake")
		r.logger.Warn("live log handshake failed", map[string]string{
			"project_id":       formatID(channelID),
			logging.FieldError: err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = transport.Close(CloseGoingAway, "server shutting down")
		r.metrics.IncRejection("closed")
		return "", ErrRegistryClosed
	}
	subscribers := r.channels[channelID]
	if len(subscribers) >= r.maxPerChannel {
		r.mu.Unlock()
		_ = transport.Close(ClosePolicyViolation, ErrAdmissionRejected.Error())
		r.metrics.IncRejection("channel_full")
		r.logger.Warn("live log subscriber rejected", map[string]string{
			"project_id": formatID(channelID),
			"limit":      strconv.Itoa(r.maxPerChannel),
		})
		return "", ErrAdmissionRejected
	}
	if subscribers == nil {
		subscribers = make(map[ConnID]struct{})
		r.channels[channelID] = subscribers
	}
	info := ConnectionInfo{
		ID:          ConnID(uuid.NewString()),
		ChannelID:   channelID,
		PrincipalID: copyID(principalID),
		ConnectedAt: r.now().UTC(),
	}
	reg := &registration{info: info, transport: transport}
	r.conns[info.ID] = reg
	subscribers[info.ID] = struct{}{}
	channelCount := len(subscribers)
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.IncConnections()
	r.metrics.SetSubscribers(total)
	r.logger.Info("live log subscriber connected", map[string]string{
		"project_id":    formatID(channelID),
		"connection_id": string(info.ID),
		"subscribers":   strconv.Itoa(channelCount),
	})

	confirmation := NewEvent(KindStatus, channelID, SystemOrigin(nil), "Connected to live log stream", map[string]any{
		"connected_clients": channelCount,
	})
	payload, err := json.Marshal(confirmation)
	if err == nil {
		err = r.send(ctx, reg, payload)
	}
	if err != nil {
		r.drop(reg, err)
		return "", fmt.Errorf("send connection confirmation: %w", err)
	}
	return info.ID, nil
}

// Disconnect unregisters id. Unknown ids are ignored. It reports whether a
// registration was removed. The transport is left open for its owner to close.
func (r *Registry) Disconnect(id ConnID) bool {
	r.mu.Lock()
	reg, ok := r.removeLocked(id)
	total := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.metrics.SetSubscribers(total)
	r.logger.Debug("live log subscriber disconnected", map[string]string{
		"project_id":    formatID(reg.info.ChannelID),
		"connection_id": string(id),
	})
	return true
}

func (r *Registry) removeLocked(id ConnID) (*registration, bool) {
	reg, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if subscribers, exists := r.channels[reg.info.ChannelID]; exists {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(r.channels, reg.info.ChannelID)
		}
	}
	return reg, true
}

// Broadcast delivers event to every current subscriber of channelID and
// returns once each delivery has either completed or failed. Failed
// subscribers are unregistered before Broadcast returns.
func (r *Registry) Broadcast(ctx context.Context, channelID int64, event Event) {
	r.metrics.IncEventBroadcast(event.Type())

	r.mu.Lock()
	subscribers := make([]*registration, 0, len(r.channels[channelID]))
	for id := range r.channels[channelID] {
		subscribers = append(subscribers, r.conns[id])
	}
	r.mu.Unlock()

	if len(subscribers) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("live log event encode failed", map[string]string{
			"project_id":       formatID(channelID),
			"type":             event.Type(),
			logging.FieldError: err.Error(),
		})
		return
	}

	// One goroutine per subscriber so a stalled send never delays the rest.
	var group errgroup.Group
	for _, reg := range subscribers {
		group.Go(func() error {
			if err := r.send(ctx, reg, payload); err != nil {
				r.drop(reg, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (r *Registry) send(ctx context.Context, reg *registration, payload []byte) error {
	// Producer cancellation does not abort delivery; only sendTimeout does.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()
	return reg.transport.Send(sendCtx, payload)
}

// drop unregisters a subscriber whose delivery failed and closes it.
func (r *Registry) drop(reg *registration, cause error) {
	r.metrics.IncDeliveryFailures()
	r.logger.Warn("live log delivery failed", map[string]string{
		"project_id":       formatID(reg.info.ChannelID),
		"connection_id":    string(reg.info.ID),
		logging.FieldError: cause.Error(),
	})
	r.Disconnect(reg.info.ID)
	_ = reg.transport.Close(CloseInternalError, "delivery failed")
}

// Close refuses new subscribers and closes every registered one with
// CloseGoingAway.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	regs := make([]*registration, 0, len(r.conns))
	for _, reg := range r.conns {
		regs = append(regs, reg)
	}
	r.conns = make(map[ConnID]*registration)
	r.channels = make(map[int64]map[ConnID]struct{})
	r.mu.Unlock()

	r.metrics.SetSubscribers(0)
	for _, reg := range regs {
		_ = reg.transport.Close(CloseGoingAway, "server shutting down")
	}
	r.logger.Info("live log registry closed", map[string]string{
		"closed_connections": strconv.Itoa(len(regs)),
	})
}

// SubscriberCount returns the number of subscribers on channelID.
func (r *Registry) SubscriberCount(channelID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channelID])
}

// Channels returns subscriber counts keyed by channel id.
func (r *Registry) Channels() map[int64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[int64]int, len(r.channels))
	for channelID, subscribers := range r.channels {
		counts[channelID] = len(subscribers)
	}
	return counts
}

// Subscribers lists the registrations on channelID.
func (r *Registry) Subscribers(channelID int64) []ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(r.channels[channelID]))
	for id := range r.channels[channelID] {
		infos = append(infos, r.conns[id].info)
	}
	return infos
}

// Connection returns the metadata recorded for id.
func (r *Registry) Connection(id ConnID) (ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return reg.info, true
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
