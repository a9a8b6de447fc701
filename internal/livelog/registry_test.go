package livelog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

type fakeTransport struct {
	mu         sync.Mutex
	acceptErr  error
	sendErr    error
	accepted   bool
	closed     bool
	closeCode  int
	messages   [][]byte
	sendCalls  int
	failOnSend int
}

func (f *fakeTransport) Accept(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil && f.sendCalls >= f.failOnSend {
		return f.sendErr
	}
	f.messages = append(f.messages, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	return nil
}

func (f *fakeTransport) events(t *testing.T) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]Event, 0, len(f.messages))
	for _, payload := range f.messages {
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func (f *fakeTransport) state() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// stallingTransport accepts the confirmation and then blocks every send until
// release is closed.
type stallingTransport struct {
	fakeTransport
	release  chan struct{}
	stalled  chan struct{}
	stallOne sync.Once
}

func newStallingTransport(release chan struct{}) *stallingTransport {
	return &stallingTransport{release: release, stalled: make(chan struct{})}
}

func (s *stallingTransport) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	first := s.sendCalls == 0
	s.mu.Unlock()
	if first {
		return s.fakeTransport.Send(ctx, payload)
	}
	s.stallOne.Do(func() { close(s.stalled) })
	select {
	case <-s.release:
		return s.fakeTransport.Send(ctx, payload)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConnectSendsStatusConfirmation(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	transport := &fakeTransport{}
	principal := int64(9)

	id, err := registry.Connect(context.Background(), transport, 3, &principal)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id == "" {
		t.Fatal("expected connection id")
	}
	events := transport.events(t)
	if len(events) != 1 {
		t.Fatalf("expected 1 message, got %d", len(events))
	}
	event := events[0]
	if event.EventKind != KindStatus || event.Content != "Connected to live log stream" {
		t.Fatalf("unexpected confirmation: %+v", event)
	}
	if event.AgentID != nil || event.AgentName == nil || *event.AgentName != SystemAgentName {
		t.Fatalf("expected system origin, got %+v", event)
	}
	if got, ok := event.Metadata["connected_clients"].(float64); !ok || got != 1 {
		t.Fatalf("expected connected_clients=1, got %v", event.Metadata["connected_clients"])
	}
	info, ok := registry.Connection(id)
	if !ok || info.ChannelID != 3 || info.PrincipalID == nil || *info.PrincipalID != 9 {
		t.Fatalf("unexpected connection info: %+v", info)
	}
}

func TestConnectCapScenario(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxConnectionsPerChannel: 2})
	ctx := context.Background()
	a, b, c := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}

	idA, err := registry.Connect(ctx, a, 7, nil)
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	idB, err := registry.Connect(ctx, b, 7, nil)
	if err != nil {
		t.Fatalf("connect B: %v", err)
	}
	if _, err := registry.Connect(ctx, c, 7, nil); !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("expected admission rejection, got %v", err)
	}
	if closed, code := c.state(); !closed || code != ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got closed=%v code=%d", closed, code)
	}
	if len(c.events(t)) != 0 {
		t.Fatal("rejected connection must not receive messages")
	}

	if !registry.Disconnect(idA) {
		t.Fatal("expected A to be removed")
	}
	c = &fakeTransport{}
	idC, err := registry.Connect(ctx, c, 7, nil)
	if err != nil {
		t.Fatalf("connect C: %v", err)
	}

	subscribers := registry.Subscribers(7)
	if len(subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subscribers))
	}
	seen := map[ConnID]bool{}
	for _, info := range subscribers {
		seen[info.ID] = true
	}
	if !seen[idB] || !seen[idC] || seen[idA] {
		t.Fatalf("expected {B, C}, got %v", seen)
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	transport := &fakeTransport{acceptErr: errors.New("bad upgrade")}

	_, err := registry.Connect(context.Background(), transport, 1, nil)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if closed, code := transport.state(); !closed || code != CloseInternalError {
		t.Fatalf("expected internal error close, got closed=%v code=%d", closed, code)
	}
	if registry.SubscriberCount(1) != 0 || len(registry.Channels()) != 0 {
		t.Fatal("handshake failure must not mutate state")
	}
}

func TestConnectRejectsNonPositiveChannel(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	transport := &fakeTransport{}
	if _, err := registry.Connect(context.Background(), transport, 0, nil); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected invalid channel, got %v", err)
	}
	if transport.accepted {
		t.Fatal("expected no handshake for invalid channel")
	}
}

func TestConnectConfirmationFailureUnregisters(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	transport := &fakeTransport{sendErr: errors.New("broken pipe"), failOnSend: 1}

	if _, err := registry.Connect(context.Background(), transport, 4, nil); err == nil {
		t.Fatal("expected confirmation failure")
	}
	if registry.SubscriberCount(4) != 0 {
		t.Fatal("expected failed subscriber to be removed")
	}
	if closed, _ := transport.state(); !closed {
		t.Fatal("expected transport to be closed")
	}
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	if registry.Disconnect(ConnID("missing")) {
		t.Fatal("expected unknown disconnect to report false")
	}
	id, err := registry.Connect(context.Background(), &fakeTransport{}, 2, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !registry.Disconnect(id) {
		t.Fatal("expected first disconnect to remove")
	}
	if registry.Disconnect(id) {
		t.Fatal("expected second disconnect to be a no-op")
	}
	if _, ok := registry.Channels()[2]; ok {
		t.Fatal("expected empty channel entry to be dropped")
	}
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	registry.Broadcast(context.Background(), 42, NewEvent(KindStatus, 42, SystemOrigin(nil), "nobody", nil))
	if registry.SubscriberCount(42) != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestBroadcastDropsBrokenSubscriber(t *testing.T) {
	counters := &metrics.Registry{}
	registry := NewRegistry(RegistryOptions{Metrics: counters})
	ctx := context.Background()
	healthyA, healthyB := &fakeTransport{}, &fakeTransport{}
	broken := &fakeTransport{sendErr: errors.New("reset by peer"), failOnSend: 2}

	for _, transport := range []*fakeTransport{healthyA, broken, healthyB} {
		if _, err := registry.Connect(ctx, transport, 7, nil); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	registry.BroadcastThought(ctx, 7, 1, 2, "Researcher", "thinking", nil)

	if got := registry.SubscriberCount(7); got != 2 {
		t.Fatalf("expected 2 subscribers after broadcast, got %d", got)
	}
	if closed, code := broken.state(); !closed || code != CloseInternalError {
		t.Fatalf("expected broken transport closed, got closed=%v code=%d", closed, code)
	}
	for _, transport := range []*fakeTransport{healthyA, healthyB} {
		events := transport.events(t)
		if len(events) != 2 {
			t.Fatalf("expected confirmation and thought, got %d", len(events))
		}
		thought := events[1]
		if thought.EventKind != KindThought || thought.Content != "thinking" {
			t.Fatalf("unexpected thought: %+v", thought)
		}
		if thought.AgentID == nil || *thought.AgentID != 2 || thought.CrewID == nil || *thought.CrewID != 1 {
			t.Fatalf("unexpected origin: %+v", thought)
		}
	}
	if counters.DeliveryFailures() != 1 {
		t.Fatalf("expected 1 delivery failure, got %d", counters.DeliveryFailures())
	}
}

func TestBroadcastOnlyReachesChannel(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	ctx := context.Background()
	inside, outside := &fakeTransport{}, &fakeTransport{}
	if _, err := registry.Connect(ctx, inside, 1, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := registry.Connect(ctx, outside, 2, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	registry.BroadcastStatus(ctx, 1, "hello", nil)

	if len(inside.events(t)) != 2 {
		t.Fatal("expected channel 1 subscriber to receive broadcast")
	}
	if len(outside.events(t)) != 1 {
		t.Fatal("expected channel 2 subscriber to receive only its confirmation")
	}
}

func TestBroadcastPreservesOrderPerSubscriber(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	ctx := context.Background()
	transport := &fakeTransport{}
	if _, err := registry.Connect(ctx, transport, 5, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		registry.BroadcastAction(ctx, 5, 1, 1, "Writer", text, nil)
	}
	events := transport.events(t)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, want := range []string{"one", "two", "three"} {
		if events[i+1].Content != want {
			t.Fatalf("event %d: expected %q, got %q", i+1, want, events[i+1].Content)
		}
	}
}

func TestMilestoneAlwaysRequiresReview(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	ctx := context.Background()
	transport := &fakeTransport{}
	if _, err := registry.Connect(ctx, transport, 8, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	metadata := map[string]any{MetaRequiresReview: false, "phase": "draft"}
	registry.BroadcastMilestone(ctx, 8, 3, "Draft ready", "first pass done", metadata)

	events := transport.events(t)
	milestone := events[len(events)-1]
	if milestone.EventKind != KindMilestone {
		t.Fatalf("expected milestone, got %s", milestone.EventKind)
	}
	if milestone.Metadata[MetaRequiresReview] != true {
		t.Fatalf("expected requires_review=true, got %v", milestone.Metadata[MetaRequiresReview])
	}
	if milestone.Metadata["phase"] != "draft" || milestone.Metadata["milestone_name"] != "Draft ready" {
		t.Fatalf("unexpected metadata: %v", milestone.Metadata)
	}
	if milestone.Content != "Milestone reached: Draft ready - first pass done" {
		t.Fatalf("unexpected content: %q", milestone.Content)
	}
	if metadata[MetaRequiresReview] != false {
		t.Fatal("caller metadata must not be mutated")
	}
}

func TestConcurrentConnectNeverExceedsCap(t *testing.T) {
	const limit = 5
	registry := NewRegistry(RegistryOptions{MaxConnectionsPerChannel: limit})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for i := 0; i < limit*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := registry.Connect(ctx, &fakeTransport{}, 11, nil); errors.Is(err, ErrAdmissionRejected) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := registry.SubscriberCount(11); got != limit {
		t.Fatalf("expected %d subscribers, got %d", limit, got)
	}
	if rejected != limit*2 {
		t.Fatalf("expected %d rejections, got %d", limit*2, rejected)
	}
}

func TestCloseSendsGoingAway(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	ctx := context.Background()
	transport := &fakeTransport{}
	if _, err := registry.Connect(ctx, transport, 1, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	registry.Close()

	if closed, code := transport.state(); !closed || code != CloseGoingAway {
		t.Fatalf("expected going away close, got closed=%v code=%d", closed, code)
	}
	late := &fakeTransport{}
	if _, err := registry.Connect(ctx, late, 1, nil); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected registry closed, got %v", err)
	}
}

func TestEventWireShape(t *testing.T) {
	event := NewEvent(KindResult, 4, SystemOrigin(nil), "done", nil)
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "agent_id", "agent_name", "crew_id", "project_id", "content", "metadata", "timestamp"} {
		if _, ok := wire[key]; !ok {
			t.Fatalf("missing key %q in %s", key, payload)
		}
	}
	if wire["agent_id"] != nil || wire["crew_id"] != nil {
		t.Fatalf("expected null identity fields, got %s", payload)
	}
	if wire["agent_name"] != SystemAgentName {
		t.Fatalf("expected System agent name, got %v", wire["agent_name"])
	}
	if _, ok := wire["metadata"].(map[string]any); !ok {
		t.Fatalf("expected metadata object, got %s", payload)
	}
}

func TestBroadcastDoesNotQueueBehindStalledSubscribers(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxConnectionsPerChannel: 200})
	release := make(chan struct{})
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		if _, err := registry.Connect(ctx, newStallingTransport(release), 1, nil); err != nil {
			t.Fatalf("connect stalled %d: %v", i, err)
		}
	}
	healthy := make([]*fakeTransport, 40)
	for i := range healthy {
		healthy[i] = &fakeTransport{}
		if _, err := registry.Connect(ctx, healthy[i], 1, nil); err != nil {
			t.Fatalf("connect healthy %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.BroadcastStatus(ctx, 1, "tick", nil)
	}()
	defer func() {
		close(release)
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	for _, transport := range healthy {
		for len(transport.events(t)) < 2 {
			if time.Now().After(deadline) {
				t.Fatalf("healthy subscriber did not receive the broadcast behind stalled ones")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestMembershipChangesDuringBroadcast(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxConnectionsPerChannel: 5})
	release := make(chan struct{})
	ctx := context.Background()

	stalled := newStallingTransport(release)
	if _, err := registry.Connect(ctx, stalled, 1, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.BroadcastStatus(ctx, 1, "tick", nil)
	}()
	defer func() {
		close(release)
		<-done
	}()

	select {
	case <-stalled.stalled:
	case <-time.After(time.Second):
		t.Fatalf("broadcast never reached the subscriber")
	}

	changed := make(chan error, 1)
	go func() {
		id, err := registry.Connect(ctx, &fakeTransport{}, 1, nil)
		if err != nil {
			changed <- err
			return
		}
		if !registry.Disconnect(id) {
			changed <- errors.New("disconnect found no registration")
			return
		}
		changed <- nil
	}()

	select {
	case err := <-changed:
		if err != nil {
			t.Fatalf("membership change: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("connect/disconnect blocked while a delivery was in flight")
	}
	if got := registry.SubscriberCount(1); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
}
