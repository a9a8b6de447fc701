package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Eviction reasons used as label values.
const (
	EvictIdle     = "idle"
	EvictCapacity = "capacity"
	EvictShutdown = "shutdown"
)

// Registry holds process counters and gauges. A nil *Registry is valid and
// records nothing.
type Registry struct {
	connections      atomic.Int64
	deliveryFailures atomic.Int64
	subscribers      atomic.Int64
	sessionsCreated  atomic.Int64
	buildFailures    atomic.Int64
	teardownFailures atomic.Int64
	sessionsActive   atomic.Int64
	rejections       sync.Map
	eventsBroadcast  sync.Map
	sessionsEvicted  sync.Map
	tasksExecuted    sync.Map
}

var Default = &Registry{}

func (r *Registry) IncConnections() {
	if r == nil {
		return
	}
	r.connections.Add(1)
}

func (r *Registry) IncRejection(reason string) {
	if r == nil {
		return
	}
	counter(&r.rejections, reason).Add(1)
}

func (r *Registry) IncEventBroadcast(eventType string) {
	if r == nil {
		return
	}
	counter(&r.eventsBroadcast, eventType).Add(1)
}

func (r *Registry) IncDeliveryFailures() {
	if r == nil {
		return
	}
	r.deliveryFailures.Add(1)
}

func (r *Registry) SetSubscribers(count int) {
	if r == nil {
		return
	}
	r.subscribers.Store(int64(count))
}

func (r *Registry) IncSessionsCreated() {
	if r == nil {
		return
	}
	r.sessionsCreated.Add(1)
}

func (r *Registry) IncSessionBuildFailures() {
	if r == nil {
		return
	}
	r.buildFailures.Add(1)
}

func (r *Registry) IncSessionsEvicted(reason string) {
	if r == nil {
		return
	}
	counter(&r.sessionsEvicted, reason).Add(1)
}

func (r *Registry) IncTeardownFailures() {
	if r == nil {
		return
	}
	r.teardownFailures.Add(1)
}

func (r *Registry) SetSessionsActive(count int) {
	if r == nil {
		return
	}
	r.sessionsActive.Store(int64(count))
}

func (r *Registry) IncTasksExecuted(outcome string) {
	if r == nil {
		return
	}
	counter(&r.tasksExecuted, outcome).Add(1)
}

// Snapshot values, mainly for tests and the status endpoint.

func (r *Registry) Rejections(reason string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.rejections, reason).Load()
}

func (r *Registry) SessionsEvicted(reason string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.sessionsEvicted, reason).Load()
}

func (r *Registry) DeliveryFailures() int64 {
	if r == nil {
		return 0
	}
	return r.deliveryFailures.Load()
}

func (r *Registry) TeardownFailures() int64 {
	if r == nil {
		return 0
	}
	return r.teardownFailures.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeScalar(writer, "multiagent_ws_connections_total", "Websocket subscribers admitted", "counter", r.connections.Load())
	writeLabeled(writer, "multiagent_ws_rejections_total", "Websocket subscribe attempts rejected", "reason", &r.rejections)
	writeScalar(writer, "multiagent_ws_subscribers", "Currently registered websocket subscribers", "gauge", r.subscribers.Load())
	writeLabeled(writer, "multiagent_events_broadcast_total", "Live log events broadcast", "type", &r.eventsBroadcast)
	writeScalar(writer, "multiagent_deliveries_failed_total", "Per-subscriber deliveries that failed", "counter", r.deliveryFailures.Load())
	writeScalar(writer, "multiagent_sessions_created_total", "Crew sessions constructed", "counter", r.sessionsCreated.Load())
	writeScalar(writer, "multiagent_session_build_failures_total", "Crew session constructions that failed", "counter", r.buildFailures.Load())
	writeLabeled(writer, "multiagent_sessions_evicted_total", "Crew sessions torn down", "reason", &r.sessionsEvicted)
	writeScalar(writer, "multiagent_session_teardown_failures_total", "Crew session teardowns that failed", "counter", r.teardownFailures.Load())
	writeScalar(writer, "multiagent_sessions_active", "Currently active crew sessions", "gauge", r.sessionsActive.Load())
	writeLabeled(writer, "multiagent_tasks_executed_total", "Tasks executed by outcome", "outcome", &r.tasksExecuted)
	return nil
}

func counter(values *sync.Map, label string) *atomic.Int64 {
	if strings.TrimSpace(label) == "" {
		label = "unknown"
	}
	value, _ := values.LoadOrStore(label, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func writeHeader(writer io.Writer, metric, help, kind string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(writer, "# TYPE %s %s\n", metric, kind)
}

func writeScalar(writer io.Writer, metric, help, kind string, value int64) {
	writeHeader(writer, metric, help, kind)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeLabeled(writer io.Writer, metric, help, labelName string, values *sync.Map) {
	writeHeader(writer, metric, help, "counter")
	var labels []string
	values.Range(func(key, _ any) bool {
		if label, ok := key.(string); ok {
			labels = append(labels, label)
		}
		return true
	})
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, labelName, formatLabel(label), counter(values, label).Load())
	}
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
