package livelog

import (
	"maps"
	"time"
)

// Kind is the type tag carried by every event on the wire.
type Kind string

const (
	KindThought   Kind = "thought"
	KindAction    Kind = "action"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindMilestone Kind = "milestone"
	KindStatus    Kind = "status"
)

// SystemAgentName is the display name attached to events that no agent produced.
const SystemAgentName = "System"

// MetaRequiresReview is forced to true on every milestone event.
const MetaRequiresReview = "requires_review"

// Event is one live log message. Events are built per broadcast and never
// mutated afterwards; constructors copy the caller's metadata.
type Event struct {
	EventKind  Kind           `json:"type"`
	AgentID    *int64         `json:"agent_id"`
	AgentName  *string        `json:"agent_name"`
	CrewID     *int64         `json:"crew_id"`
	ProjectID  int64          `json:"project_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	OccurredAt time.Time      `json:"timestamp"`
}

// Origin identifies who produced an event. Nil fields are sent as JSON null.
type Origin struct {
	AgentID   *int64
	AgentName *string
	CrewID    *int64
}

// AgentOrigin is the origin of an event emitted by a crew member.
func AgentOrigin(crewID, agentID int64, agentName string) Origin {
	return Origin{
		AgentID:   &agentID,
		AgentName: &agentName,
		CrewID:    &crewID,
	}
}

// SystemOrigin is the origin of a system event, optionally scoped to a crew.
func SystemOrigin(crewID *int64) Origin {
	name := SystemAgentName
	origin := Origin{AgentName: &name}
	if crewID != nil {
		id := *crewID
		origin.CrewID = &id
	}
	return origin
}

func NewEvent(kind Kind, projectID int64, origin Origin, content string, metadata map[string]any) Event {
	copied := make(map[string]any, len(metadata))
	maps.Copy(copied, metadata)
	return Event{
		EventKind:  kind,
		AgentID:    origin.AgentID,
		AgentName:  origin.AgentName,
		CrewID:     origin.CrewID,
		ProjectID:  projectID,
		Content:    content,
		Metadata:   copied,
		OccurredAt: time.Now().UTC(),
	}
}

func (e Event) Type() string {
	return string(e.EventKind)
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}
