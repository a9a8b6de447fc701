package crew

import "context"

// AgentRef identifies the agent an observer callback is about.
type AgentRef struct {
	ID   int64
	Name string
}

// Observer receives progress from an Engine while it runs a task. Calls may
// come from any goroutine the engine uses.
type Observer interface {
	OnThought(ctx context.Context, agent AgentRef, thought string)
	OnToolUse(ctx context.Context, agent AgentRef, tool string, args map[string]any)
	OnToolResult(ctx context.Context, agent AgentRef, tool, output string, err error)
	OnMilestone(ctx context.Context, name, description string, metadata map[string]any)
}

type Task struct {
	Description    string         `json:"description"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Engine executes a task with a crew and returns its final output.
type Engine interface {
	Execute(ctx context.Context, session *Crew, task Task, observer Observer) (string, error)
}

// NopObserver discards every callback.
type NopObserver struct{}

func (NopObserver) OnThought(context.Context, AgentRef, string) {}
func (NopObserver) OnToolUse(context.Context, AgentRef, string, map[string]any) {}
func (NopObserver) OnToolResult(context.Context, AgentRef, string, string, error) {}
func (NopObserver) OnMilestone(context.Context, string, string, map[string]any) {}
