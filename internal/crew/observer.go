package crew

import (
	"context"
	"fmt"
)

// LiveLog is the broadcast surface the crew package reports through.
type LiveLog interface {
	BroadcastThought(ctx context.Context, projectID, crewID, agentID int64, agentName, thought string, metadata map[string]any)
	BroadcastAction(ctx context.Context, projectID, crewID, agentID int64, agentName, action string, metadata map[string]any)
	BroadcastMilestone(ctx context.Context, projectID, crewID int64, name, description string, metadata map[string]any)
	BroadcastResult(ctx context.Context, projectID, crewID int64, result string, metadata map[string]any)
	BroadcastError(ctx context.Context, projectID, crewID int64, message string, metadata map[string]any)
}

const (
	toolArgsPreview   = 100
	toolOutputPreview = 200
)

// liveObserver relays engine callbacks to the project's live log channel.
type liveObserver struct {
	live      LiveLog
	projectID int64
	crewID    int64
}

func NewLiveObserver(live LiveLog, projectID, crewID int64) Observer {
	if live == nil {
		return NopObserver{}
	}
	return &liveObserver{live: live, projectID: projectID, crewID: crewID}
}

func (o *liveObserver) OnThought(ctx context.Context, agent AgentRef, thought string) {
	if thought == "" {
		return
	}
	o.live.BroadcastThought(ctx, o.projectID, o.crewID, agent.ID, agent.Name, thought, nil)
}

func (o *liveObserver) OnToolUse(ctx context.Context, agent AgentRef, tool string, args map[string]any) {
	o.live.BroadcastAction(ctx, o.projectID, o.crewID, agent.ID, agent.Name, "Using tool: "+tool, map[string]any{
		"tool": tool,
		"args": preview(fmt.Sprint(args), toolArgsPreview),
	})
}

func (o *liveObserver) OnToolResult(ctx context.Context, agent AgentRef, tool, output string, err error) {
	if err != nil {
		o.live.BroadcastAction(ctx, o.projectID, o.crewID, agent.ID, agent.Name, fmt.Sprintf("Tool %s failed: %v", tool, err), map[string]any{
			"tool":    tool,
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	o.live.BroadcastAction(ctx, o.projectID, o.crewID, agent.ID, agent.Name, fmt.Sprintf("Tool %s returned: %s", tool, preview(output, toolOutputPreview)), map[string]any{
		"tool":    tool,
		"success": true,
	})
}

func (o *liveObserver) OnMilestone(ctx context.Context, name, description string, metadata map[string]any) {
	o.live.BroadcastMilestone(ctx, o.projectID, o.crewID, name, description, metadata)
}

// preview cuts text to limit runes, marking the cut with an ellipsis.
func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
