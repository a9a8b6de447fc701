package livelog

import (
	"context"
	"maps"
)

// BroadcastThought sends an agent's reasoning step.
func (r *Registry) BroadcastThought(ctx context.Context, projectID, crewID, agentID int64, agentName, thought string, metadata map[string]any) {
	r.Broadcast(ctx, projectID, NewEvent(KindThought, projectID, AgentOrigin(crewID, agentID, agentName), thought, metadata))
}

// BroadcastAction sends an action an agent is taking, such as a tool call.
func (r *Registry) BroadcastAction(ctx context.Context, projectID, crewID, agentID int64, agentName, action string, metadata map[string]any) {
	r.Broadcast(ctx, projectID, NewEvent(KindAction, projectID, AgentOrigin(crewID, agentID, agentName), action, metadata))
}

// BroadcastMilestone sends a milestone that needs human review. The
// milestone_name and requires_review keys always override caller metadata.
func (r *Registry) BroadcastMilestone(ctx context.Context, projectID, crewID int64, name, description string, metadata map[string]any) {
	merged := make(map[string]any, len(metadata)+2)
	maps.Copy(merged, metadata)
	merged["milestone_name"] = name
	merged[MetaRequiresReview] = true
	content := "Milestone reached: " + name + " - " + description
	r.Broadcast(ctx, projectID, NewEvent(KindMilestone, projectID, SystemOrigin(&crewID), content, merged))
}

// BroadcastResult sends a task's final output.
func (r *Registry) BroadcastResult(ctx context.Context, projectID, crewID int64, result string, metadata map[string]any) {
	r.Broadcast(ctx, projectID, NewEvent(KindResult, projectID, SystemOrigin(&crewID), result, metadata))
}

// BroadcastError sends a task failure.
func (r *Registry) BroadcastError(ctx context.Context, projectID, crewID int64, message string, metadata map[string]any) {
	r.Broadcast(ctx, projectID, NewEvent(KindError, projectID, SystemOrigin(&crewID), message, metadata))
}

// BroadcastStatus sends a system status line not tied to a crew.
func (r *Registry) BroadcastStatus(ctx context.Context, projectID int64, status string, metadata map[string]any) {
	r.Broadcast(ctx, projectID, NewEvent(KindStatus, projectID, SystemOrigin(nil), status, metadata))
}
