package knowledge

import (
	"context"
	"strings"
)

// Retriever supplies the context blocks injected into crew sessions.
type Retriever interface {
	ProjectContext(ctx context.Context, projectID int64) (string, error)
	CrewContext(ctx context.Context, crewID int64) (string, error)
	AgentContext(ctx context.Context, agentID int64) (string, error)
}

func (s *Store) ProjectContext(ctx context.Context, projectID int64) (string, error) {
	return s.contextFor(ctx, LevelProject, projectID)
}

func (s *Store) CrewContext(ctx context.Context, crewID int64) (string, error) {
	return s.contextFor(ctx, LevelCrew, crewID)
}

func (s *Store) AgentContext(ctx context.Context, agentID int64) (string, error) {
	return s.contextFor(ctx, LevelAgent, agentID)
}

func (s *Store) contextFor(ctx context.Context, level Level, entityID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Context(level, entityID), nil
}

// CombinedContext renders the three levels as one block appended to an
// agent's backstory.
func CombinedContext(ctx context.Context, retriever Retriever, projectID, crewID, agentID int64) (string, error) {
	project, err := retriever.ProjectContext(ctx, projectID)
	if err != nil {
		return "", err
	}
	crew, err := retriever.CrewContext(ctx, crewID)
	if err != nil {
		return "", err
	}
	agent, err := retriever.AgentContext(ctx, agentID)
	if err != nil {
		return "", err
	}
	return FormatContext(project, crew, agent), nil
}

// FormatContext renders the three context levels as one block.
func FormatContext(project, crew, agent string) string {
	var builder strings.Builder
	builder.WriteString("PROJECT CONTEXT:\n")
	builder.WriteString(project)
	builder.WriteString("\n\nCREW CONTEXT:\n")
	builder.WriteString(crew)
	builder.WriteString("\n\nAGENT CONTEXT:\n")
	builder.WriteString(agent)
	return builder.String()
}
