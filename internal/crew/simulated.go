package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var ErrNoAgents = errors.New("crew has no agents")

// SimulatedEngine walks each agent through a scripted think, act and tool
// cycle. It stands in for a real agent runtime.
type SimulatedEngine struct {
	StepDelay time.Duration
}

func (e SimulatedEngine) Execute(ctx context.Context, session *Crew, task Task, observer Observer) (string, error) {
	if len(session.Agents) == 0 {
		return "", ErrNoAgents
	}
	if observer == nil {
		observer = NopObserver{}
	}

	contributions := make([]string, 0, len(session.Agents))
	for _, agent := range session.Agents {
		ref := AgentRef{ID: agent.ID, Name: agent.Role}
		observer.OnThought(ctx, ref, fmt.Sprintf("As %s, planning how to %s: %s", agent.Role, lowerFirst(agent.Goal), task.Description))
		if err := e.pause(ctx); err != nil {
			return "", err
		}
		for _, tool := range agent.Tools {
			observer.OnToolUse(ctx, ref, tool, map[string]any{"query": task.Description})
			if err := e.pause(ctx); err != nil {
				return "", err
			}
			observer.OnToolResult(ctx, ref, tool, fmt.Sprintf("%s results for %q", tool, task.Description), nil)
		}
		contributions = append(contributions, fmt.Sprintf("%s (%s): reviewed %q", agent.Name, agent.Role, task.Description))
	}

	observer.OnMilestone(ctx, "Task complete", fmt.Sprintf("%s finished: %s", session.Name, task.Description), map[string]any{
		"agents": len(session.Agents),
	})
	return strings.Join(contributions, "\n"), nil
}

func (e SimulatedEngine) pause(ctx context.Context) error {
	if e.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func lowerFirst(text string) string {
	if text == "" {
		return "help"
	}
	r, size := utf8.DecodeRuneInString(text)
	return string(unicode.ToLower(r)) + text[size:]
}
