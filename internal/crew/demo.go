package crew

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/livelog"
)

const demoCrewID = 1

var ErrUnknownDemoMessage = errors.New("unknown demo message type")

type demoStep struct {
	kind      livelog.Kind
	agentName string
	content   string
}

var demoScript = []demoStep{
	{livelog.KindThought, "Senior Frontend Developer", "Analyzing the project requirements and planning the implementation approach..."},
	{livelog.KindAction, "Senior Frontend Developer", "Setting up Next.js project structure with TypeScript"},
	{livelog.KindAction, "Senior Frontend Developer", "Installing dependencies: TailwindCSS, React Icons, Framer Motion"},
	{livelog.KindThought, "QA Tester", "Reviewing the project setup to ensure best practices are followed..."},
	{livelog.KindAction, "QA Tester", "Creating test environment and setting up Playwright testing framework"},
	{livelog.KindMilestone, "Project Manager", "Project initialization completed - ready for component development"},
	{livelog.KindThought, "Senior Frontend Developer", "Starting with the header component based on the design specifications..."},
	{livelog.KindAction, "Senior Frontend Developer", "Creating responsive header component with navigation menu"},
	{livelog.KindAction, "QA Tester", "Testing header component responsiveness on mobile, tablet, and desktop"},
	{livelog.KindMilestone, "Project Manager", "Header component completed and tested - requires architect review"},
}

// DemoLength is the number of events RunDemo sends.
func DemoLength() int {
	return len(demoScript)
}

// RunDemo plays the scripted crew activity into projectID, waiting delay
// between events.
func RunDemo(ctx context.Context, live LiveLog, projectID int64, delay time.Duration) error {
	engine := SimulatedEngine{StepDelay: delay}
	for i, step := range demoScript {
		if i > 0 {
			if err := engine.pause(ctx); err != nil {
				return err
			}
		}
		agentID := int64(i%3 + 1)
		switch step.kind {
		case livelog.KindThought:
			live.BroadcastThought(ctx, projectID, demoCrewID, agentID, step.agentName, step.content, nil)
		case livelog.KindAction:
			live.BroadcastAction(ctx, projectID, demoCrewID, agentID, step.agentName, step.content, nil)
		case livelog.KindMilestone:
			live.BroadcastMilestone(ctx, projectID, demoCrewID, fmt.Sprintf("Milestone %d", i/3+1), step.content, nil)
		}
	}
	return nil
}

// SendDemoMessage sends one canned event of the given kind.
func SendDemoMessage(ctx context.Context, live LiveLog, projectID int64, kind string) error {
	switch livelog.Kind(kind) {
	case livelog.KindThought:
		live.BroadcastThought(ctx, projectID, demoCrewID, 1, "Demo Agent", "I'm analyzing the best approach for this complex task...", nil)
	case livelog.KindAction:
		live.BroadcastAction(ctx, projectID, demoCrewID, 1, "Demo Agent", "Executing code generation with advanced algorithms", nil)
	case livelog.KindMilestone:
		live.BroadcastMilestone(ctx, projectID, demoCrewID, "Demo Milestone", "Major milestone achieved - system is ready for next phase", nil)
	case livelog.KindError:
		live.BroadcastError(ctx, projectID, demoCrewID, "Encountered an issue, but I have a solution ready", nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDemoMessage, kind)
	}
	return nil
}
