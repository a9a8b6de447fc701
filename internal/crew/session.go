package crew

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/catalog"
	"github.com/iamthamanic/multiagentultra/internal/knowledge"
)

var ErrCrewNotFound = catalog.ErrCrewNotFound

var errSessionClosed = errors.New("crew session already closed")

type Agent struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Goal      string   `json:"goal"`
	Backstory string   `json:"backstory"`
	Tools     []string `json:"tools,omitempty"`
}

// Crew is one materialized session. Agents carry their context-enriched
// backstories.
type Crew struct {
	ID        int64
	ProjectID int64
	Name      string
	Agents    []Agent
	CreatedAt time.Time

	mu     sync.Mutex
	closed bool
}

func (c *Crew) Lead() (Agent, bool) {
	if len(c.Agents) == 0 {
		return Agent{}, false
	}
	return c.Agents[0], true
}

// Close releases the session. A second Close returns an error.
func (c *Crew) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSessionClosed
	}
	c.closed = true
	return nil
}

func (c *Crew) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Definitions resolves crew ids to their configuration.
type Definitions interface {
	Lookup(crewID int64) (catalog.CrewDefinition, error)
}

// Factory builds crew sessions from definitions and hierarchical context.
type Factory struct {
	definitions Definitions
	retriever   knowledge.Retriever
	now         func() time.Time
}

func NewFactory(definitions Definitions, retriever knowledge.Retriever) *Factory {
	return &Factory{definitions: definitions, retriever: retriever, now: time.Now}
}

// Build is a BuildFunc for Cache[*Crew].
func (f *Factory) Build(ctx context.Context, crewID int64) (*Crew, error) {
	definition, err := f.definitions.Lookup(crewID)
	if err != nil {
		return nil, err
	}
	projectContext, err := f.retriever.ProjectContext(ctx, definition.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project context: %w", err)
	}
	crewContext, err := f.retriever.CrewContext(ctx, crewID)
	if err != nil {
		return nil, fmt.Errorf("crew context: %w", err)
	}

	agents := make([]Agent, 0, len(definition.Agents))
	for _, member := range definition.Agents {
		agentContext, err := f.retriever.AgentContext(ctx, member.ID)
		if err != nil {
			return nil, fmt.Errorf("agent %d context: %w", member.ID, err)
		}
		agents = append(agents, Agent{
			ID:        member.ID,
			Name:      member.Name,
			Role:      member.Role,
			Goal:      member.Goal,
			Backstory: member.Backstory + "\n\nCONTEXT:\n" + knowledge.FormatContext(projectContext, crewContext, agentContext),
			Tools:     append([]string(nil), member.Tools...),
		})
	}
	return &Crew{
		ID:        definition.ID,
		ProjectID: definition.ProjectID,
		Name:      definition.Name,
		Agents:    agents,
		CreatedAt: f.now().UTC(),
	}, nil
}

// Teardown is a TeardownFunc for Cache[*Crew].
func (f *Factory) Teardown(ctx context.Context, crewID int64, session *Crew) error {
	if session == nil {
		return nil
	}
	return session.Close()
}
