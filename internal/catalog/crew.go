package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// CrewDefinition describes a crew and its agents as stored in a catalog file.
type CrewDefinition struct {
	ID          int64             `yaml:"id" json:"id"`
	ProjectID   int64             `yaml:"project_id" json:"project_id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Status      string            `yaml:"status,omitempty" json:"status"`
	Agents      []AgentDefinition `yaml:"agents" json:"agents"`
}

type AgentDefinition struct {
	ID        int64    `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Role      string   `yaml:"role" json:"role"`
	Goal      string   `yaml:"goal" json:"goal"`
	Backstory string   `yaml:"backstory,omitempty" json:"backstory,omitempty"`
	Tools     []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

const StatusActive = "active"

var validStatuses = map[string]bool{
	StatusActive: true,
	"inactive":   true,
	"archived":   true,
}

func (c *CrewDefinition) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Status = strings.ToLower(strings.TrimSpace(c.Status))
	if c.Status == "" {
		c.Status = StatusActive
	}
	for i := range c.Agents {
		c.Agents[i].Name = strings.TrimSpace(c.Agents[i].Name)
		c.Agents[i].Role = strings.TrimSpace(c.Agents[i].Role)
	}
}

// Validate checks required fields and agent id uniqueness within the crew.
func (c CrewDefinition) Validate() error {
	var errs []error
	if c.ID <= 0 {
		errs = append(errs, errors.New("id must be positive"))
	}
	if c.ProjectID <= 0 {
		errs = append(errs, errors.New("project_id must be positive"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Status != "" && !validStatuses[c.Status] {
		errs = append(errs, fmt.Errorf("unknown status %q", c.Status))
	}
	seen := make(map[int64]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.ID <= 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: id must be positive", i))
		} else if seen[agent.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent id %d", i, agent.ID))
		}
		seen[agent.ID] = true
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
		}
		if agent.Role == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: role is required", i))
		}
	}
	return errors.Join(errs...)
}
