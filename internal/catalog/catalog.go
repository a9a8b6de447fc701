package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/watcher"
)

var ErrCrewNotFound = errors.New("crew not found")

// Catalog holds the current set of crew definitions. Reads are safe during a
// reload; a failed reload keeps the previous set.
type Catalog struct {
	dir    string
	loader Loader
	logger *logging.Logger

	mu    sync.RWMutex
	crews map[int64]CrewDefinition
}

func New(dir string, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Catalog{
		dir:    dir,
		logger: logger.WithCategory("catalog"),
		crews:  map[int64]CrewDefinition{},
	}
}

// NewStatic builds a catalog from in-memory definitions. Reload is a no-op.
func NewStatic(definitions ...CrewDefinition) (*Catalog, error) {
	crews := make(map[int64]CrewDefinition, len(definitions))
	for _, definition := range definitions {
		definition.normalize()
		if err := definition.Validate(); err != nil {
			return nil, fmt.Errorf("crew %d: %w", definition.ID, err)
		}
		if _, exists := crews[definition.ID]; exists {
			return nil, fmt.Errorf("duplicate crew id %d", definition.ID)
		}
		crews[definition.ID] = definition
	}
	return &Catalog{logger: logging.Discard(), crews: crews}, nil
}

func (c *Catalog) Dir() string {
	return c.dir
}

// Reload re-reads the catalog directory.
func (c *Catalog) Reload() error {
	if c.dir == "" {
		return nil
	}
	crews, err := c.loader.Load(c.dir)
	if err != nil {
		c.logger.Warn("catalog reload failed", map[string]string{
			"dir":              c.dir,
			logging.FieldError: err.Error(),
		})
		return err
	}
	c.mu.Lock()
	c.crews = crews
	c.mu.Unlock()
	c.logger.Info("catalog loaded", map[string]string{
		"dir":   c.dir,
		"crews": strconv.Itoa(len(crews)),
	})
	return nil
}

// Lookup returns the definition for crewID.
func (c *Catalog) Lookup(crewID int64) (CrewDefinition, error) {
	c.mu.RLock()
	definition, ok := c.crews[crewID]
	c.mu.RUnlock()
	if !ok {
		return CrewDefinition{}, fmt.Errorf("%w: %d", ErrCrewNotFound, crewID)
	}
	definition.Agents = slices.Clone(definition.Agents)
	return definition, nil
}

// List returns all definitions ordered by id.
func (c *Catalog) List() []CrewDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]CrewDefinition, 0, len(c.crews))
	for _, definition := range c.crews {
		list = append(list, definition)
	}
	slices.SortFunc(list, func(a, b CrewDefinition) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return list
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.crews)
}

// Watch reloads the catalog whenever its directory changes. onReload, if set,
// is called after each successful reload.
func (c *Catalog) Watch(source *watcher.Watcher, onReload func()) (watcher.Handle, error) {
	if c.dir == "" {
		return nil, errors.New("catalog has no directory")
	}
	return source.Watch(c.dir, func(event watcher.Event) {
		c.logger.Debug("catalog change detected", map[string]string{
			"path": event.Path,
			"op":   event.Op.String(),
		})
		if err := c.Reload(); err != nil {
			return
		}
		if onReload != nil {
			onReload()
		}
	})
}
