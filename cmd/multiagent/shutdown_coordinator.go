package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/logging"
)

type phaseName string

const (
	phaseHTTP         phaseName = "http_server"
	phaseLiveLog      phaseName = "live_log"
	phaseDemos        phaseName = "demo_activity"
	phaseSessions     phaseName = "crew_sessions"
	phaseCatalogWatch phaseName = "catalog_watch"
)

// phaseOrder is the stop order regardless of registration order. HTTP stops
// first so no subscriber or crew request arrives mid-teardown; sessions go
// only after every demo writer has returned.
var phaseOrder = []phaseName{
	phaseHTTP,
	phaseLiveLog,
	phaseDemos,
	phaseSessions,
	phaseCatalogWatch,
}

type shutdownPhase struct {
	name phaseName
	stop func(context.Context) error
}

// shutdownCoordinator stops the service's phases once, in phaseOrder.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases map[phaseName]func(context.Context) error
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &shutdownCoordinator{
		logger: logger,
		phases: make(map[phaseName]func(context.Context) error),
	}
}

// Add registers stop under name. Unknown names panic; a repeated name
// replaces the earlier stop.
func (coordinator *shutdownCoordinator) Add(name phaseName, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	if !slices.Contains(phaseOrder, name) {
		panic(fmt.Sprintf("unknown shutdown phase %q", name))
	}
	coordinator.phases[name] = stop
}

func (coordinator *shutdownCoordinator) ordered() []shutdownPhase {
	phases := make([]shutdownPhase, 0, len(coordinator.phases))
	for _, name := range phaseOrder {
		if stop, ok := coordinator.phases[name]; ok {
			phases = append(phases, shutdownPhase{name: name, stop: stop})
		}
	}
	return phases
}

// Run stops every registered phase even after an earlier one fails or ctx
// expires, so crew sessions are still torn down. Errors are joined and
// prefixed with the phase name.
func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	var runErr error
	coordinator.once.Do(func() {
		started := time.Now()
		for _, phase := range coordinator.ordered() {
			phaseStart := time.Now()
			err := phase.stop(ctx)
			fields := map[string]string{
				"phase":       string(phase.name),
				"duration_ms": strconv.FormatInt(time.Since(phaseStart).Milliseconds(), 10),
			}
			if err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("%s: %w", phase.name, err))
				fields[logging.FieldError] = err.Error()
				coordinator.logger.Warn("shutdown phase failed", fields)
				continue
			}
			coordinator.logger.Debug("shutdown phase done", fields)
		}
		coordinator.logger.Info("shutdown complete", map[string]string{
			"duration_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
		})
	})
	return runErr
}
