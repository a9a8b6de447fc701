package crew

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
)

var ErrInvalidTask = errors.New("task description is required")

type ServiceOptions struct {
	Cache       *Cache[*Crew]
	Definitions Definitions
	Engine      Engine
	LiveLog     LiveLog
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

// Service runs tasks against cached crew sessions.
type Service struct {
	cache       *Cache[*Crew]
	definitions Definitions
	engine      Engine
	live        LiveLog
	logger      *logging.Logger
	metrics     *metrics.Registry
}

type Result struct {
	Success         bool   `json:"success"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	CrewID          int64  `json:"crew_id"`
	TaskDescription string `json:"task_description"`
}

type Status struct {
	CrewID      int64  `json:"crew_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	AgentsCount int    `json:"agents_count"`
	IsRunning   bool   `json:"is_running"`
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Cache == nil {
		return nil, errors.New("session cache is required")
	}
	if opts.Definitions == nil {
		return nil, errors.New("crew definitions are required")
	}
	engine := opts.Engine
	if engine == nil {
		engine = SimulatedEngine{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		cache:       opts.Cache,
		definitions: opts.Definitions,
		engine:      engine,
		live:        opts.LiveLog,
		logger:      logger.WithCategory("crew"),
		metrics:     opts.Metrics,
	}, nil
}

// ExecuteTask runs task with crewID's session. Engine failures are reported
// in the Result; only invalid input and session construction failures are
// returned as errors.
func (s *Service) ExecuteTask(ctx context.Context, crewID int64, task Task) (Result, error) {
	task.Description = strings.TrimSpace(task.Description)
	if task.Description == "" {
		return Result{}, ErrInvalidTask
	}
	session, err := s.cache.GetOrCreate(ctx, crewID)
	if err != nil {
		return Result{}, err
	}

	fields := map[string]string{
		"crew_id":    formatID(crewID),
		"project_id": formatID(session.ProjectID),
	}
	meta := map[string]any{"task_description": task.Description}
	if lead, ok := session.Lead(); ok && s.live != nil {
		s.live.BroadcastAction(ctx, session.ProjectID, crewID, lead.ID, lead.Role, "Starting task: "+task.Description, meta)
	}

	started := time.Now()
	output, runErr := s.engine.Execute(ctx, session, task, NewLiveObserver(s.live, session.ProjectID, crewID))
	fields["duration_ms"] = formatID(time.Since(started).Milliseconds())

	result := Result{CrewID: crewID, TaskDescription: task.Description}
	if runErr != nil {
		result.Error = runErr.Error()
		s.metrics.IncTasksExecuted("failure")
		fields[logging.FieldError] = runErr.Error()
		s.logger.Warn("task failed", fields)
		if s.live != nil {
			s.live.BroadcastError(ctx, session.ProjectID, crewID, "Task failed with error: "+runErr.Error(), meta)
		}
	} else {
		result.Success = true
		result.Result = output
		s.metrics.IncTasksExecuted("success")
		s.logger.Info("task completed", fields)
		if s.live != nil {
			s.live.BroadcastResult(ctx, session.ProjectID, crewID, output, meta)
		}
	}

	if err := s.cache.RecordWork(crewID); err != nil {
		s.logger.Debug("task finished after session eviction", map[string]string{
			"crew_id": formatID(crewID),
		})
	}
	return result, nil
}

// Status reports a crew's configuration and whether a session is cached.
func (s *Service) Status(crewID int64) (Status, error) {
	definition, err := s.definitions.Lookup(crewID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		CrewID:      crewID,
		Name:        definition.Name,
		Status:      definition.Status,
		AgentsCount: len(definition.Agents),
		IsRunning:   s.cache.Active(crewID),
	}, nil
}

// Active reports the cached sessions using the cache's idle timeout.
func (s *Service) Active() []ActiveInfo {
	return s.cache.ActiveInfo(s.cache.IdleTimeout())
}
