package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iamthamanic/multiagentultra/internal/logging"
)

// Event is the last change observed under a watched path.
type Event struct {
	WatchPath string
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Handle releases a registration.
type Handle interface {
	Close() error
}

type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
}

// Watcher is the fsnotify-backed implementation.
type Watcher struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	callbacks map[string][]callbackEntry
	debouncer *debouncer
	events    chan fsnotify.Event
	errors    chan error
	done      chan struct{}
	closed    bool
	logger    *logging.Logger
	nextID    uint64
}

type callbackEntry struct {
	id       uint64
	callback func(Event)
}
