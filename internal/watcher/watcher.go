package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iamthamanic/multiagentultra/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

var ErrClosed = errors.New("watcher is closed")

func New(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	instance := &Watcher{
		watcher:   source,
		callbacks: make(map[string][]callbackEntry),
		debouncer: newDebouncer(debounce),
		events:    make(chan fsnotify.Event, 16),
		errors:    make(chan error, 4),
		done:      make(chan struct{}),
		logger:    logger.WithCategory("watcher"),
	}
	instance.startForwarder(source)
	go instance.run()
	return instance, nil
}

// Watch registers callback for changes to path. For a directory, changes to
// any direct child are reported under the directory.
func (watcher *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if watcher == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	path = filepath.Clean(path)

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, ErrClosed
	}
	needsAdd := watcher.callbacks[path] == nil
	watcher.nextID++
	entry := callbackEntry{id: watcher.nextID, callback: callback}
	watcher.callbacks[path] = append(watcher.callbacks[path], entry)
	watcher.mutex.Unlock()

	if needsAdd {
		if err := watcher.watcher.Add(path); err != nil {
			watcher.removeCallback(path, entry.id)
			watcher.logger.Warn("watch add failed", map[string]string{
				"path":             path,
				logging.FieldError: err.Error(),
			})
			return nil, err
		}
		watcher.logger.Debug("watch added", map[string]string{"path": path})
	}
	return &watchHandle{watcher: watcher, path: path, id: entry.id}, nil
}

// Close stops event processing. Pending debounced events are discarded.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.debouncer.stop()
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.watcher.Close()
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func (handle *watchHandle) Close() error {
	var err error
	handle.once.Do(func() {
		if handle.watcher.removeCallback(handle.path, handle.id) {
			err = handle.watcher.watcher.Remove(handle.path)
			if errors.Is(err, fsnotify.ErrNonExistentWatch) || errors.Is(err, fsnotify.ErrClosed) {
				err = nil
			}
		}
	})
	return err
}

// removeCallback drops one registration and reports whether path has no
// callbacks left.
func (watcher *Watcher) removeCallback(path string, id uint64) bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	callbacks := watcher.callbacks[path]
	for index, candidate := range callbacks {
		if candidate.id == id {
			callbacks = append(callbacks[:index], callbacks[index+1:]...)
			break
		}
	}
	if len(callbacks) == 0 {
		delete(watcher.callbacks, path)
		return true
	}
	watcher.callbacks[path] = callbacks
	return false
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.logger.Warn("watcher error", map[string]string{
				logging.FieldError: err.Error(),
			})
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	key := name
	if watcher.callbacks[key] == nil {
		key = filepath.Dir(name)
		if watcher.callbacks[key] == nil {
			return
		}
	}
	watcher.debouncer.schedule(key, Event{
		WatchPath: key,
		Path:      name,
		Op:        event.Op,
		Timestamp: time.Now().UTC(),
	}, watcher.flush)
}

func (watcher *Watcher) flush(key string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.pop(key)
	if !ok {
		watcher.mutex.Unlock()
		return
	}
	entries := watcher.callbacks[key]
	callbacks := make([]func(Event), 0, len(entries))
	for _, entry := range entries {
		callbacks = append(callbacks, entry.callback)
	}
	watcher.mutex.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}
}
