package logging

import (
	"sync"

	"github.com/iamthamanic/multiagentultra/internal/buffer"
)

// LogBuffer retains the most recent entries for the /api/logs endpoint.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	return b.Query(0, "")
}

// Query returns up to limit of the newest entries at or above minLevel.
// limit <= 0 returns every match.
func (b *LogBuffer) Query(limit int, minLevel Level) []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	all := b.entries.List()
	b.mu.Unlock()

	matched := make([]LogEntry, 0, len(all))
	for _, entry := range all {
		if LevelAtLeast(entry.Level, minLevel) {
			matched = append(matched, entry)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
