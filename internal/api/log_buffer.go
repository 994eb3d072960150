package api

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Fields    string    `json:"fields,omitempty"`
}

// LogBuffer is a thread-safe ring buffer for log entries. It is installed
// as a logrus hook.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	cap     int
}

// NewLogBuffer creates a new log buffer with the given capacity
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, 0, capacity),
		cap:     capacity,
	}
}

// Add adds a log entry to the buffer
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.cap {
		// drop oldest
		copy(lb.entries, lb.entries[1:])
		lb.entries[len(lb.entries)-1] = entry
	} else {
		lb.entries = append(lb.entries, entry)
	}
}

// Entries returns all entries, optionally filtered by level
func (lb *LogBuffer) Entries(levels []string) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(levels) == 0 {
		result := make([]LogEntry, len(lb.entries))
		copy(result, lb.entries)
		return result
	}

	levelSet := make(map[string]bool)
	for _, l := range levels {
		levelSet[normalizeLevel(l)] = true
	}

	result := make([]LogEntry, 0)
	for _, e := range lb.entries {
		if levelSet[e.Level] {
			result = append(result, e)
		}
	}
	return result
}

// Clear removes all entries
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries = lb.entries[:0]
}

// Levels implements logrus.Hook
func (lb *LogBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (lb *LogBuffer) Fire(e *logrus.Entry) error {
	lb.Add(LogEntry{
		Timestamp: e.Time,
		Level:     normalizeLevel(e.Level.String()),
		Message:   e.Message,
		Fields:    formatFields(e.Data),
	})
	return nil
}

func normalizeLevel(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	if l == "warning" {
		return "warn"
	}
	return l
}

func formatFields(data logrus.Fields) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "session" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}
