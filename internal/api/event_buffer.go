package api

import (
	"sync"
	"time"

	"github.com/sleepy-project/statussync/internal/cloud"
)

// EventRecord represents one received push event
type EventRecord struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Outcome    string    `json:"outcome"` // applied, refetch, heartbeat, malformed, online, ignored
	DataSize   int       `json:"data_size"`
	ReceivedAt time.Time `json:"received_at"`
}

// EventBuffer is a thread-safe ring buffer for push event records
type EventBuffer struct {
	mu      sync.RWMutex
	entries []EventRecord
	cap     int
	now     func() time.Time
}

// NewEventBuffer creates a new event buffer with the given capacity
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		entries: make([]EventRecord, 0, capacity),
		cap:     capacity,
		now:     time.Now,
	}
}

// Record adds an event and how it was handled
func (eb *EventBuffer) Record(ev cloud.Event, outcome string) {
	rec := EventRecord{
		ID:         ev.ID,
		Type:       ev.Type,
		Outcome:    outcome,
		DataSize:   len(ev.Data),
		ReceivedAt: eb.now(),
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if len(eb.entries) >= eb.cap {
		copy(eb.entries, eb.entries[1:])
		eb.entries[len(eb.entries)-1] = rec
	} else {
		eb.entries = append(eb.entries, rec)
	}
}

// Entries returns all event records (newest first)
func (eb *EventBuffer) Entries() []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	result := make([]EventRecord, len(eb.entries))
	for i, j := 0, len(eb.entries)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = eb.entries[j]
	}
	return result
}

// Counts returns how many buffered events had each outcome
func (eb *EventBuffer) Counts() map[string]int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range eb.entries {
		counts[e.Outcome]++
	}
	return counts
}
