package livesync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/status"
)

// Fanout decouples slow snapshot consumers (database, broker) from the sync
// client. Push never blocks; snapshots are dropped when the queue is full.
type Fanout struct {
	queue chan status.Snapshot
	sinks []Sink
	log   *logrus.Entry

	mu      sync.Mutex
	dropped int
}

// NewFanout creates a fanout delivering to sinks in order
func NewFanout(buffer int, log *logrus.Entry, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 64
	}
	return &Fanout{
		queue: make(chan status.Snapshot, buffer),
		sinks: sinks,
		log:   log,
	}
}

// Push queues a snapshot for delivery
func (f *Fanout) Push(snap status.Snapshot) {
	select {
	case f.queue <- snap:
	default:
		f.mu.Lock()
		f.dropped++
		n := f.dropped
		f.mu.Unlock()
		f.log.WithField("dropped", n).Warn("snapshot queue full, dropping")
	}
}

// Dropped returns how many snapshots were discarded
func (f *Fanout) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Run delivers queued snapshots until ctx is done, then drains what is left
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case snap := <-f.queue:
			f.deliver(snap)
		case <-ctx.Done():
			for {
				select {
				case snap := <-f.queue:
					f.deliver(snap)
				default:
					return
				}
			}
		}
	}
}

func (f *Fanout) deliver(snap status.Snapshot) {
	for _, s := range f.sinks {
		s.Push(snap)
	}
}
