package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sleepy-project/statussync/internal/status"
)

var ErrDisabled = errors.New("usage history is not configured")

// Store records applied snapshots and answers usage queries
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
	top int
	now func() time.Time

	mu   sync.Mutex
	last string
}

// NewStore migrates the schema and returns a store. top limits activities
// per device in usage reports.
func NewStore(db *gorm.DB, top int, log *logrus.Entry) (*Store, error) {
	if db == nil {
		return nil, ErrDisabled
	}
	if err := db.AutoMigrate(&StatusSample{}, &DeviceSample{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	if top <= 0 {
		top = 5
	}
	return &Store{db: db, log: log, top: top, now: time.Now}, nil
}

// Push records snap unless it is identical to the previously recorded one
func (s *Store) Push(snap status.Snapshot) {
	key := Fingerprint(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.last {
		return
	}

	sample := toSample(snap, s.now())
	if err := s.db.Create(&sample).Error; err != nil {
		s.log.WithError(err).Warn("recording status sample failed")
		return
	}
	s.last = key
}

// Usage returns the screen-usage report for the day containing day
func (s *Store) Usage(ctx context.Context, day time.Time) (Report, error) {
	from, to := DayBounds(day)
	if now := s.now(); now.Before(to) {
		to = now
	}

	var samples []StatusSample
	err := s.db.WithContext(ctx).
		Preload("Devices").
		Where("at >= ? AND at < ?", from, to).
		Order("at asc").
		Find(&samples).Error
	if err != nil {
		return Report{}, fmt.Errorf("loading samples: %w", err)
	}

	// state carried over from the previous day
	var prev StatusSample
	err = s.db.WithContext(ctx).
		Preload("Devices").
		Where("at < ?", from).
		Order("at desc").
		First(&prev).Error
	switch {
	case err == nil:
		samples = append([]StatusSample{prev}, samples...)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return Report{}, fmt.Errorf("loading previous sample: %w", err)
	}

	return Report{
		Day:     from.Format("2006-01-02"),
		From:    from,
		To:      to,
		Devices: ComputeUsage(samples, from, to, s.top),
	}, nil
}

func toSample(snap status.Snapshot, at time.Time) StatusSample {
	sample := StatusSample{At: at, Status: snap.Status.Wire()}
	for _, d := range snap.Devices {
		sample.Devices = append(sample.Devices, DeviceSample{
			DeviceID: d.ID,
			Name:     d.Name,
			Using:    d.Using,
			Activity: d.Status,
		})
	}
	return sample
}

// Fingerprint identifies the recordable content of a snapshot. Timestamps
// are excluded so repeated refreshes of the same state collapse.
func Fingerprint(snap status.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", snap.Status.Wire())
	for _, d := range snap.Devices {
		fmt.Fprintf(&b, "|%q:%q:%t:%q", d.ID, d.Name, d.Using, d.Status)
	}
	return b.String()
}
