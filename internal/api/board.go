package api

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sleepy-project/statussync/internal/livesync"
	"github.com/sleepy-project/statussync/internal/status"
)

// Board holds the rendered status view served by the dashboard. It is the
// sync client's renderer and reports whether anyone is watching.
type Board struct {
	mu        sync.RWMutex
	snap      status.Snapshot
	settings  status.Settings
	loaded    bool
	ind       livesync.Indicator
	online    int
	hasOnline bool
	viewedAt  time.Time

	viewerTimeout time.Duration
	headless      bool
	now           func() time.Time
}

// View is the JSON document behind the dashboard page
type View struct {
	Loaded      bool           `json:"loaded"`
	Status      string         `json:"status"`
	Code        int            `json:"code"`
	Text        string         `json:"text"`
	Desc        string         `json:"desc"`
	Devices     []DeviceView   `json:"devices"`
	LastUpdated time.Time      `json:"last_updated"`
	Online      *int           `json:"online,omitempty"`
	Connection  ConnectionView `json:"connection"`
}

// DeviceView is one device row, with the activity text shortened
type DeviceView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Using       bool      `json:"using"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
}

// ConnectionView is the connection indicator
type ConnectionView struct {
	State        string `json:"state"`
	Message      string `json:"message"`
	Attempt      int    `json:"attempt"`
	RetryIn      int    `json:"retry_in"`
	Error        string `json:"error,omitempty"`
	CanReconnect bool   `json:"can_reconnect"`
}

// NewBoard creates a board. A headless board is always visible.
func NewBoard(viewerTimeout time.Duration, headless bool) *Board {
	return &Board{
		viewerTimeout: viewerTimeout,
		headless:      headless,
		now:           time.Now,
	}
}

// Render replaces the displayed snapshot
func (b *Board) Render(snap status.Snapshot, settings status.Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = snap
	b.settings = settings
	b.loaded = true
}

// Indicate updates the connection indicator
func (b *Board) Indicate(ind livesync.Indicator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ind = ind
}

// Online updates the live viewer count
func (b *Board) Online(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = n
	b.hasOnline = true
}

// MarkViewed records that the dashboard page fetched the view
func (b *Board) MarkViewed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewedAt = b.now()
}

// Visible reports whether the view was fetched recently
func (b *Board) Visible() bool {
	if b.headless {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.viewedAt.IsZero() && b.now().Sub(b.viewedAt) <= b.viewerTimeout
}

// View builds the current view
func (b *Board) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	text, desc := b.snap.Status.Label()
	v := View{
		Loaded:      b.loaded,
		Status:      b.snap.Status.String(),
		Code:        b.snap.Status.Wire(),
		Text:        text,
		Desc:        desc,
		Devices:     make([]DeviceView, 0, len(b.snap.Devices)),
		LastUpdated: b.snap.LastUpdated,
		Connection:  connectionView(b.ind, b.settings),
	}
	if !b.loaded {
		v.Status, v.Code, v.Text, v.Desc = "", -1, "Loading", ""
	}
	if b.hasOnline {
		n := b.online
		v.Online = &n
	}

	for _, d := range b.snap.Devices {
		v.Devices = append(v.Devices, DeviceView{
			ID:          d.ID,
			Name:        d.DisplayName(),
			Using:       d.Using,
			Status:      status.Truncate(d.Status, b.settings.DeviceSlice),
			LastUpdated: d.LastUpdated,
		})
	}
	return v
}

func connectionView(ind livesync.Indicator, settings status.Settings) ConnectionView {
	cv := ConnectionView{
		State:   ind.State.String(),
		Attempt: ind.Attempt,
		RetryIn: int(math.Ceil(ind.RetryIn.Seconds())),
	}
	if ind.Err != nil {
		cv.Error = ind.Err.Error()
	}

	switch ind.State {
	case livesync.StateInit:
		cv.Message = "Loading..."
		if ind.Err != nil {
			cv.Message = "Failed to load status. Restart to retry."
		}
	case livesync.StateConnecting:
		cv.Message = "Connecting..."
		cv.CanReconnect = true
	case livesync.StateStreaming:
		cv.Message = "Live"
	case livesync.StateReconnectWait:
		cv.CanReconnect = true
		if cv.RetryIn > 0 {
			cv.Message = fmt.Sprintf("Connection lost, retrying in %ds (attempt %d)", cv.RetryIn, ind.Attempt)
		} else {
			cv.Message = "Connection lost, checking server..."
		}
	case livesync.StatePolling:
		cv.Message = fmt.Sprintf("Refreshing every %s", settings.RefreshInterval)
		if ind.Err != nil {
			cv.Message = "Refresh failed, will retry"
		}
	case livesync.StateStopped:
		cv.Message = "Stopped"
	}
	return cv
}
