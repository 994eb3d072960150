package status

import (
	"time"
	"unicode/utf8"
)

// Status is the user's overall presence as reported by the backend
type Status int

const (
	StatusOnline Status = iota
	StatusAway
	StatusOffline
	StatusBusy
	StatusUnknown
)

// FromWire maps the backend's integer status code to a Status.
// Codes outside the known range map to StatusUnknown.
func FromWire(code int) Status {
	switch code {
	case 0:
		return StatusOnline
	case 1:
		return StatusAway
	case 2:
		return StatusOffline
	case 3:
		return StatusBusy
	default:
		return StatusUnknown
	}
}

// Wire returns the backend's integer code, or -1 for StatusUnknown
func (s Status) Wire() int {
	if s < StatusOnline || s >= StatusUnknown {
		return -1
	}
	return int(s)
}

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	case StatusOffline:
		return "offline"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Label returns the human readable status text and description
func (s Status) Label() (text, desc string) {
	switch s {
	case StatusOnline:
		return "Online", "The user is currently online"
	case StatusAway:
		return "Away", "The user stepped away for a moment"
	case StatusOffline:
		return "Offline", "The user is offline"
	case StatusBusy:
		return "Do not disturb", "Please do not disturb"
	default:
		return "Unknown", "Unknown status"
	}
}

// Parse accepts a status name ("busy") or its wire code ("3")
func Parse(s string) (Status, bool) {
	switch s {
	case "online", "0":
		return StatusOnline, true
	case "away", "1":
		return StatusAway, true
	case "offline", "2":
		return StatusOffline, true
	case "busy", "3":
		return StatusBusy, true
	}
	return StatusUnknown, false
}

// Device is the read-only view of one device owned by the backend
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Using       bool      `json:"using"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
}

// DisplayName falls back to the device id when no name is set
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Snapshot is a complete description of status and devices at one instant.
// A Snapshot is never modified after decoding; newer snapshots replace it.
type Snapshot struct {
	Status      Status    `json:"status"`
	Devices     []Device  `json:"devices"`
	LastUpdated time.Time `json:"last_updated"`
}

// Settings are display and refresh parameters, either supplied by the
// backend or filled from local defaults.
type Settings struct {
	RefreshInterval time.Duration `json:"refresh_interval"`
	DeviceSlice     int           `json:"device_slice"`
}

// WithDefaults fills zero fields from def
func (s Settings) WithDefaults(def Settings) Settings {
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = def.RefreshInterval
	}
	if s.DeviceSlice <= 0 {
		s.DeviceSlice = def.DeviceSlice
	}
	return s
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
