package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMissingStatus   = errors.New("payload has no status")
	ErrMissingDeviceID = errors.New("device without id")
	// ErrNoDevices means the payload is valid but only carries the status
	ErrNoDevices = errors.New("payload has no device list")
)

type wireDevice struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Using       *bool    `json:"using"`
	LastUpdated *float64 `json:"last_updated"`
}

type wirePayload struct {
	Status          *int         `json:"status"`
	Devices         []wireDevice `json:"devices"`
	LastUpdated     *float64     `json:"last_updated"`
	Time            *float64     `json:"time"`
	RefreshInterval *int64       `json:"refresh_interval"`
	DeviceSlice     *int         `json:"device_slice"`
}

// Decode parses a query response or a full-snapshot push payload.
// now is used when the payload carries neither last_updated nor time.
func Decode(data []byte, now time.Time) (Snapshot, Settings, error) {
	var p wirePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Snapshot{}, Settings{}, fmt.Errorf("decoding payload: %w", err)
	}
	if p.Status == nil {
		return Snapshot{}, Settings{}, ErrMissingStatus
	}

	devices := make([]Device, 0, len(p.Devices))
	for _, d := range p.Devices {
		if d.ID == "" {
			return Snapshot{}, Settings{}, ErrMissingDeviceID
		}
		dev := Device{
			ID:     d.ID,
			Name:   d.Name,
			Status: d.Status,
			Using:  true,
		}
		if d.Using != nil {
			dev.Using = *d.Using
		}
		if d.LastUpdated != nil {
			dev.LastUpdated = FromUnix(*d.LastUpdated)
		}
		devices = append(devices, dev)
	}

	snap := Snapshot{
		Status:      FromWire(*p.Status),
		Devices:     devices,
		LastUpdated: now,
	}
	switch {
	case p.LastUpdated != nil && *p.LastUpdated > 0:
		snap.LastUpdated = FromUnix(*p.LastUpdated)
	case p.Time != nil && *p.Time > 0:
		snap.LastUpdated = FromUnix(*p.Time)
	}

	var settings Settings
	if p.RefreshInterval != nil && *p.RefreshInterval > 0 {
		settings.RefreshInterval = time.Duration(*p.RefreshInterval) * time.Millisecond
	}
	if p.DeviceSlice != nil && *p.DeviceSlice > 0 {
		settings.DeviceSlice = *p.DeviceSlice
	}

	return snap, settings, nil
}

// DecodeFull decodes a pushed snapshot. A payload without a devices key
// (status_changed sends only the new status) returns ErrNoDevices so the
// caller can fetch the whole state instead of blanking the device list.
func DecodeFull(data []byte, now time.Time) (Snapshot, Settings, error) {
	snap, settings, err := Decode(data, now)
	if err != nil {
		return Snapshot{}, Settings{}, err
	}
	var p struct {
		Devices json.RawMessage `json:"devices"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Snapshot{}, Settings{}, fmt.Errorf("decoding payload: %w", err)
	}
	if len(p.Devices) == 0 || string(p.Devices) == "null" {
		return Snapshot{}, Settings{}, ErrNoDevices
	}
	return snap, settings, nil
}

// DecodeOnline parses an online-changed payload
func DecodeOnline(data []byte) (int, error) {
	var p struct {
		Online *int `json:"online"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, fmt.Errorf("decoding online count: %w", err)
	}
	if p.Online == nil {
		return 0, errors.New("payload has no online count")
	}
	return *p.Online, nil
}

// FromUnix converts fractional unix seconds to a time
func FromUnix(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
