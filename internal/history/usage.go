package history

import (
	"sort"
	"time"
)

const idleActivity = "(no activity)"

// ActivityUsage is the time a device spent on one activity
type ActivityUsage struct {
	Activity string        `json:"activity"`
	Duration time.Duration `json:"duration"`
}

// DeviceUsage is the in-use time of one device over a day
type DeviceUsage struct {
	DeviceID   string          `json:"device_id"`
	Name       string          `json:"name"`
	Total      time.Duration   `json:"total"`
	Activities []ActivityUsage `json:"activities"`
}

// Report is the screen-usage report for one day
type Report struct {
	Day     string        `json:"day"`
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Devices []DeviceUsage `json:"devices"`
}

// ComputeUsage attributes the time between consecutive samples to the
// devices in use at the earlier sample. samples must be ordered by At; the
// last sample lasts until to. Only the top activities per device are kept.
func ComputeUsage(samples []StatusSample, from, to time.Time, top int) []DeviceUsage {
	type acc struct {
		name       string
		total      time.Duration
		activities map[string]time.Duration
	}
	byDevice := make(map[string]*acc)

	for i, s := range samples {
		start := s.At
		if start.Before(from) {
			start = from
		}
		end := to
		if i+1 < len(samples) && samples[i+1].At.Before(to) {
			end = samples[i+1].At
		}
		span := end.Sub(start)
		if span <= 0 {
			continue
		}

		for _, d := range s.Devices {
			if !d.Using {
				continue
			}
			a, ok := byDevice[d.DeviceID]
			if !ok {
				a = &acc{activities: make(map[string]time.Duration)}
				byDevice[d.DeviceID] = a
			}
			if d.Name != "" {
				a.name = d.Name
			}
			activity := d.Activity
			if activity == "" {
				activity = idleActivity
			}
			a.activities[activity] += span
			a.total += span
		}
	}

	out := make([]DeviceUsage, 0, len(byDevice))
	for id, a := range byDevice {
		du := DeviceUsage{DeviceID: id, Name: a.name, Total: a.total}
		for act, dur := range a.activities {
			du.Activities = append(du.Activities, ActivityUsage{Activity: act, Duration: dur})
		}
		sort.Slice(du.Activities, func(i, j int) bool {
			if du.Activities[i].Duration != du.Activities[j].Duration {
				return du.Activities[i].Duration > du.Activities[j].Duration
			}
			return du.Activities[i].Activity < du.Activities[j].Activity
		})
		if top > 0 && len(du.Activities) > top {
			du.Activities = du.Activities[:top]
		}
		out = append(out, du)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// DayBounds returns the start and end of the local day containing t
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
