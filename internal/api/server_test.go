package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/api"
	"github.com/sleepy-project/statussync/internal/cloud"
	"github.com/sleepy-project/statussync/internal/config"
	"github.com/sleepy-project/statussync/internal/history"
	"github.com/sleepy-project/statussync/internal/livesync"
	"github.com/sleepy-project/statussync/internal/status"
)

type fakeReconnector struct {
	calls int
	err   error
}

func (f *fakeReconnector) ReconnectNow() error {
	f.calls++
	return f.err
}

type fakeUsage struct {
	day time.Time
}

func (f *fakeUsage) Usage(ctx context.Context, day time.Time) (history.Report, error) {
	f.day = day
	return history.Report{
		Day:     day.Format("2006-01-02"),
		Devices: []history.DeviceUsage{{DeviceID: "pc", Total: time.Hour}},
	}, nil
}

type fixture struct {
	board  *api.Board
	sync   *fakeReconnector
	logs   *api.LogBuffer
	events *api.EventBuffer
	usage  *fakeUsage
	srv    *httptest.Server
	log    *logrus.Logger
}

func newFixture(t *testing.T, withUsage bool) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		board:  api.NewBoard(time.Hour, false),
		sync:   &fakeReconnector{},
		logs:   api.NewLogBuffer(10),
		events: api.NewEventBuffer(10),
		log:    log,
	}
	log.AddHook(f.logs)

	deps := api.Deps{Board: f.board, Sync: f.sync, Logs: f.logs, Events: f.events}
	if withUsage {
		f.usage = &fakeUsage{}
		deps.Usage = f.usage
	}

	s := api.NewServer(config.Default().Server, deps, logrus.NewEntry(log))
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestServer_ViewMarksVisible(t *testing.T) {
	f := newFixture(t, false)

	f.board.Render(status.Snapshot{
		Status:  status.StatusAway,
		Devices: []status.Device{{ID: "pc", Using: true, Status: "Watching a very long video title"}},
	}, status.Settings{RefreshInterval: 5 * time.Second, DeviceSlice: 10})
	f.board.Indicate(livesync.Indicator{State: livesync.StateStreaming})

	if f.board.Visible() {
		t.Fatal("view visible before anyone looked")
	}

	var view api.View
	if code := f.getJSON(t, "/api/view", &view); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if !f.board.Visible() {
		t.Error("fetching the view must mark it visible")
	}
	if view.Status != "away" || view.Text != "Away" || view.Connection.Message != "Live" {
		t.Errorf("view: %+v", view)
	}
	if len(view.Devices) != 1 || view.Devices[0].Status != "Watching a..." || view.Devices[0].Name != "pc" {
		t.Errorf("devices: %+v", view.Devices)
	}
}

func TestServer_Reconnect(t *testing.T) {
	f := newFixture(t, false)

	resp, err := http.Post(f.srv.URL+"/api/reconnect", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || f.sync.calls != 1 {
		t.Errorf("reconnect: code %d, calls %d", resp.StatusCode, f.sync.calls)
	}

	f.sync.err = livesync.ErrNotConnected
	resp, err = http.Post(f.srv.URL+"/api/reconnect", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("reconnect while polling: code %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/api/reconnect")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET reconnect: code %d", resp.StatusCode)
	}
}

func TestServer_LogsAndEvents(t *testing.T) {
	f := newFixture(t, false)

	f.log.Info("hello")
	f.log.WithError(errors.New("boom")).Warn("push channel lost")
	f.events.Record(cloud.Event{ID: "1", Type: cloud.EventUpdate, Data: []byte(`{"status":0}`)}, livesync.OutcomeApplied)
	f.events.Record(cloud.Event{ID: "2", Type: cloud.EventHeartbeat}, livesync.OutcomeHeartbeat)

	var logs struct {
		Entries []api.LogEntry `json:"entries"`
	}
	f.getJSON(t, "/api/logs?level=warn,error", &logs)
	if len(logs.Entries) != 1 || logs.Entries[0].Message != "push channel lost" || logs.Entries[0].Fields != "error=boom" {
		t.Errorf("logs: %+v", logs.Entries)
	}

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/logs", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(f.logs.Entries([]string{"warn"})) != 0 {
		t.Errorf("clear logs: code %d, entries %+v", resp.StatusCode, f.logs.Entries(nil))
	}

	var events struct {
		Events []api.EventRecord `json:"events"`
		Counts map[string]int    `json:"counts"`
	}
	f.getJSON(t, "/api/events", &events)
	if len(events.Events) != 2 || events.Events[0].ID != "2" || events.Counts[livesync.OutcomeApplied] != 1 {
		t.Errorf("events: %+v", events)
	}
}

func TestServer_Usage(t *testing.T) {
	disabled := newFixture(t, false)
	if code := disabled.getJSON(t, "/api/usage", nil); code != http.StatusNotFound {
		t.Errorf("usage without history: code %d", code)
	}

	f := newFixture(t, true)
	if code := f.getJSON(t, "/api/usage?day=14-03-2026", nil); code != http.StatusBadRequest {
		t.Errorf("bad day: code %d", code)
	}

	var report history.Report
	if code := f.getJSON(t, "/api/usage?day=2026-03-14", &report); code != http.StatusOK {
		t.Fatalf("usage: code %d", code)
	}
	if report.Day != "2026-03-14" || len(report.Devices) != 1 {
		t.Errorf("report: %+v", report)
	}
}

func TestServer_HealthAndUI(t *testing.T) {
	f := newFixture(t, false)

	var health map[string]interface{}
	f.getJSON(t, "/health", &health)
	if health["status"] != "healthy" || health["loaded"] != false {
		t.Errorf("health: %+v", health)
	}

	resp, err := http.Get(f.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") || !strings.Contains(string(body), "/api/view") {
		t.Errorf("ui: %s", resp.Header.Get("Content-Type"))
	}
}
