package livesync_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/cloud"
	"github.com/sleepy-project/statussync/internal/livesync"
	"github.com/sleepy-project/statussync/internal/status"
)

// fakeClock fires timers synchronously from Advance, in deadline order
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	seq   int
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) livesync.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// jobQueue defers network jobs until the test drains them
type jobQueue struct {
	jobs []func()
}

func (q *jobQueue) spawn(f func()) { q.jobs = append(q.jobs, f) }

func (q *jobQueue) drain() {
	for len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		job()
	}
}

type fakeAPI struct {
	snap      status.Snapshot
	settings  status.Settings
	err       error
	calls     int
	onceCalls int
}

func (a *fakeAPI) QueryOnce(ctx context.Context) (status.Snapshot, status.Settings, error) {
	a.onceCalls++
	return a.Query(ctx)
}

func (a *fakeAPI) Query(ctx context.Context) (status.Snapshot, status.Settings, error) {
	a.calls++
	if a.err != nil {
		return status.Snapshot{}, status.Settings{}, a.err
	}
	return a.snap, a.settings, nil
}

type fakeConn struct {
	h      cloud.Handler
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeTransport struct {
	conns []*fakeConn
}

func (tr *fakeTransport) Connect(ctx context.Context, h cloud.Handler) cloud.Conn {
	conn := &fakeConn{h: h}
	tr.conns = append(tr.conns, conn)
	return conn
}

func (tr *fakeTransport) last() *fakeConn {
	return tr.conns[len(tr.conns)-1]
}

func (tr *fakeTransport) openCount() int {
	n := 0
	for _, c := range tr.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// fakeProbe answers from results in order, repeating the last one
type fakeProbe struct {
	results []cloud.ProbeResult
	calls   int
}

func (p *fakeProbe) Probe(ctx context.Context) cloud.ProbeResult {
	p.calls++
	if len(p.results) == 0 {
		return cloud.ProbeInconclusive
	}
	i := p.calls - 1
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i]
}

type fakeRenderer struct {
	renders    []status.Snapshot
	settings   []status.Settings
	indicators []livesync.Indicator
	online     []int
}

func (r *fakeRenderer) Render(snap status.Snapshot, settings status.Settings) {
	r.renders = append(r.renders, snap)
	r.settings = append(r.settings, settings)
}

func (r *fakeRenderer) Indicate(ind livesync.Indicator) {
	r.indicators = append(r.indicators, ind)
}

func (r *fakeRenderer) Online(n int) { r.online = append(r.online, n) }

func (r *fakeRenderer) lastIndicator() livesync.Indicator {
	return r.indicators[len(r.indicators)-1]
}

type fakeVisibility struct{ visible bool }

func (v *fakeVisibility) Visible() bool { return v.visible }

type fakeRecorder struct {
	outcomes []string
}

func (r *fakeRecorder) Record(ev cloud.Event, outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []status.Snapshot
}

func (s *recordingSink) Push(snap status.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type harness struct {
	t      *testing.T
	clock  *fakeClock
	jobs   *jobQueue
	api    *fakeAPI
	tr     *fakeTransport
	probe  *fakeProbe
	r      *fakeRenderer
	vis    *fakeVisibility
	events *fakeRecorder
	sink   *recordingSink
	client *livesync.Client
}

func newHarness(t *testing.T, probe ...cloud.ProbeResult) *harness {
	return newHarnessWith(t, func(*livesync.Deps) {}, probe...)
}

func newHarnessWith(t *testing.T, mod func(*livesync.Deps), probe ...cloud.ProbeResult) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  newFakeClock(),
		jobs:   &jobQueue{},
		api:    &fakeAPI{snap: snapshot(status.StatusOnline, "pc")},
		tr:     &fakeTransport{},
		probe:  &fakeProbe{results: probe},
		r:      &fakeRenderer{},
		vis:    &fakeVisibility{visible: true},
		events: &fakeRecorder{},
		sink:   &recordingSink{},
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	deps := livesync.Deps{
		API:        h.api,
		Transport:  h.tr,
		Probe:      h.probe,
		Renderer:   h.r,
		Visibility: h.vis,
		Sink:       h.sink,
		Events:     h.events,
		Clock:      h.clock,
		Spawn:      h.jobs.spawn,
		Logger:     logrus.NewEntry(log),
	}
	mod(&deps)

	h.client = livesync.New(livesync.DefaultOptions(), deps)
	t.Cleanup(h.client.Stop)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.client.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

// open starts the client and opens the first channel
func (h *harness) open() {
	h.t.Helper()
	h.start()
	h.tr.last().h.OnOpen()
	h.expectState(livesync.StateStreaming)
}

func (h *harness) fail() {
	h.tr.last().h.OnError(cloud.ErrStreamClosed)
	h.jobs.drain()
}

func (h *harness) expectState(want livesync.State) {
	h.t.Helper()
	if got := h.client.Status().State; got != want {
		h.t.Fatalf("state: got %v, want %v", got, want)
	}
}

func snapshot(st status.Status, ids ...string) status.Snapshot {
	snap := status.Snapshot{Status: st}
	for _, id := range ids {
		snap.Devices = append(snap.Devices, status.Device{ID: id, Name: id, Using: true, Status: "idle"})
	}
	return snap
}
