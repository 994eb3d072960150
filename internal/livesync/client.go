// Package livesync keeps a local view of the status backend fresh. It prefers
// a push channel, reconnects with exponential backoff, detects silently dead
// connections with a watchdog, and falls back to polling when the host cannot
// hold long-lived connections.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/cloud"
	"github.com/sleepy-project/statussync/internal/status"
)

var (
	ErrBootstrap    = errors.New("initial status fetch failed")
	ErrNotConnected = errors.New("no push channel to reconnect")
	ErrStopped      = errors.New("sync client stopped")
	ErrStarted      = errors.New("sync client already started")

	errStale = errors.New("no events received within the stale threshold")
)

// State is the sync client's connection state
type State int

const (
	StateInit State = iota
	StateConnecting
	StateStreaming
	StateReconnectWait
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnectWait:
		return "reconnect_wait"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event outcomes passed to an EventRecorder
const (
	OutcomeApplied   = "applied"
	OutcomeRefetch   = "refetch"
	OutcomeHeartbeat = "heartbeat"
	OutcomeMalformed = "malformed"
	OutcomeOnline    = "online"
	OutcomeIgnored   = "ignored"
)

// Fetcher performs a request/response snapshot fetch
type Fetcher interface {
	Query(ctx context.Context) (status.Snapshot, status.Settings, error)
}

// singleFetcher is implemented by fetchers that can skip their own retries.
// The bootstrap fetch uses it so a failed first load surfaces immediately.
type singleFetcher interface {
	QueryOnce(ctx context.Context) (status.Snapshot, status.Settings, error)
}

// Transport opens push channels. Connect must not block; the outcome is
// reported through the handler.
type Transport interface {
	Connect(ctx context.Context, h cloud.Handler) cloud.Conn
}

// Prober answers whether the host supports long-lived push connections
type Prober interface {
	Probe(ctx context.Context) cloud.ProbeResult
}

// Indicator is the connection affordance shown next to the status view
type Indicator struct {
	State   State
	Attempt int
	RetryIn time.Duration
	Err     error
}

// Renderer displays snapshots and the connection indicator. It is called
// with the client's lock held and must not call back into the client.
type Renderer interface {
	Render(snap status.Snapshot, settings status.Settings)
	Indicate(ind Indicator)
}

// OnlineRenderer is implemented by renderers that show the live viewer count
type OnlineRenderer interface {
	Online(n int)
}

// Visibility reports whether anyone is currently looking at the view
type Visibility interface {
	Visible() bool
}

// Sink receives every applied snapshot. Push must not block.
type Sink interface {
	Push(snap status.Snapshot)
}

// EventRecorder keeps a record of received push events
type EventRecorder interface {
	Record(ev cloud.Event, outcome string)
}

// Options tune the sync client's timing
type Options struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	WatchdogPeriod time.Duration
	StaleAfter     time.Duration
	PollInterval   time.Duration
	DeviceSlice    int
}

// DefaultOptions returns the standard timing parameters
func DefaultOptions() Options {
	return Options{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		WatchdogPeriod: 10 * time.Second,
		StaleAfter:     120 * time.Second,
		PollInterval:   5 * time.Second,
		DeviceSlice:    20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.WatchdogPeriod <= 0 {
		o.WatchdogPeriod = def.WatchdogPeriod
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.DeviceSlice <= 0 {
		o.DeviceSlice = def.DeviceSlice
	}
	return o
}

// Deps are the collaborators of a Client. API and Renderer are required.
// A nil Transport means polling only; a nil Probe treats every probe as
// inconclusive.
type Deps struct {
	API        Fetcher
	Transport  Transport
	Probe      Prober
	Renderer   Renderer
	Visibility Visibility
	Sink       Sink
	Events     EventRecorder
	Clock      Clock
	// Spawn runs a job that performs network I/O. Defaults to a goroutine.
	Spawn  func(func())
	Logger *logrus.Entry
}

// ConnectionStatus is a point-in-time view of the client
type ConnectionStatus struct {
	State        State
	Attempt      int
	Reconnecting bool
	LastEventAt  time.Time
	RetryDelay   time.Duration
	RetryAt      time.Time
	Probe        cloud.ProbeResult
	LastError    string
	Snapshot     status.Snapshot
	Settings     status.Settings
}

// Client is the live status sync client
type Client struct {
	opts  Options
	deps  Deps
	log   *logrus.Entry
	clock Clock
	spawn func(func())

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	state        State
	gen          uint64
	conn         cloud.Conn
	attempt      int
	reconnecting bool
	lastEventAt  time.Time
	lastErr      error
	probe        cloud.ProbeResult
	retryDelay   time.Duration
	retryAt      time.Time
	snapshot     status.Snapshot
	settings     status.Settings

	retryTimer     Timer
	countdownTimer Timer
	watchdogTimer  Timer
	pollTimer      Timer
}

// New creates a sync client. Nothing happens until Start.
func New(opts Options, deps Deps) *Client {
	c := &Client{
		opts:  opts.withDefaults(),
		deps:  deps,
		log:   deps.Logger,
		clock: deps.Clock,
		spawn: deps.Spawn,
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.spawn == nil {
		c.spawn = func(f func()) { go f() }
	}
	return c
}

// Start fetches the first snapshot, renders it and opens the push channel.
// A failed first fetch is shown on the indicator and returned wrapped in
// ErrBootstrap; it is not retried.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateInit:
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	default:
		c.mu.Unlock()
		return ErrStarted
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	fetchCtx := c.ctx
	c.mu.Unlock()

	fetch := c.deps.API.Query
	if sf, ok := c.deps.API.(singleFetcher); ok {
		fetch = sf.QueryOnce
	}
	snap, settings, err := fetch(fetchCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return ErrStopped
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrBootstrap, err)
		c.lastErr = err
		c.log.WithError(err).Error("cannot load initial status")
		c.indicateLocked()
		return err
	}

	c.settings = settings.WithDefaults(status.Settings{
		RefreshInterval: c.opts.PollInterval,
		DeviceSlice:     c.opts.DeviceSlice,
	})
	c.applyLocked(snap)

	if c.deps.Transport == nil {
		c.log.Info("no push transport configured, polling")
		c.startPollingLocked()
		return nil
	}
	c.connectLocked()
	return nil
}

// ReconnectNow cancels any pending retry, resets the attempt counter and
// opens a new push channel immediately.
func (c *Client) ReconnectNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateStreaming, StateReconnectWait:
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotConnected
	}

	c.log.WithField("attempt", c.attempt).Info("manual reconnect")
	c.attempt = 0
	c.connectLocked()
	return nil
}

// Stop closes the push channel and cancels every timer. Safe to call more
// than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return
	}
	c.state = StateStopped
	c.gen++
	c.reconnecting = false
	c.closeConnLocked()
	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Info("sync client stopped")
	c.indicateLocked()
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ConnectionStatus{
		State:        c.state,
		Attempt:      c.attempt,
		Reconnecting: c.reconnecting,
		LastEventAt:  c.lastEventAt,
		RetryDelay:   c.retryDelay,
		RetryAt:      c.retryAt,
		Probe:        c.probe,
		Snapshot:     c.snapshot,
		Settings:     c.settings,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// connHandler binds transport callbacks to one connection generation
type connHandler struct {
	c   *Client
	gen uint64
}

func (h connHandler) OnOpen()                { h.c.handleOpen(h.gen) }
func (h connHandler) OnEvent(ev cloud.Event) { h.c.handleEvent(h.gen, ev) }
func (h connHandler) OnError(err error)      { h.c.handleError(h.gen, err) }

func (c *Client) connectLocked() {
	c.closeConnLocked()
	c.stopTimersLocked()

	c.gen++
	c.state = StateConnecting
	c.reconnecting = false
	c.retryDelay = 0
	c.retryAt = time.Time{}
	c.lastEventAt = c.clock.Now()

	c.log.WithFields(logrus.Fields{
		"attempt": c.attempt,
		"conn":    c.gen,
	}).Debug("opening push channel")

	c.conn = c.deps.Transport.Connect(c.ctx, connHandler{c: c, gen: c.gen})
	c.armWatchdogLocked()
	c.indicateLocked()
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnecting {
		return
	}
	c.state = StateStreaming
	c.attempt = 0
	c.lastErr = nil
	c.lastEventAt = c.clock.Now()
	c.log.Info("push channel open")
	c.indicateLocked()
}

func (c *Client) handleEvent(gen uint64, ev cloud.Event) {
	c.mu.Lock()
	jobs := c.eventLocked(gen, ev)
	c.mu.Unlock()
	c.run(jobs)
}

func (c *Client) eventLocked(gen uint64, ev cloud.Event) []func() {
	if gen != c.gen || c.state != StateStreaming {
		return nil
	}
	now := c.clock.Now()
	c.lastEventAt = now

	outcome, jobs := c.dispatchLocked(ev, now)
	if outcome == OutcomeMalformed {
		c.log.WithFields(logrus.Fields{
			"event": ev.Type,
			"id":    ev.ID,
		}).Debug("dropping malformed event")
	}
	if c.deps.Events != nil {
		c.deps.Events.Record(ev, outcome)
	}
	return jobs
}

func (c *Client) dispatchLocked(ev cloud.Event, now time.Time) (string, []func()) {
	switch ev.Type {
	case cloud.EventHeartbeat, cloud.EventPing:
		return OutcomeHeartbeat, nil

	case cloud.EventUpdate, cloud.EventConnected, cloud.EventRefresh, cloud.EventStatusChanged:
		snap, settings, err := status.DecodeFull(ev.Data, now)
		if errors.Is(err, status.ErrNoDevices) {
			return OutcomeRefetch, []func(){c.refetch}
		}
		if err != nil {
			return OutcomeMalformed, nil
		}
		c.settings = settings.WithDefaults(c.settings)
		c.applyLocked(snap)
		return OutcomeApplied, nil

	case cloud.EventDeviceAdded, cloud.EventDeviceUpdated, cloud.EventDeviceDeleted, cloud.EventDevicesClear:
		if len(ev.Data) > 0 && !json.Valid(ev.Data) {
			return OutcomeMalformed, nil
		}
		return OutcomeRefetch, []func(){c.refetch}

	case cloud.EventOnlineChanged:
		n, err := status.DecodeOnline(ev.Data)
		if err != nil {
			return OutcomeMalformed, nil
		}
		if or, ok := c.deps.Renderer.(OnlineRenderer); ok {
			or.Online(n)
		}
		return OutcomeOnline, nil
	}

	return OutcomeIgnored, nil
}

func (c *Client) handleError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateConnecting && c.state != StateStreaming) {
		c.mu.Unlock()
		return
	}
	jobs := c.failLocked(err)
	c.mu.Unlock()
	c.run(jobs)
}

// failLocked closes the channel and moves towards RECONNECT_WAIT, probing
// the host first while no conclusive probe answer exists.
func (c *Client) failLocked(err error) []func() {
	if c.reconnecting {
		return nil
	}
	c.reconnecting = true
	c.lastErr = err
	c.gen++
	c.closeConnLocked()
	c.stopTimersLocked()

	c.log.WithError(err).WithField("attempt", c.attempt).Warn("push channel lost")

	if c.probe == cloud.ProbeSupported || c.deps.Probe == nil {
		c.scheduleReconnectLocked()
		return nil
	}

	c.state = StateReconnectWait
	c.indicateLocked()
	gen := c.gen
	return []func(){func() { c.runProbe(gen) }}
}

func (c *Client) runProbe(gen uint64) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	result := c.deps.Probe.Probe(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped || c.state == StatePolling {
		return
	}
	c.probe = result

	if result == cloud.ProbeUnsupported {
		c.log.Warn("host cannot hold push connections, switching to polling")
		c.startPollingLocked()
		return
	}
	if gen != c.gen || !c.reconnecting {
		return
	}
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	delay := Backoff(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay)
	c.attempt++
	c.state = StateReconnectWait
	c.retryDelay = delay
	c.retryAt = c.clock.Now().Add(delay)

	gen := c.gen
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retryExpired(gen) })
	c.armCountdownLocked(gen)

	c.log.WithFields(logrus.Fields{
		"attempt": c.attempt,
		"delay":   delay,
	}).Info("reconnect scheduled")
	c.indicateLocked()
}

func (c *Client) retryExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateReconnectWait {
		return
	}
	c.retryTimer = nil
	c.connectLocked()
}

func (c *Client) armCountdownLocked(gen uint64) {
	c.countdownTimer = c.clock.AfterFunc(time.Second, func() { c.countdownTick(gen) })
}

func (c *Client) countdownTick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateReconnectWait {
		return
	}
	c.indicateLocked()
	if c.retryAt.Sub(c.clock.Now()) > 0 {
		c.armCountdownLocked(gen)
	} else {
		c.countdownTimer = nil
	}
}

func (c *Client) armWatchdogLocked() {
	gen := c.gen
	c.watchdogTimer = c.clock.AfterFunc(c.opts.WatchdogPeriod, func() { c.watchdogTick(gen) })
}

func (c *Client) watchdogTick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateConnecting && c.state != StateStreaming) {
		c.mu.Unlock()
		return
	}

	var jobs []func()
	silence := c.clock.Now().Sub(c.lastEventAt)
	if silence > c.opts.StaleAfter && !c.reconnecting {
		c.log.WithField("silence", silence).Warn("push channel went quiet")
		jobs = c.failLocked(errStale)
	} else {
		c.armWatchdogLocked()
	}
	c.mu.Unlock()
	c.run(jobs)
}

func (c *Client) startPollingLocked() {
	c.gen++
	c.closeConnLocked()
	c.stopTimersLocked()
	c.state = StatePolling
	c.reconnecting = false
	c.lastErr = nil
	c.retryDelay = 0
	c.retryAt = time.Time{}
	c.armPollLocked()
	c.indicateLocked()
}

func (c *Client) armPollLocked() {
	c.pollTimer = c.clock.AfterFunc(c.settings.RefreshInterval, c.pollTick)
}

func (c *Client) pollTick() {
	c.mu.Lock()
	if c.state != StatePolling {
		c.mu.Unlock()
		return
	}
	c.armPollLocked()
	visible := c.deps.Visibility == nil || c.deps.Visibility.Visible()
	c.mu.Unlock()

	if !visible {
		c.log.Debug("view hidden, skipping poll")
		return
	}
	c.spawn(c.refetch)
}

// refetch replaces the snapshot with the backend's current state. The last
// completed fetch wins.
func (c *Client) refetch() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	snap, settings, err := c.deps.API.Query(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("status refresh failed")
		if c.state == StatePolling {
			c.lastErr = err
			c.indicateLocked()
		}
		return
	}
	if c.state == StatePolling && c.lastErr != nil {
		c.lastErr = nil
		c.indicateLocked()
	}
	c.settings = settings.WithDefaults(c.settings)
	c.applyLocked(snap)
}

func (c *Client) applyLocked(snap status.Snapshot) {
	c.snapshot = snap
	c.deps.Renderer.Render(snap, c.settings)
	if c.deps.Sink != nil {
		c.deps.Sink.Push(snap)
	}
}

func (c *Client) indicateLocked() {
	ind := Indicator{
		State:   c.state,
		Attempt: c.attempt,
		Err:     c.lastErr,
	}
	if c.state == StateReconnectWait && !c.retryAt.IsZero() {
		if left := c.retryAt.Sub(c.clock.Now()); left > 0 {
			ind.RetryIn = left
		}
	}
	c.deps.Renderer.Indicate(ind)
}

func (c *Client) closeConnLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.log.WithError(err).Debug("closing push channel")
	}
	c.conn = nil
}

func (c *Client) stopTimersLocked() {
	stopTimer(&c.retryTimer)
	stopTimer(&c.countdownTimer)
	stopTimer(&c.watchdogTimer)
	stopTimer(&c.pollTimer)
}

func (c *Client) run(jobs []func()) {
	for _, job := range jobs {
		c.spawn(job)
	}
}
