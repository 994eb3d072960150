package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSTransport opens the backend's public WebSocket, which pushes
// {"event": ..., "data": ...} envelopes.
type WSTransport struct {
	url          string
	clientID     string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	log          *logrus.Entry
}

// wsEnvelope is a message from the public WebSocket
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewWSTransport creates a WebSocket transport
func NewWSTransport(url, clientID string, pingInterval time.Duration, log *logrus.Entry) *WSTransport {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WSTransport{
		url:          url,
		clientID:     clientID,
		pingInterval: pingInterval,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:          log,
	}
}

type wsConn struct {
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect dials in the background and returns immediately
func (t *WSTransport) Connect(ctx context.Context, h Handler) Conn {
	c := &wsConn{done: make(chan struct{})}
	go t.run(ctx, c, h)
	return c
}

func (t *WSTransport) run(ctx context.Context, c *wsConn, h Handler) {
	fail := func(err error) {
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		h.OnError(err)
	}

	header := http.Header{}
	if t.clientID != "" {
		header.Set(clientIDHeader, t.clientID)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	t.log.WithField("url", t.url).Debug("connecting to websocket")
	conn, _, err := t.dialer.DialContext(dialCtx, t.url, header)
	if err != nil {
		cancel()
		fail(fmt.Errorf("dial failed: %w", err))
		return
	}
	defer cancel()

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	h.OnOpen()

	// Pongs are liveness signals just like SSE heartbeats
	conn.SetPongHandler(func(string) error {
		if !c.isClosed() {
			h.OnEvent(Event{Type: EventHeartbeat})
		}
		return nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pingLoop(c, conn, stop)
	}()

	err = t.readLoop(c, conn, h)
	close(stop)
	wg.Wait()
	fail(err)
}

func (t *WSTransport) readLoop(c *wsConn, conn *websocket.Conn, h Handler) error {
	var id int
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if c.isClosed() {
			return nil
		}

		ev := Event{ID: strconv.Itoa(id), Type: EventMessage, Data: message}
		id++

		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err == nil && env.Event != "" {
			ev.Type = env.Event
			ev.Data = env.Data
			// the greeting only announces the refresh interval
			if ev.Type == EventConnected && len(env.Data) == 0 {
				ev.Type = EventHeartbeat
			}
		}
		h.OnEvent(ev)
	}
}

func (t *WSTransport) pingLoop(c *wsConn, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}
