package cloud

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const maxEventSize = 1 << 20

// SSETransport opens Server-Sent Events streams on the backend's events endpoint
type SSETransport struct {
	url      string
	clientID string
	client   *http.Client
	log      *logrus.Entry
}

// NewSSETransport creates a transport for the given events URL
func NewSSETransport(url, clientID string, log *logrus.Entry) *SSETransport {
	return &SSETransport{
		url:      url,
		clientID: clientID,
		// No timeout: the response body stays open for the life of the stream.
		client: &http.Client{},
		log:    log,
	}
}

type sseConn struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *sseConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connect starts opening a stream and returns immediately
func (t *SSETransport) Connect(ctx context.Context, h Handler) Conn {
	ctx, cancel := context.WithCancel(ctx)
	conn := &sseConn{cancel: cancel}
	go t.run(ctx, conn, h)
	return conn
}

func (t *SSETransport) run(ctx context.Context, conn *sseConn, h Handler) {
	defer conn.cancel()

	fail := func(err error) {
		if conn.isClosed() || ctx.Err() != nil {
			return
		}
		h.OnError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		fail(fmt.Errorf("creating stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.clientID != "" {
		req.Header.Set(clientIDHeader, t.clientID)
	}

	t.log.WithField("url", t.url).Debug("opening event stream")

	resp, err := t.client.Do(req)
	if err != nil {
		fail(fmt.Errorf("opening stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fail(&APIError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}

	if conn.isClosed() {
		return
	}
	h.OnOpen()

	reader := NewEventReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				err = ErrStreamClosed
			}
			fail(err)
			return
		}
		if conn.isClosed() {
			return
		}
		h.OnEvent(ev)
	}
}

// EventReader parses a text/event-stream body into events.
// Comment lines are surfaced as heartbeat events since servers use them
// as keep-alive pings.
type EventReader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewEventReader creates a reader over an event stream body
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &EventReader{scanner: scanner}
}

// Next returns the next complete event, or io.EOF when the stream ends
func (r *EventReader) Next() (Event, error) {
	var (
		eventType string
		data      bytes.Buffer
		hasData   bool
	)

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if !hasData && eventType == "" {
				continue
			}
			if eventType == "" {
				eventType = EventMessage
			}
			return Event{ID: r.lastID, Type: eventType, Data: data.Bytes()}, nil
		}

		if strings.HasPrefix(line, ":") {
			if hasData || eventType != "" {
				continue
			}
			return Event{ID: r.lastID, Type: EventHeartbeat}, nil
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "retry":
			// reconnect timing is owned by the sync client
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("reading stream: %w", err)
	}
	return Event{}, io.EOF
}
