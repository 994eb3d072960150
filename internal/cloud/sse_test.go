package cloud_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/cloud"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// chanHandler forwards transport callbacks to channels
type chanHandler struct {
	opened chan struct{}
	events chan cloud.Event
	errs   chan error
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		opened: make(chan struct{}, 1),
		events: make(chan cloud.Event, 32),
		errs:   make(chan error, 1),
	}
}

func (h *chanHandler) OnOpen()                { h.opened <- struct{}{} }
func (h *chanHandler) OnEvent(ev cloud.Event) { h.events <- ev }
func (h *chanHandler) OnError(err error)      { h.errs <- err }

func (h *chanHandler) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-h.opened:
	case err := <-h.errs:
		t.Fatalf("expected open, got error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for open")
	}
}

// nextEvent prefers queued events over a queued error. Transports report
// events and errors from one goroutine, so any event sent before the error
// is already buffered when the error arrives.
func (h *chanHandler) nextEvent(t *testing.T) cloud.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	default:
	}
	select {
	case ev := <-h.events:
		return ev
	case err := <-h.errs:
		select {
		case ev := <-h.events:
			h.errs <- err
			return ev
		default:
		}
		t.Fatalf("expected event, got error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return cloud.Event{}
}

func (h *chanHandler) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func TestEventReader_Parse(t *testing.T) {
	stream := strings.Join([]string{
		"id: 0",
		"event: connected",
		`data: {"status":0,"devices":[]}`,
		"",
		": ping - 2026-01-01 00:00:00",
		"",
		"id: 1",
		"event: device_added",
		"data: {\"id\":\"pc\",",
		"data: \"name\":\"Desktop\"}",
		"",
		"data: plain message\r",
		"\r",
		"retry: 3000",
		"id: 2",
		"event: heartbeat",
		"",
		"",
	}, "\n")

	r := cloud.NewEventReader(strings.NewReader(stream))

	want := []cloud.Event{
		{ID: "0", Type: "connected", Data: []byte(`{"status":0,"devices":[]}`)},
		{ID: "0", Type: cloud.EventHeartbeat},
		{ID: "1", Type: "device_added", Data: []byte("{\"id\":\"pc\",\n\"name\":\"Desktop\"}")},
		{ID: "1", Type: cloud.EventMessage, Data: []byte("plain message")},
		{ID: "2", Type: cloud.EventHeartbeat},
	}

	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got.ID != w.ID || got.Type != w.Type || string(got.Data) != string(w.Data) {
			t.Errorf("event %d: got {%s %s %q}, want {%s %s %q}", i, got.ID, got.Type, got.Data, w.ID, w.Type, w.Data)
		}
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestSSETransport_StreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept header: %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("X-Client-Id") != "client-1" {
			t.Errorf("client id header: %q", r.Header.Get("X-Client-Id"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 0\nevent: connected\ndata: {\"status\":1}\n\n")
		fmt.Fprint(w, "id: 1\nevent: heartbeat\ndata: {}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	transport := cloud.NewSSETransport(srv.URL, "client-1", testLogger())
	h := newChanHandler()
	conn := transport.Connect(context.Background(), h)
	defer conn.Close()

	h.waitOpen(t)

	ev := h.nextEvent(t)
	if ev.Type != cloud.EventConnected || string(ev.Data) != `{"status":1}` {
		t.Errorf("first event: %+v", ev)
	}
	ev = h.nextEvent(t)
	if ev.Type != cloud.EventHeartbeat || ev.ID != "1" {
		t.Errorf("second event: %+v", ev)
	}

	// handler returned, so the server closed the stream
	if err := h.waitError(t); !errors.Is(err, cloud.ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSSETransport_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newChanHandler()
	conn := cloud.NewSSETransport(srv.URL, "", testLogger()).Connect(context.Background(), h)
	defer conn.Close()

	err := h.waitError(t)
	var apiErr *cloud.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 APIError, got %v", err)
	}
	select {
	case <-h.opened:
		t.Error("stream must not report open on a failed response")
	default:
	}
}

func TestSSETransport_CloseSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newChanHandler()
	conn := cloud.NewSSETransport(srv.URL, "", testLogger()).Connect(context.Background(), h)
	h.waitOpen(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-h.errs:
		t.Errorf("no error expected after Close, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
