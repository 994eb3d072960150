package cloud

import "errors"

// Event names sent by the backend on the push channel
const (
	EventUpdate        = "update"
	EventConnected     = "connected"
	EventRefresh       = "refresh"
	EventStatusChanged = "status_changed"
	EventDeviceAdded   = "device_added"
	EventDeviceUpdated = "device_updated"
	EventDeviceDeleted = "device_deleted"
	EventDevicesClear  = "devices_cleared"
	EventOnlineChanged = "online-changed"
	EventHeartbeat     = "heartbeat"
	EventPing          = "ping"
	EventMessage       = "message"
)

var (
	ErrStreamClosed = errors.New("stream closed by server")
	ErrUnauthorized = errors.New("unauthorized")
)

// Event is one message received on a push channel
type Event struct {
	ID   string
	Type string
	Data []byte
}

// Handler receives callbacks from a push channel. Callbacks for one
// connection are delivered sequentially in arrival order.
type Handler interface {
	OnOpen()
	OnEvent(ev Event)
	OnError(err error)
}

// Conn is an open or opening push channel. Close never blocks and
// suppresses any further callbacks.
type Conn interface {
	Close() error
}

// ProbeResult answers whether the host supports long-lived push connections
type ProbeResult int

const (
	ProbeInconclusive ProbeResult = iota
	ProbeSupported
	ProbeUnsupported
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeSupported:
		return "supported"
	case ProbeUnsupported:
		return "unsupported"
	default:
		return "inconclusive"
	}
}
