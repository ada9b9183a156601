package huobi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"huobi_go/internal/infra"

	"github.com/gorilla/websocket"
)

// Mode is how a Connection maps onto logical streams
type Mode int

const (
	ModeSingle Mode = iota
	ModeCombined
	ModeRequestOnce
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeCombined:
		return "combined"
	case ModeRequestOnce:
		return "request-once"
	default:
		return "unknown"
	}
}

// State of a Connection. Closed is terminal; a reconnect always builds a new Connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Socket is the part of *websocket.Conn the stream client relies on.
// Close must unblock a pending ReadMessage.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens one physical socket
type DialFunc func(ctx context.Context, url string) (Socket, error)

// DefaultDial dials with gorilla's dialer and a browser user agent
func DefaultDial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection is one physical socket and the logical stream(s) it carries.
// All fields are owned by the manager's event loop.
type Connection struct {
	key      string
	mode     Mode
	endpoint string   // ModeSingle
	streams  []string // ModeCombined, caller order
	request  []byte   // ModeRequestOnce, sent verbatim

	handlers []Handler

	autoReconnect bool
	onReconnect   func()
	onClosed      func() // ModeRequestOnce, runs if the connection closes unanswered
	attempt       int    // consecutive closes without a successful open

	state    State
	alive    bool
	manual   bool
	answered bool
	dropped  bool // socket closed by the heartbeat, close not yet seen by the reader
	sock     Socket
	openedAt time.Time
}

func newConnection(key string, mode Mode, handler Handler, autoReconnect bool) *Connection {
	c := &Connection{
		key:           key,
		mode:          mode,
		autoReconnect: autoReconnect,
		state:         StateConnecting,
	}
	if handler != nil {
		c.handlers = []Handler{handler}
	}
	return c
}

// Key is the registry key returned to callers
func (c *Connection) Key() string { return c.key }

// activationFrames builds the control messages sent right after open.
// Channel ids are taken from the process-wide counter at this point, so each open gets fresh ones.
func (c *Connection) activationFrames() ([][]byte, error) {
	switch c.mode {
	case ModeRequestOnce:
		return [][]byte{c.request}, nil
	case ModeCombined:
		frames := make([][]byte, 0, len(c.streams))
		for _, s := range c.streams {
			b, err := encodeSub(s)
			if err != nil {
				return nil, err
			}
			frames = append(frames, b)
		}
		return frames, nil
	default:
		b, err := encodeSub(c.endpoint)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}
}

// describe is the label used in log lines
func (c *Connection) describe() string {
	switch c.mode {
	case ModeCombined:
		return "[" + c.key + "] " + joinStreams(c.streams)
	case ModeRequestOnce:
		return "[" + c.key + "] " + string(c.request)
	default:
		return c.endpoint
	}
}

func (c *Connection) info() ConnectionInfo {
	info := ConnectionInfo{
		Key:           c.key,
		Mode:          c.mode,
		Endpoint:      c.endpoint,
		Streams:       slices.Clone(c.streams),
		Alive:         c.alive,
		AutoReconnect: c.autoReconnect && c.onReconnect != nil,
		OpenedAt:      c.openedAt,
	}
	if c.mode == ModeRequestOnce {
		info.Request = string(c.request)
	}
	return info
}

// ConnectionInfo is an immutable view of a registered Connection
type ConnectionInfo struct {
	Key           string
	Mode          Mode
	Endpoint      string
	Streams       []string
	Request       string
	Alive         bool
	AutoReconnect bool
	OpenedAt      time.Time
}
