package huobi

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huobi_go/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errSocketClosed = errors.New("use of closed network connection")

type inbound struct {
	messageType int
	data        []byte
	err         error
}

type control struct {
	messageType int
	data        []byte
}

// fakeSocket is an in-memory Socket. Frames pushed by the test come out of ReadMessage in order.
type fakeSocket struct {
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	controls []control
	pong     func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan inbound, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case f := <-s.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.messageType, f.data, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.isClosed() {
		return errSocketClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if s.isClosed() {
		return errSocketClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, control{messageType: messageType, data: data})
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pong = h
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// pushText queues a text frame from the server
func (s *fakeSocket) pushText(text string) {
	s.in <- inbound{messageType: websocket.TextMessage, data: []byte(text)}
}

// pushGzip queues a gzip-compressed binary frame, the way the exchange sends data
func (s *fakeSocket) pushGzip(t *testing.T, text string) {
	t.Helper()
	s.in <- inbound{messageType: websocket.BinaryMessage, data: gzipBytes(t, text)}
}

// remoteClose simulates the server closing the connection
func (s *fakeSocket) remoteClose(code int, text string) {
	s.in <- inbound{err: &websocket.CloseError{Code: code, Text: text}}
}

// firePong simulates a pong control frame arriving
func (s *fakeSocket) firePong() {
	s.mu.Lock()
	h := s.pong
	s.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (s *fakeSocket) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *fakeSocket) controlCount(messageType int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.controls {
		if c.messageType == messageType {
			n++
		}
	}
	return n
}

func (s *fakeSocket) lastControl(messageType int) (control, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.controls) - 1; i >= 0; i-- {
		if s.controls[i].messageType == messageType {
			return s.controls[i], true
		}
	}
	return control{}, false
}

// fakeDialer hands out fakeSockets and records every dial
type fakeDialer struct {
	sockets chan *fakeSocket
	dials   atomic.Int32
	failN   atomic.Int32 // the next failN dials fail
	urls    chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		sockets: make(chan *fakeSocket, 16),
		urls:    make(chan string, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.dials.Add(1)
	select {
	case d.urls <- url:
	default:
	}
	if d.failN.Load() > 0 {
		d.failN.Add(-1)
		return nil, errors.New("connection refused")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

// next waits for the next socket handed out
func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockets:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no socket dialed")
		return nil
	}
}

type harness struct {
	client  *StreamClient
	dialer  *fakeDialer
	metrics *infra.Metrics
}

// newHarness starts a client on fake sockets. The heartbeat never fires on its own;
// tests drive it with tick.
func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	d := newFakeDialer()
	metrics := &infra.Metrics{}
	opts := Options{
		Dial:               d.Dial,
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:            metrics,
		Reconnect:          true,
		Verbose:            true,
	}
	for _, f := range mutate {
		f(&opts)
	}
	c := NewStreamClient(opts)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return &harness{client: c, dialer: d, metrics: metrics}
}

// settle waits until everything queued so far has run on the loop
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.m.do(func() {}))
}

// tick runs one heartbeat pass on the loop
func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.m.do(h.client.m.heartbeat))
}

func (h *harness) waitOpen(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.client.Subscriptions()) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitWrites(t *testing.T, s *fakeSocket, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.written()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return s.written()
}

// recorder collects delivered messages
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func gzipBytes(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
