package huobi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"huobi_go/internal/domain"
	"huobi_go/internal/infra"

	"github.com/gorilla/websocket"
)

// manager owns the subscription registry and the shared heartbeat ticker.
// Every state change runs as a closure on one event-loop goroutine, so the registry,
// the pending map and the ticker need no locking. Only the published snapshot is shared.
type manager struct {
	url     string
	opts    Options
	logger  *slog.Logger
	metrics *infra.Metrics

	// Loop-owned
	registry map[string]*Connection // Open connections only
	pending  map[string]*Connection // Dialing connections
	retrying map[string]*Connection // Closed, waiting out a reconnect delay
	ticker   *time.Ticker
	stopping bool

	inbox chan func()
	done  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Used only for external reads
	snapMu      sync.RWMutex
	snapshot    []ConnectionInfo
	pendingKeys map[string]bool
	queued      map[string]int // accepted by the API, not yet seen by the loop
	beating     bool
}

func newManager(url string, opts Options) *manager {
	return &manager{
		url:         url,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		registry:    make(map[string]*Connection),
		pending:     make(map[string]*Connection),
		retrying:    make(map[string]*Connection),
		inbox:       make(chan func(), inboxSize),
		done:        make(chan struct{}),
		pendingKeys: make(map[string]bool),
		queued:      make(map[string]int),
	}
}

func (m *manager) start(ctx context.Context) error {
	if m.cancel != nil {
		return errors.New("stream client already started")
	}
	select {
	case <-m.done:
		return domain.ErrClientStopped
	default:
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *manager) stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			close(m.done)
			return
		}
		m.cancel()
		m.wg.Wait()
		m.drain()
	})
}

// drain runs what dialers and readers posted after the loop exited, so late sockets get closed.
// Safe only once every loop-side goroutine is gone.
func (m *manager) drain() {
	for {
		select {
		case fn := <-m.inbox:
			m.safely("drain", fn)
		default:
			return
		}
	}
}

// run is the event loop. Handlers run to completion one at a time.
func (m *manager) run() {
	defer m.wg.Done()
	defer close(m.done)
	defer m.shutdown()

	m.logger.Info("Stream client event loop started", slog.String("url", m.url))

	for {
		var tick <-chan time.Time
		if m.ticker != nil {
			tick = m.ticker.C
		}

		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.inbox:
			m.safely("event", fn)
		case <-tick:
			m.heartbeat()
		}
	}
}

// post hands fn to the loop, blocking while the inbox is full. It reports false once the loop is gone.
func (m *manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// enqueue is post for public API calls. It never blocks, so handlers may call back into the client.
func (m *manager) enqueue(fn func()) error {
	select {
	case <-m.done:
		return domain.ErrClientStopped
	default:
	}
	select {
	case m.inbox <- fn:
	default:
		go m.post(fn)
	}
	return nil
}

// do runs fn on the loop and waits for it. Must not be called from the loop itself.
func (m *manager) do(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return domain.ErrClientStopped
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return domain.ErrClientStopped
	}
}

func (m *manager) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordError()
			m.logger.Error("Panic recovered", slog.String("in", what), slog.Any("panic", r))
		}
	}()
	fn()
}

// connect starts a Connection or, when its key is already live or dialing, folds its handlers into that one.
func (m *manager) connect(c *Connection) {
	if m.stopping {
		return
	}
	if existing := m.lookup(c.key); existing != nil {
		existing.handlers = append(existing.handlers, c.handlers...)
		if c.onClosed != nil {
			prev, next := existing.onClosed, c.onClosed
			existing.onClosed = func() {
				if prev != nil {
					prev()
				}
				next()
			}
		}
		m.logger.Debug("Reusing connection", slog.String("stream", existing.describe()))
		return
	}

	m.pending[c.key] = c
	m.publish()
	m.logger.Debug("Subscribed", slog.String("stream", c.describe()), slog.String("mode", c.mode.String()))

	m.wg.Add(1)
	go m.dial(c)
}

func (m *manager) lookup(key string) *Connection {
	if c, ok := m.registry[key]; ok {
		return c
	}
	return m.pending[key]
}

func (m *manager) dial(c *Connection) {
	defer m.wg.Done()

	sock, err := m.opts.Dial(m.ctx, m.url)
	if err != nil {
		m.post(func() { m.handleDialError(c, err) })
		return
	}
	if !m.post(func() { m.handleOpen(c, sock) }) {
		_ = sock.Close()
	}
}

func (m *manager) readLoop(c *Connection, sock Socket) {
	defer m.wg.Done()
	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			m.post(func() { m.handleTransportError(c, err) })
			return
		}
		if !m.post(func() { m.handleFrame(c, messageType, data) }) {
			return
		}
	}
}

// handleOpen is Connecting -> Open.
func (m *manager) handleOpen(c *Connection, sock Socket) {
	if c.state != StateConnecting || m.stopping {
		// Terminated while dialing.
		_ = sock.Close()
		return
	}
	if m.pending[c.key] == c {
		delete(m.pending, c.key)
	}

	c.sock = sock
	c.state = StateOpen
	c.alive = true
	c.attempt = 0
	c.openedAt = time.Now()

	if len(m.registry) == 0 {
		m.startHeartbeat()
	}
	m.registry[c.key] = c
	m.metrics.IncrementConnections()
	m.publish()

	sock.SetPongHandler(func(string) error {
		m.post(func() { m.handlePong(c) })
		return nil
	})
	m.wg.Add(1)
	go m.readLoop(c, sock)

	m.activate(c)
}

// activate sends the sub or req messages that start the data flow.
func (m *manager) activate(c *Connection) {
	frames, err := c.activationFrames()
	if err != nil {
		m.logger.Error("Failed to build activation message", slog.String("stream", c.describe()), slog.Any("error", err))
		return
	}
	for _, f := range frames {
		if err := m.write(c, f); err != nil {
			// The reader sees the broken socket and drives the close.
			m.logger.Warn("Activation write failed", slog.String("stream", c.describe()), slog.Any("error", err))
			return
		}
	}
	if m.opts.Verbose {
		m.logger.Debug("Channel activated", slog.String("stream", c.describe()), slog.Int("messages", len(frames)))
	}
}

func (m *manager) write(c *Connection, data []byte) error {
	if c.sock == nil {
		return errors.New("connection is nil")
	}
	if err := c.sock.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// handlePong is Open -> Open.
func (m *manager) handlePong(c *Connection) {
	if c.state != StateOpen {
		return
	}
	c.alive = true
	m.publish()
}

func (m *manager) handleFrame(c *Connection, messageType int, data []byte) {
	if c.state != StateOpen {
		return
	}

	f, err := decodeFrame(m.opts.Inflate, messageType, data)
	if err != nil {
		m.metrics.RecordDecodeError()
		m.logger.Warn("Parse error", slog.String("stream", c.describe()), slog.Any("error", err))
		return
	}

	if f.isPing {
		pong, err := encodePong(f.ping)
		if err == nil {
			err = m.write(c, pong)
		}
		if err != nil {
			m.logger.Warn("Pong write failed", slog.String("stream", c.describe()), slog.Any("error", err))
			return
		}
		m.metrics.RecordPong()
		return
	}

	m.metrics.RecordFrame()
	m.deliver(c, f.message)

	if c.mode == ModeRequestOnce && !c.answered {
		c.answered = true
		m.metrics.RecordRequestCompleted()
		m.closeConn(c, true, websocket.CloseNormalClosure, "request answered")
	}
}

func (m *manager) deliver(c *Connection, msg Message) {
	for _, h := range c.handlers {
		m.safely("handler", func() { h(msg) })
	}
}

// handleTransportError logs a read failure and runs the close transition it implies.
func (m *manager) handleTransportError(c *Connection, err error) {
	if c.state == StateClosed {
		return
	}

	code, reason := 0, ""
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}
	if closeErr == nil || websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.metrics.RecordError()
		m.logger.Warn("WebSocket error", slog.String("stream", c.describe()), slog.Any("error", err))
	}

	if c.sock != nil {
		_ = c.sock.Close()
	}
	m.handleClose(c, code, reason)
}

func (m *manager) handleDialError(c *Connection, err error) {
	if c.state == StateClosed {
		return
	}
	netErr := domain.NewNetworkError("dial", err)
	m.metrics.RecordError()
	m.logger.Warn("WebSocket dial failed", slog.String("stream", c.describe()), slog.Int("attempt", c.attempt), slog.Any("error", netErr))
	m.handleClose(c, 0, netErr.Error())
}

// closeConn shuts the socket from our side. graceful sends a close frame first; otherwise the
// socket is simply dropped, which is what terminate means here.
func (m *manager) closeConn(c *Connection, graceful bool, code int, reason string) {
	if c.state == StateClosed {
		return
	}
	if c.sock != nil {
		if graceful {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.WriteTimeout))
		}
		_ = c.sock.Close()
	}
	m.handleClose(c, code, reason)
}

// handleClose is {Connecting, Open} -> Closed. It runs at most once per Connection.
func (m *manager) handleClose(c *Connection, code int, reason string) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	c.state = StateClosed
	c.alive = false

	switch prev {
	case StateOpen:
		if m.registry[c.key] == c {
			delete(m.registry, c.key)
			m.metrics.DecrementConnections()
		}
		if len(m.registry) == 0 {
			m.stopHeartbeat()
		}
		c.attempt = 0
	case StateConnecting:
		if m.pending[c.key] == c {
			delete(m.pending, c.key)
		}
		c.attempt++
	}
	m.publish()

	attrs := []any{slog.String("stream", c.describe())}
	if code != 0 {
		attrs = append(attrs, slog.Int("code", code))
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	m.logger.Info("WebSocket closed", attrs...)

	if c.mode == ModeRequestOnce && !c.answered && c.onClosed != nil {
		m.safely("request closed", c.onClosed)
	}
	m.maybeReconnect(c)
}

func (m *manager) maybeReconnect(c *Connection) {
	if m.stopping || c.manual || !c.autoReconnect || c.onReconnect == nil {
		return
	}

	delay := m.reconnectDelay(c.attempt)
	m.metrics.RecordReconnect()
	m.logger.Info("WebSocket reconnecting", slog.String("stream", c.describe()), slog.Duration("delay", delay))

	if delay == 0 {
		m.safely("reconnect", c.onReconnect)
		return
	}
	m.retrying[c.key] = c
	m.publish()
	time.AfterFunc(delay, func() {
		m.post(func() {
			if m.retrying[c.key] != c {
				return
			}
			delete(m.retrying, c.key)
			c.onReconnect()
		})
	})
}

// reconnectDelay is zero after a healthy connection closes and backs off across failed dials.
func (m *manager) reconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return infra.CalculateBackoffWith(attempt-1, m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay)
}

// armReconnect installs the closure that rebuilds c with the same mode, streams and handlers.
func (m *manager) armReconnect(c *Connection) {
	c.onReconnect = func() {
		next := &Connection{
			key:           c.key,
			mode:          c.mode,
			endpoint:      c.endpoint,
			streams:       c.streams,
			request:       c.request,
			handlers:      slices.Clone(c.handlers),
			autoReconnect: c.autoReconnect,
			attempt:       c.attempt,
			state:         StateConnecting,
		}
		m.armReconnect(next)
		m.connect(next)
	}
}

// terminate is the manual close. It never reconnects.
func (m *manager) terminate(key string) bool {
	if c, ok := m.registry[key]; ok {
		c.manual = true
		m.closeConn(c, false, 0, "terminated")
		return true
	}
	if c, ok := m.pending[key]; ok {
		c.manual = true
		m.handleClose(c, 0, "terminated")
		return true
	}
	if c, ok := m.retrying[key]; ok {
		c.manual = true
		delete(m.retrying, key)
		m.publish()
		m.logger.Info("Reconnect cancelled", slog.String("stream", c.describe()))
		return true
	}
	return false
}

// heartbeat pings connections that answered since the last tick and drops the ones that did not.
// Dropping only closes the socket; the reader's close signal does the registry work.
func (m *manager) heartbeat() {
	deadline := time.Now().Add(m.opts.WriteTimeout)
	for _, c := range m.registry {
		if c.dropped {
			continue
		}
		m.safely("heartbeat", func() {
			if c.alive {
				c.alive = false
				if err := c.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					m.logger.Debug("Ping failed", slog.String("stream", c.describe()), slog.Any("error", err))
					return
				}
				m.metrics.RecordPing()
				return
			}
			if m.opts.Verbose {
				m.logger.Info("Terminating inactive/broken WebSocket", slog.String("stream", c.describe()))
			}
			m.metrics.RecordHeartbeatTermination()
			c.dropped = true
			_ = c.sock.Close()
		})
	}
	m.publish()
}

func (m *manager) startHeartbeat() {
	if m.ticker == nil {
		m.ticker = time.NewTicker(m.opts.HeartbeatInterval)
	}
}

func (m *manager) stopHeartbeat() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

// shutdown closes everything on loop exit. No reconnect fires from here.
func (m *manager) shutdown() {
	m.stopping = true
	for _, c := range m.registry {
		m.closeConn(c, true, websocket.CloseGoingAway, "client stopped")
	}
	for _, c := range m.pending {
		m.handleClose(c, 0, "client stopped")
	}
	clear(m.retrying)
	m.stopHeartbeat()
	m.publish()
	m.logger.Info("Stream client event loop stopped")
}

// publish copies the loop-owned state for external readers.
func (m *manager) publish() {
	infos := make([]ConnectionInfo, 0, len(m.registry))
	for _, c := range m.registry {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	pending := make(map[string]bool, len(m.pending)+len(m.retrying))
	for k := range m.pending {
		pending[k] = true
	}
	for k := range m.retrying {
		pending[k] = true
	}

	m.snapMu.Lock()
	m.snapshot = infos
	m.pendingKeys = pending
	m.beating = m.ticker != nil
	m.snapMu.Unlock()
}

func (m *manager) subscriptions() []ConnectionInfo {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return slices.Clone(m.snapshot)
}

func (m *manager) heartbeatRunning() bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.beating
}

func (m *manager) known(key string) bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.pendingKeys[key] || m.queued[key] > 0 {
		return true
	}
	for _, info := range m.snapshot {
		if info.Key == key {
			return true
		}
	}
	return false
}

// submit queues c for connect on the loop. The key counts as known from the moment submit returns.
func (m *manager) submit(c *Connection) error {
	m.snapMu.Lock()
	m.queued[c.key]++
	m.snapMu.Unlock()

	err := m.enqueue(func() {
		m.unqueue(c.key)
		m.connect(c)
	})
	if err != nil {
		m.unqueue(c.key)
	}
	return err
}

func (m *manager) unqueue(key string) {
	m.snapMu.Lock()
	if m.queued[key]--; m.queued[key] <= 0 {
		delete(m.queued, key)
	}
	m.snapMu.Unlock()
}

func (m *manager) String() string {
	return fmt.Sprintf("manager{url=%s}", m.url)
}
