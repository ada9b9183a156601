package huobi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"huobi_go/internal/domain"
	"huobi_go/internal/infra"
)

// Options configures a StreamClient. Zero values fall back to the defaults below.
type Options struct {
	Host      string // api.huobipro.com
	Hadax     bool   // use api.hadax.com instead of Host
	Path      string // /ws
	Reconnect bool   // master switch; also the per-call choice of the convenience Sub* calls
	Verbose   bool

	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	Inflate InflateFunc
	Dial    DialFunc
	Logger  *slog.Logger
	Metrics *infra.Metrics
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Hadax {
		o.Host = HadaxHost
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBase
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMax
	}
	if o.Inflate == nil {
		o.Inflate = Inflate
	}
	if o.Dial == nil {
		o.Dial = DefaultDial
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With(slog.String("module", "huobi_ws"))
	}
	if o.Metrics == nil {
		o.Metrics = infra.GlobalMetrics
	}
	return o
}

// OptionsFromConfig maps the huobi config section onto stream Options
func OptionsFromConfig(cfg *infra.Config) Options {
	return Options{
		Host:              cfg.Huobi.Host,
		Hadax:             cfg.Huobi.Hadax,
		Path:              cfg.Huobi.WSPath,
		Reconnect:         cfg.Huobi.Reconnect,
		Verbose:           cfg.Huobi.Verbose,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		WriteTimeout:      cfg.WriteTimeout(),
	}
}

// StreamClient multiplexes Huobi market data subscriptions over WebSocket connections.
// Data handlers run on the client's event loop, one frame at a time. They may call back into the client.
type StreamClient struct {
	opts Options
	url  string
	m    *manager
}

// NewStreamClient builds a client. Calls made before Start are queued and run once it starts.
func NewStreamClient(opts Options) *StreamClient {
	opts = opts.withDefaults()
	url := streamScheme + opts.Host + opts.Path
	return &StreamClient{
		opts: opts,
		url:  url,
		m:    newManager(url, opts),
	}
}

// URL is the WebSocket endpoint every connection dials
func (c *StreamClient) URL() string { return c.url }

// Start runs the event loop until ctx is done or Stop is called
func (c *StreamClient) Start(ctx context.Context) error {
	return c.m.start(ctx)
}

// Stop closes every connection without reconnecting and waits for the loop to exit.
func (c *StreamClient) Stop() {
	c.m.stop()
}

// Subscribe opens a single-topic connection. The returned key is the topic itself.
// It reconnects only when both reconnect and Options.Reconnect are set.
func (c *StreamClient) Subscribe(endpoint string, handler Handler, reconnect bool) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", domain.NewContractError("subscribe", domain.ErrEmptySymbol)
	}
	conn := newConnection(endpoint, ModeSingle, handler, c.opts.Reconnect)
	conn.endpoint = endpoint
	if reconnect {
		c.m.armReconnect(conn)
	}
	if err := c.m.submit(conn); err != nil {
		return "", err
	}
	return conn.key, nil
}

// SubscribeCombined carries several topics on one connection. Order matters: the same
// topics in another order produce another key and another connection.
func (c *StreamClient) SubscribeCombined(streams []string, handler Handler, reconnect bool) (string, error) {
	if len(streams) == 0 {
		return "", domain.NewContractError("subscribe combined", domain.ErrNoStreams)
	}
	seen := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		if _, dup := seen[s]; dup {
			return "", domain.NewContractError("subscribe combined", domain.ErrDuplicateStreams)
		}
		seen[s] = struct{}{}
	}

	key := combinedKey(streams)
	conn := newConnection(key, ModeCombined, handler, c.opts.Reconnect)
	conn.streams = append([]string(nil), streams...)
	if reconnect {
		c.m.armReconnect(conn)
	}
	if err := c.m.submit(conn); err != nil {
		return "", err
	}
	return key, nil
}

// RequestOnce sends req on a fresh connection, hands the first reply to handler and closes.
func (c *StreamClient) RequestOnce(req Request, handler Handler) (string, error) {
	return c.requestOnce(req, handler, nil)
}

// requestOnce is RequestOnce with an optional hook run when the connection closes unanswered.
func (c *StreamClient) requestOnce(req Request, handler Handler, onClosed func()) (string, error) {
	if strings.TrimSpace(req.Req) == "" {
		return "", domain.NewContractError("request", domain.ErrMissingRequest)
	}
	if req.ID == "" {
		req.ID = nextChannelID()
	}
	payload, err := marshalRequest(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	key := requestKey(payload)
	conn := newConnection(key, ModeRequestOnce, handler, false)
	conn.request = payload
	conn.onClosed = onClosed
	if err := c.m.submit(conn); err != nil {
		return "", err
	}
	return key, nil
}

// Request is RequestOnce that waits for the reply. Cancelling ctx drops the connection.
// A connection that closes before replying fails the call with a NetworkError.
func (c *StreamClient) Request(ctx context.Context, req Request) (Message, error) {
	replies := make(chan Message, 1)
	closed := make(chan struct{})
	key, err := c.requestOnce(req, func(msg Message) {
		select {
		case replies <- msg:
		default:
		}
	}, func() { close(closed) })
	if err != nil {
		return Message{}, err
	}

	select {
	case msg := <-replies:
		if msg.IsError() {
			return msg, fmt.Errorf("%s: %s %s", msg.Topic(), msg.ErrCode, msg.ErrMsg)
		}
		return msg, nil
	case <-closed:
		return Message{}, domain.NewNetworkError("request "+req.Req, domain.ErrNoReply)
	case <-ctx.Done():
		_ = c.m.enqueue(func() { c.m.terminate(key) })
		return Message{}, ctx.Err()
	case <-c.m.done:
		return Message{}, domain.ErrClientStopped
	}
}

// Subscriptions lists the open connections sorted by key
func (c *StreamClient) Subscriptions() []ConnectionInfo {
	return c.m.subscriptions()
}

// HeartbeatRunning reports whether the heartbeat ticker is active. It is exactly when a connection is open.
func (c *StreamClient) HeartbeatRunning() bool {
	return c.m.heartbeatRunning()
}

// Terminate closes the connection under key for good. It will not reconnect.
func (c *StreamClient) Terminate(key string) error {
	if !c.m.known(key) {
		return fmt.Errorf("terminate %q: %w", key, domain.ErrUnknownKey)
	}
	return c.m.enqueue(func() { c.m.terminate(key) })
}

// KlineTopic is market.<symbol>.kline.<period>
func KlineTopic(symbol, period string) string {
	return "market." + strings.ToLower(symbol) + ".kline." + period
}

// DepthTopic is market.<symbol>.depth.<type>
func DepthTopic(symbol, depthType string) string {
	if depthType == "" {
		depthType = defaultDepthType
	}
	return "market." + strings.ToLower(symbol) + ".depth." + depthType
}

// TradeTopic is market.<symbol>.trade.detail
func TradeTopic(symbol string) string {
	return "market." + strings.ToLower(symbol) + ".trade.detail"
}

// DetailTopic is market.<symbol>.detail
func DetailTopic(symbol string) string {
	return "market." + strings.ToLower(symbol) + ".detail"
}

func (c *StreamClient) subTopics(op string, symbols []string, topic func(string) string, handler Handler) (string, error) {
	if len(symbols) == 0 {
		return "", domain.NewContractError(op, domain.ErrEmptySymbol)
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			return "", domain.NewContractError(op, domain.ErrEmptySymbol)
		}
		streams = append(streams, topic(s))
	}
	if len(streams) == 1 {
		return c.Subscribe(streams[0], handler, c.opts.Reconnect)
	}
	return c.SubscribeCombined(streams, handler, c.opts.Reconnect)
}

// SubKline subscribes to candles of one or more symbols
func (c *StreamClient) SubKline(symbols []string, period string, handler Handler) (string, error) {
	return c.subTopics("sub kline", symbols, func(s string) string { return KlineTopic(s, period) }, handler)
}

// SubDepth subscribes to order book snapshots of one or more symbols
func (c *StreamClient) SubDepth(symbols []string, depthType string, handler Handler) (string, error) {
	return c.subTopics("sub depth", symbols, func(s string) string { return DepthTopic(s, depthType) }, handler)
}

// SubTrade subscribes to the trade feed of one symbol
func (c *StreamClient) SubTrade(symbol string, handler Handler) (string, error) {
	return c.subTopics("sub trade", []string{symbol}, TradeTopic, handler)
}

// ReqKline requests historical candles between from and to (unix seconds).
// Both bounds are clamped to the range the exchange serves.
func (c *StreamClient) ReqKline(symbol, period string, from, to int64, handler Handler) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", domain.NewContractError("req kline", domain.ErrEmptySymbol)
	}
	from = clampRequestTime(from)
	to = clampRequestTime(to)
	if from >= to {
		return "", domain.NewContractError("req kline", domain.ErrInvalidRange)
	}
	return c.RequestOnce(Request{Req: KlineTopic(symbol, period), From: from, To: to}, handler)
}

// ReqDepth requests one order book snapshot
func (c *StreamClient) ReqDepth(symbol, depthType string, handler Handler) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", domain.NewContractError("req depth", domain.ErrEmptySymbol)
	}
	return c.RequestOnce(Request{Req: DepthTopic(symbol, depthType)}, handler)
}

// ReqTrade requests the latest trades
func (c *StreamClient) ReqTrade(symbol string, handler Handler) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", domain.NewContractError("req trade", domain.ErrEmptySymbol)
	}
	return c.RequestOnce(Request{Req: TradeTopic(symbol)}, handler)
}

// ReqDetail requests the 24h summary
func (c *StreamClient) ReqDetail(symbol string, handler Handler) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", domain.NewContractError("req detail", domain.ErrEmptySymbol)
	}
	return c.RequestOnce(Request{Req: DetailTopic(symbol)}, handler)
}

func clampRequestTime(t int64) int64 {
	return min(max(t, minRequestTime), maxRequestTime)
}
