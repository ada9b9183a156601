package huobi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"huobi_go/internal/domain"
	"huobi_go/internal/infra"

	"golang.org/x/time/rate"
)

const (
	defaultHistorySize = 150
	maxHistorySize     = 2000
)

// Client is the Huobi public market REST client
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a REST client from the huobi config section.
func NewClient(cfg *infra.Config) *Client {
	limit := rate.Inf
	if cfg.Huobi.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.Huobi.RateLimitPerSec)
	}
	burst := int(cfg.Huobi.RateLimitPerSec)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: cfg.RestBaseURL(),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  slog.Default().With("module", "huobi_rest"),
	}
}

// envelope is the common REST response wrapper
type envelope struct {
	Status  string          `json:"status"`
	Ch      string          `json:"ch"`
	Ts      int64           `json:"ts"`
	Tick    json.RawMessage `json:"tick"`
	Data    json.RawMessage `json:"data"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
}

// Kline fetches the latest size candles, newest first. size is clamped to 1..2000; 0 means 150.
func (c *Client) Kline(ctx context.Context, symbol, period string, size int) ([]domain.Kline, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, domain.NewContractError("kline", domain.ErrEmptySymbol)
	}
	q := url.Values{}
	q.Set("symbol", strings.ToLower(symbol))
	q.Set("period", period)
	q.Set("size", strconv.Itoa(historySize(size)))

	env, err := c.get(ctx, "/market/history/kline", q)
	if err != nil {
		return nil, err
	}
	var klines []domain.Kline
	if err := json.Unmarshal(env.Data, &klines); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	return klines, nil
}

// Ticker fetches the merged 24h ticker with best bid and ask
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var t domain.Ticker
	err := c.tick(ctx, "/market/detail/merged", symbol, &t)
	return t, err
}

// TickerDetail fetches the 24h summary without book data
func (c *Client) TickerDetail(ctx context.Context, symbol string) (domain.Kline, error) {
	var k domain.Kline
	err := c.tick(ctx, "/market/detail", symbol, &k)
	return k, err
}

// Depth fetches an order book snapshot. An empty depthType means step0.
func (c *Client) Depth(ctx context.Context, symbol, depthType string) (domain.Depth, error) {
	if depthType == "" {
		depthType = defaultDepthType
	}
	var d domain.Depth
	err := c.tick(ctx, "/market/depth", symbol, &d, "type", depthType)
	return d, err
}

// TradeHistory fetches recent trades flattened from their batches. size is clamped like Kline.
func (c *Client) TradeHistory(ctx context.Context, symbol string, size int) ([]domain.Trade, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, domain.NewContractError("trade history", domain.ErrEmptySymbol)
	}
	q := url.Values{}
	q.Set("symbol", strings.ToLower(symbol))
	q.Set("size", strconv.Itoa(historySize(size)))

	env, err := c.get(ctx, "/market/history/trade", q)
	if err != nil {
		return nil, err
	}
	var batches []domain.TradeTick
	if err := json.Unmarshal(env.Data, &batches); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	var trades []domain.Trade
	for _, b := range batches {
		trades = append(trades, b.Data...)
	}
	return trades, nil
}

// Symbols lists every tradable pair
func (c *Client) Symbols(ctx context.Context) ([]domain.SymbolInfo, error) {
	env, err := c.get(ctx, "/v1/common/symbols", nil)
	if err != nil {
		return nil, err
	}
	var symbols []domain.SymbolInfo
	if err := json.Unmarshal(env.Data, &symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	return symbols, nil
}

// tick fetches path?symbol=... and decodes the tick field into out. extra is key/value pairs.
func (c *Client) tick(ctx context.Context, path, symbol string, out any, extra ...string) error {
	if strings.TrimSpace(symbol) == "" {
		return domain.NewContractError(path, domain.ErrEmptySymbol)
	}
	q := url.Values{}
	q.Set("symbol", strings.ToLower(symbol))
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}

	env, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Tick, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("GET "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("read "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.NewNetworkError("GET "+path, err)
		}
		return nil, domain.NewFatalNetworkError("GET "+path, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Status != "ok" {
		c.logger.Warn("API error", slog.String("path", path), slog.String("code", env.ErrCode), slog.String("msg", env.ErrMsg))
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAPIStatus, env.ErrCode, env.ErrMsg)
	}
	return &env, nil
}

func historySize(size int) int {
	if size <= 0 {
		return defaultHistorySize
	}
	return min(size, maxHistorySize)
}
