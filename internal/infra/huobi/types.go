package huobi

import (
	"encoding/json"
	"time"
)

const (
	DefaultHost  = "api.huobipro.com"
	HadaxHost    = "api.hadax.com"
	DefaultPath  = "/ws"
	streamScheme = "wss://"

	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectBase     = 1 * time.Second
	defaultReconnectMax      = 60 * time.Second
	inboxSize                = 1024

	// Bounds accepted by req kline, in unix seconds.
	minRequestTime = 1501171200
	maxRequestTime = 2524579200

	defaultDepthType = "step0"
)

// Message is a decoded data envelope. Raw holds the full JSON object as received.
type Message struct {
	Ch      string          `json:"ch,omitempty"`
	Rep     string          `json:"rep,omitempty"`
	ID      string          `json:"id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Subbed  string          `json:"subbed,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
	Tick    json.RawMessage `json:"tick,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	ErrCode string          `json:"err-code,omitempty"`
	ErrMsg  string          `json:"err-msg,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Topic returns the channel the message belongs to: ch for pushes, rep for request replies
func (m Message) Topic() string {
	if m.Ch != "" {
		return m.Ch
	}
	return m.Rep
}

// IsError reports an exchange-side error reply
func (m Message) IsError() bool {
	return m.Status == "error"
}

// Handler receives every data message of a subscription, on the client's event loop
type Handler func(Message)

// Request is a one-shot req payload. ID is assigned by RequestOnce.
type Request struct {
	Req  string `json:"req"`
	ID   string `json:"id,omitempty"`
	From int64  `json:"from,omitempty"`
	To   int64  `json:"to,omitempty"`
}

type subMessage struct {
	ID  string `json:"id"`
	Sub string `json:"sub"`
}

type pongMessage struct {
	Pong json.Number `json:"pong"`
}
