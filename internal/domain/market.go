package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kline is one candle as pushed on market.<symbol>.kline.<period> and returned by /market/history/kline.
// ID is the candle open time in unix seconds.
type Kline struct {
	ID     int64           `json:"id"`
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	Low    decimal.Decimal `json:"low"`
	High   decimal.Decimal `json:"high"`
	Amount decimal.Decimal `json:"amount"` // Base currency volume
	Vol    decimal.Decimal `json:"vol"`    // Quote currency turnover
	Count  int64           `json:"count"`
}

// OpenTime returns the candle open time
func (k Kline) OpenTime() time.Time {
	return time.Unix(k.ID, 0).UTC()
}

// Trade is a single fill from market.<symbol>.trade.detail
type Trade struct {
	ID        json.Number     `json:"id"`
	TradeID   int64           `json:"tradeId"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction"` // "buy" or "sell"
	Ts        int64           `json:"ts"`
}

// TradeTick wraps the trades of one push
type TradeTick struct {
	ID   int64   `json:"id"`
	Ts   int64   `json:"ts"`
	Data []Trade `json:"data"`
}

// PriceLevel is a [price, amount] pair of a depth side
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// UnmarshalJSON decodes the exchange's two-element array form
func (p *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair []decimal.Decimal
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("price level: want 2 elements, got %d", len(pair))
	}
	p.Price, p.Amount = pair[0], pair[1]
	return nil
}

// MarshalJSON encodes the level back into the array form
func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]decimal.Decimal{p.Price, p.Amount})
}

// Depth is an order book snapshot
type Depth struct {
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
	Ts      int64        `json:"ts"`
	Version int64        `json:"version"`
}

// BestBid returns the top bid, false if the side is empty
func (d Depth) BestBid() (PriceLevel, bool) {
	if len(d.Bids) == 0 {
		return PriceLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask, false if the side is empty
func (d Depth) BestAsk() (PriceLevel, bool) {
	if len(d.Asks) == 0 {
		return PriceLevel{}, false
	}
	return d.Asks[0], true
}

// Spread returns ask - bid, or nil when either side is empty
func (d Depth) Spread() *decimal.Decimal {
	bid, ok := d.BestBid()
	if !ok {
		return nil
	}
	ask, ok := d.BestAsk()
	if !ok {
		return nil
	}
	spread := ask.Price.Sub(bid.Price)
	return &spread
}

// Ticker is the merged 24h ticker from /market/detail/merged
type Ticker struct {
	Kline
	Bid PriceLevel `json:"bid"`
	Ask PriceLevel `json:"ask"`
}

// ChangeRate returns 100 * (close - open) / open, zero when open is zero
func (t Ticker) ChangeRate() decimal.Decimal {
	if t.Open.IsZero() {
		return decimal.Zero
	}
	return t.Close.Sub(t.Open).Div(t.Open).Mul(decimal.NewFromInt(100))
}

// SymbolInfo describes a tradable pair from /v1/common/symbols
type SymbolInfo struct {
	Symbol          string `json:"symbol"`
	BaseCurrency    string `json:"base-currency"`
	QuoteCurrency   string `json:"quote-currency"`
	PricePrecision  int    `json:"price-precision"`
	AmountPrecision int    `json:"amount-precision"`
	SymbolPartition string `json:"symbol-partition"`
}

// Topic kinds
const (
	TopicKline  = "kline"
	TopicDepth  = "depth"
	TopicTrade  = "trade"
	TopicDetail = "detail"
)

// Topic is a parsed market.<symbol>.<kind>[.<param>] channel name
type Topic struct {
	Symbol string
	Kind   string
	Param  string // period for kline, step for depth, "detail" for trade
}

// ParseTopic splits a channel name. It rejects anything outside the market.* namespace.
func ParseTopic(ch string) (Topic, error) {
	parts := strings.Split(ch, ".")
	if len(parts) < 3 || parts[0] != "market" || parts[1] == "" {
		return Topic{}, fmt.Errorf("unrecognized topic %q", ch)
	}
	t := Topic{Symbol: parts[1], Kind: parts[2]}
	if len(parts) > 3 {
		t.Param = strings.Join(parts[3:], ".")
	}
	return t, nil
}

// Candle is the persisted form of a kline
type Candle struct {
	Symbol    string          `gorm:"primaryKey" json:"symbol"`
	Period    string          `gorm:"primaryKey" json:"period"`
	OpenTime  int64           `gorm:"primaryKey;autoIncrement:false" json:"open_time"`
	Open      decimal.Decimal `gorm:"type:text" json:"open"`
	High      decimal.Decimal `gorm:"type:text" json:"high"`
	Low       decimal.Decimal `gorm:"type:text" json:"low"`
	Close     decimal.Decimal `gorm:"type:text" json:"close"`
	Amount    decimal.Decimal `gorm:"type:text" json:"amount"`
	Vol       decimal.Decimal `gorm:"type:text" json:"vol"`
	Count     int64           `json:"count"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewCandle converts a kline into its stored form
func NewCandle(symbol, period string, k Kline) *Candle {
	return &Candle{
		Symbol:   symbol,
		Period:   period,
		OpenTime: k.ID,
		Open:     k.Open,
		High:     k.High,
		Low:      k.Low,
		Close:    k.Close,
		Amount:   k.Amount,
		Vol:      k.Vol,
		Count:    k.Count,
	}
}

// MarketData is the latest known state of one symbol
type MarketData struct {
	Symbol     string
	Period     string // period of Kline
	Kline      *Kline
	Detail     *Kline // 24h rolling summary
	Depth      *Depth
	LastTrade  *Trade
	TradeCount int64
	UpdatedAt  time.Time
}
