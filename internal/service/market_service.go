package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"huobi_go/internal/domain"
	"huobi_go/internal/infra/huobi"
)

// CandleStore persists candles. storage.Storage implements it.
type CandleStore interface {
	UpsertCandle(c *domain.Candle) error
	UpsertCandles(candles []*domain.Candle) error
}

// MarketService keeps the latest market state per symbol, fed by stream messages
type MarketService struct {
	mu         sync.RWMutex
	marketData map[string]*domain.MarketData

	store    CandleStore
	messages chan huobi.Message
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// NewMarketService creates a new MarketService. store may be nil.
func NewMarketService(store CandleStore) *MarketService {
	return &MarketService{
		marketData: make(map[string]*domain.MarketData),
		store:      store,
		messages:   make(chan huobi.Message, 1000), // absorbs bursts while the processor catches up
		logger:     slog.Default().With("module", "market_service"),
	}
}

// Handler returns a stream handler that queues messages for the processor.
// It never blocks the stream client; when the queue is full the message is dropped.
func (s *MarketService) Handler() huobi.Handler {
	return func(msg huobi.Message) {
		select {
		case s.messages <- msg:
		default:
			if s.dropped.Add(1)%100 == 1 {
				s.logger.Warn("Message queue full, dropping", slog.String("topic", msg.Topic()), slog.Uint64("dropped", s.dropped.Load()))
			}
		}
	}
}

// Dropped returns how many messages Handler discarded
func (s *MarketService) Dropped() uint64 {
	return s.dropped.Load()
}

// StartProcessor starts a background goroutine draining queued messages
func (s *MarketService) StartProcessor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.messages:
				if err := s.HandleMessage(msg); err != nil {
					s.logger.Warn("Failed to handle message", slog.String("topic", msg.Topic()), slog.Any("error", err))
				}
			}
		}
	}()
}

// HandleMessage applies one push or request reply to the market state
func (s *MarketService) HandleMessage(msg huobi.Message) error {
	if msg.IsError() {
		return fmt.Errorf("%s: %s %s", msg.Topic(), msg.ErrCode, msg.ErrMsg)
	}
	if msg.Topic() == "" {
		// sub acks and other control replies
		return nil
	}

	topic, err := domain.ParseTopic(msg.Topic())
	if err != nil {
		return err
	}

	switch topic.Kind {
	case domain.TopicKline:
		return s.handleKline(topic, msg)
	case domain.TopicDepth:
		var d domain.Depth
		if err := json.Unmarshal(payload(msg), &d); err != nil {
			return fmt.Errorf("decode depth: %w", err)
		}
		s.update(topic.Symbol, func(data *domain.MarketData) { data.Depth = &d })
	case domain.TopicTrade:
		return s.handleTrades(topic, msg)
	case domain.TopicDetail:
		var k domain.Kline
		if err := json.Unmarshal(payload(msg), &k); err != nil {
			return fmt.Errorf("decode detail: %w", err)
		}
		s.update(topic.Symbol, func(data *domain.MarketData) { data.Detail = &k })
	default:
		s.logger.Debug("Ignoring topic", slog.String("topic", msg.Topic()))
	}
	return nil
}

func (s *MarketService) handleKline(topic domain.Topic, msg huobi.Message) error {
	// Pushes carry one candle in tick, req replies a list in data.
	if len(msg.Tick) > 0 {
		var k domain.Kline
		if err := json.Unmarshal(msg.Tick, &k); err != nil {
			return fmt.Errorf("decode kline: %w", err)
		}
		return s.ApplyKlines(topic.Symbol, topic.Param, []domain.Kline{k})
	}
	var klines []domain.Kline
	if err := json.Unmarshal(msg.Data, &klines); err != nil {
		return fmt.Errorf("decode klines: %w", err)
	}
	return s.ApplyKlines(topic.Symbol, topic.Param, klines)
}

func (s *MarketService) handleTrades(topic domain.Topic, msg huobi.Message) error {
	var trades []domain.Trade
	if len(msg.Tick) > 0 {
		var tick domain.TradeTick
		if err := json.Unmarshal(msg.Tick, &tick); err != nil {
			return fmt.Errorf("decode trades: %w", err)
		}
		trades = tick.Data
	} else if err := json.Unmarshal(msg.Data, &trades); err != nil {
		return fmt.Errorf("decode trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	last := trades[len(trades)-1]
	s.update(topic.Symbol, func(data *domain.MarketData) {
		data.LastTrade = &last
		data.TradeCount += int64(len(trades))
	})
	return nil
}

// ApplyKlines records candles for symbol and persists them. The newest one becomes the current kline.
func (s *MarketService) ApplyKlines(symbol, period string, klines []domain.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	newest := klines[0]
	for _, k := range klines[1:] {
		if k.ID > newest.ID {
			newest = k
		}
	}
	s.update(symbol, func(data *domain.MarketData) {
		if data.Kline == nil || data.Period != period || newest.ID >= data.Kline.ID {
			data.Kline = &newest
			data.Period = period
		}
	})

	if s.store == nil {
		return nil
	}
	if len(klines) == 1 {
		return s.store.UpsertCandle(domain.NewCandle(symbol, period, klines[0]))
	}
	candles := make([]*domain.Candle, len(klines))
	for i, k := range klines {
		candles[i] = domain.NewCandle(symbol, period, k)
	}
	return s.store.UpsertCandles(candles)
}

// update mutates the state of symbol under the write lock
func (s *MarketService) update(symbol string, fn func(*domain.MarketData)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.marketData[symbol]
	if !exists {
		data = &domain.MarketData{Symbol: symbol}
		s.marketData[symbol] = data
	}
	fn(data)
	data.UpdatedAt = time.Now()
}

// GetAllData returns a copy of all market data sorted by symbol
func (s *MarketService) GetAllData() []domain.MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MarketData, 0, len(s.marketData))
	for _, data := range s.marketData {
		result = append(result, *data)
	}

	// Sort by symbol for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})

	return result
}

// GetData returns a copy of the market data for symbol, false if nothing was seen yet
func (s *MarketService) GetData(symbol string) (domain.MarketData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.marketData[symbol]
	if !ok {
		return domain.MarketData{}, false
	}
	return *data, true
}

func payload(msg huobi.Message) json.RawMessage {
	if len(msg.Tick) > 0 {
		return msg.Tick
	}
	return msg.Data
}
