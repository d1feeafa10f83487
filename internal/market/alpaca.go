package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/util"
)

// Compile-time interface check.
var _ Source = (*AlpacaSource)(nil)

// AlpacaSource streams real-time trades from the Alpaca market-data
// websocket.
type AlpacaSource struct {
	apiKey    string
	apiSecret string
	feed      string
	streamURL string
	symbols   []string
	retryBase time.Duration
	log       *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource subscribed to symbols.
func NewAlpacaSource(cfg config.Alpaca, symbols []string) *AlpacaSource {
	return &AlpacaSource{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		feed:      cfg.Feed,
		streamURL: cfg.StreamURL,
		symbols:   symbols,
		retryBase: time.Second,
		log:       slog.Default().With("source", "alpaca"),
	}
}

// Name returns "alpaca".
func (s *AlpacaSource) Name() string { return "alpaca" }

// Run connects to the feed and delivers trades to h until ctx is cancelled.
// A terminated connection is re-established with exponential backoff.
func (s *AlpacaSource) Run(ctx context.Context, h Handler) error {
	if len(s.symbols) == 0 {
		return errors.New("alpaca source: no symbols configured")
	}
	b := util.NewBackOff(s.retryBase)
	for {
		connected, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.log.Warn("stream terminated, reconnecting", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *AlpacaSource) session(ctx context.Context, h Handler) (bool, error) {
	opts := []stream.StockOption{
		stream.WithCredentials(s.apiKey, s.apiSecret),
		stream.WithTrades(func(t stream.Trade) {
			h(ctx, FromAlpacaTrade(t))
		}, s.symbols...),
	}
	if s.streamURL != "" {
		opts = append(opts, stream.WithBaseURL(s.streamURL))
	}

	client := stream.NewStocksClient(marketdata.Feed(s.feed), opts...)
	if err := client.Connect(ctx); err != nil {
		return false, fmt.Errorf("connecting to alpaca stream: %w", err)
	}
	s.log.Info("stream connected", "feed", s.feed, "symbols", len(s.symbols))
	return true, <-client.Terminated()
}

// FromAlpacaTrade converts a streamed trade into a MarketEvent.
func FromAlpacaTrade(t stream.Trade) domain.MarketEvent {
	return domain.MarketEvent{
		Symbol:    t.Symbol,
		Timestamp: t.Timestamp,
		Price:     t.Price,
		Size:      float64(t.Size),
		Exchange:  t.Exchange,
		ID:        strconv.FormatInt(t.ID, 10),
		Source:    "alpaca",
	}
}
