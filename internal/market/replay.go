package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sentinel/internal/domain"
)

// Compile-time interface check.
var _ Source = (*ReplaySource)(nil)

// EventReader loads archived events for a trading day.
type EventReader interface {
	ReadEvents(ctx context.Context, symbols []string, day time.Time) ([]domain.MarketEvent, error)
}

// ReplaySource replays an archived day in timestamp order.
type ReplaySource struct {
	reader  EventReader
	symbols []string
	day     time.Time
	// Speed scales the original inter-event gaps; zero replays without
	// pacing.
	Speed float64
	log   *slog.Logger
}

// NewReplaySource creates a ReplaySource for day.
func NewReplaySource(reader EventReader, symbols []string, day time.Time) *ReplaySource {
	return &ReplaySource{
		reader:  reader,
		symbols: symbols,
		day:     day,
		log:     slog.Default().With("source", "replay", "day", day.Format("2006-01-02")),
	}
}

// Name returns "replay".
func (s *ReplaySource) Name() string { return "replay" }

// Run delivers every archived event and returns when done or cancelled.
func (s *ReplaySource) Run(ctx context.Context, h Handler) error {
	events, err := s.reader.ReadEvents(ctx, s.symbols, s.day)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	s.log.Info("replay starting", "events", len(events))

	var prev time.Time
	for i, ev := range events {
		if ctx.Err() != nil {
			return nil
		}
		if s.Speed > 0 && !prev.IsZero() {
			gap := time.Duration(float64(ev.Timestamp.Sub(prev)) / s.Speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(gap):
				}
			}
		}
		prev = ev.Timestamp
		ev.Source = "replay"
		h(ctx, ev)
		if (i+1)%100000 == 0 {
			s.log.Info("replay progress", "delivered", i+1)
		}
	}
	s.log.Info("replay complete", "events", len(events))
	return nil
}
