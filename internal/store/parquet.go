package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"sentinel/internal/domain"
)

// EventArchive stores normalized market events as Parquet files, one per
// symbol and trading day, and reads them back for replay. Writes are
// buffered and flushed in batches.
type EventArchive struct {
	DataDir string

	mu      sync.Mutex
	pending map[archiveKey][]EventRecord
	count   int
	// FlushEvery is the number of buffered events that triggers a flush.
	FlushEvery int
	log        *slog.Logger
}

type archiveKey struct {
	symbol string
	date   string // YYYY-MM-DD
}

// NewEventArchive creates an EventArchive rooted at dataDir.
func NewEventArchive(dataDir string) *EventArchive {
	return &EventArchive{
		DataDir:    dataDir,
		pending:    make(map[archiveKey][]EventRecord),
		FlushEvery: 5000,
		log:        slog.Default().With("component", "archive"),
	}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// EventRecord is the Parquet schema for an archived market event.
type EventRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
	Price     float64 `parquet:"price"`
	Size      float64 `parquet:"size"`
	Exchange  string  `parquet:"exchange"`
	ID        string  `parquet:"id"`
	Source    string  `parquet:"source"`
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Record buffers ev and flushes when the buffer is full.
func (a *EventArchive) Record(ctx context.Context, ev domain.MarketEvent) error {
	a.mu.Lock()
	k := archiveKey{symbol: ev.Symbol, date: ev.Timestamp.UTC().Format("2006-01-02")}
	a.pending[k] = append(a.pending[k], toRecord(ev))
	a.count++
	full := a.FlushEvery > 0 && a.count >= a.FlushEvery
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered event, merging with existing files.
func (a *EventArchive) Flush(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[archiveKey][]EventRecord)
	a.count = 0
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	events := 0
	for _, records := range pending {
		events += len(records)
	}
	for k, records := range pending {
		t, _ := time.Parse("2006-01-02", k.date)
		if err := a.writeRecords(k.symbol, t, records); err != nil {
			return err
		}
	}
	a.log.Debug("archive flushed", "files", len(pending), "events", events)
	return nil
}

// WriteEvents writes events directly, grouped by symbol and day.
func (a *EventArchive) WriteEvents(_ context.Context, events []domain.MarketEvent) error {
	groups := make(map[archiveKey][]EventRecord)
	for _, ev := range events {
		k := archiveKey{symbol: ev.Symbol, date: ev.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], toRecord(ev))
	}
	for k, records := range groups {
		t, _ := time.Parse("2006-01-02", k.date)
		if err := a.writeRecords(k.symbol, t, records); err != nil {
			return err
		}
	}
	return nil
}

func (a *EventArchive) writeRecords(symbol string, day time.Time, records []EventRecord) error {
	path := a.eventPath(symbol, day)
	existing, _ := readParquetFile[EventRecord](path)
	merged := mergeEventRecords(existing, records)
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing events for %s/%s: %w", symbol, day.Format("2006-01-02"), err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// ReadEvents returns the archived events of day for symbols (every archived
// symbol when empty), sorted by timestamp.
func (a *EventArchive) ReadEvents(_ context.Context, symbols []string, day time.Time) ([]domain.MarketEvent, error) {
	if len(symbols) == 0 {
		var err error
		symbols, err = a.ListSymbols()
		if err != nil {
			return nil, err
		}
	}

	var events []domain.MarketEvent
	for _, sym := range symbols {
		records, err := readParquetFile[EventRecord](a.eventPath(sym, day))
		if err != nil {
			// No file for this symbol and day.
			continue
		}
		for _, r := range records {
			events = append(events, fromRecord(r))
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// ListSymbols lists every symbol with archived events.
func (a *EventArchive) ListSymbols() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, "events"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// eventPath returns the filesystem path for an event Parquet file.
// Layout: <dataDir>/events/<SYMBOL>/<YYYY-MM-DD>.parquet
func (a *EventArchive) eventPath(symbol string, day time.Time) string {
	date := day.Format("2006-01-02")
	return filepath.Join(a.DataDir, "events", strings.ToUpper(symbol), date+".parquet")
}

func toRecord(ev domain.MarketEvent) EventRecord {
	return EventRecord{
		Symbol:    ev.Symbol,
		Timestamp: ev.Timestamp.UnixNano(),
		Price:     ev.Price,
		Size:      ev.Size,
		Exchange:  ev.Exchange,
		ID:        ev.ID,
		Source:    ev.Source,
	}
}

func fromRecord(r EventRecord) domain.MarketEvent {
	return domain.MarketEvent{
		Symbol:    r.Symbol,
		Timestamp: time.Unix(0, r.Timestamp).UTC(),
		Price:     r.Price,
		Size:      r.Size,
		Exchange:  r.Exchange,
		ID:        r.ID,
		Source:    r.Source,
	}
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeEventRecords deduplicates records by (timestamp, id, price, size),
// preferring incoming ones, and sorts by timestamp.
func mergeEventRecords(existing, incoming []EventRecord) []EventRecord {
	type key struct {
		ts    int64
		id    string
		price float64
		size  float64
	}
	seen := make(map[key]int, len(existing)+len(incoming))
	merged := make([]EventRecord, 0, len(existing)+len(incoming))
	for _, batch := range [][]EventRecord{existing, incoming} {
		for _, r := range batch {
			k := key{r.Timestamp, r.ID, r.Price, r.Size}
			if i, ok := seen[k]; ok {
				merged[i] = r
				continue
			}
			seen[k] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
