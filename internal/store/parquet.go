package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"brokerlink/internal/domain"
)

// CandleArchive mirrors ingested candles into Parquet files on disk so that
// history survives database pruning and can be read by offline tooling.
// Writes to the same file are serialized.
type CandleArchive struct {
	DataDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCandleArchive creates a new CandleArchive rooted at the given directory.
func NewCandleArchive(dataDir string) *CandleArchive {
	return &CandleArchive{DataDir: dataDir, locks: make(map[string]*sync.Mutex)}
}

// lock takes the per-file write lock and returns its release.
func (a *CandleArchive) lock(path string) func() {
	a.mu.Lock()
	l, ok := a.locks[path]
	if !ok {
		l = &sync.Mutex{}
		a.locks[path] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CandleRecord is the Parquet schema for archived candles.
type CandleRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// Write merges candles into per (instrument, timeframe, year) files at:
//
//	<DataDir>/<timeframe>/<INSTRUMENT>/<YYYY>.parquet
//
// Existing bars with the same timestamp are replaced, so rewriting the same
// candles leaves the archive unchanged.
func (a *CandleArchive) Write(_ context.Context, candles []domain.Candle) error {
	type key struct {
		instrument string
		tf         domain.Timeframe
		year       int
	}
	groups := make(map[key][]CandleRecord)
	for _, c := range candles {
		k := key{instrument: c.InstrumentID, tf: c.Timeframe, year: c.Time.UTC().Year()}
		groups[k] = append(groups[k], CandleRecord{
			Timestamp: c.Time.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}

	for k, records := range groups {
		path, err := a.path(k.instrument, k.tf, k.year)
		if err != nil {
			return err
		}
		if err := a.merge(path, records); err != nil {
			return fmt.Errorf("archiving candles for %s/%s/%d: %w", k.instrument, k.tf, k.year, err)
		}
	}
	return nil
}

func (a *CandleArchive) merge(path string, records []CandleRecord) error {
	unlock := a.lock(path)
	defer unlock()

	existing, err := readParquetFile[CandleRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading archive %s: %w", path, err)
	}
	return writeParquetFile(path, mergeCandleRecords(existing, records))
}

// Read returns archived candles within [from, to], ascending.
func (a *CandleArchive) Read(_ context.Context, instrumentID string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	for year := from.UTC().Year(); year <= to.UTC().Year(); year++ {
		path, err := a.path(instrumentID, tf, year)
		if err != nil {
			return nil, err
		}
		records, err := readParquetFile[CandleRecord](path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(from) || ts.After(to) {
				continue
			}
			out = append(out, domain.Candle{
				InstrumentID: instrumentID,
				Timeframe:    tf,
				Time:         ts,
				Open:         r.Open,
				High:         r.High,
				Low:          r.Low,
				Close:        r.Close,
				Volume:       r.Volume,
			})
		}
	}
	return out, nil
}

var segmentReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// path returns the archive file for an instrument, timeframe and year.
// Instrument ids such as "NSE:INFY" are made filesystem safe and the result
// never leaves DataDir.
func (a *CandleArchive) path(instrumentID string, tf domain.Timeframe, year int) (string, error) {
	dir, err := pathSegment(strings.ToUpper(instrumentID))
	if err != nil {
		return "", err
	}
	tfDir, err := pathSegment(string(tf))
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.DataDir, tfDir, dir, fmt.Sprintf("%d.parquet", year))
	rel, err := filepath.Rel(a.DataDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: archive path escapes data dir: %q", domain.ErrValidation, instrumentID)
	}
	return path, nil
}

func pathSegment(s string) (string, error) {
	s = segmentReplacer.Replace(s)
	if s == "" || s == "." || s == ".." {
		return "", fmt.Errorf("%w: invalid archive path segment %q", domain.ErrValidation, s)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := parquet.Write(f, records); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeCandleRecords deduplicates records by timestamp, preferring incoming
// records over existing ones. The result is sorted ascending.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	seen := make(map[int64]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
