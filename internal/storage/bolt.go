package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"protocol-metrics/internal/model"
)

var rootBucket = []byte("metric_snapshots")

// BoltOptions configure the embedded store.
type BoltOptions struct {
	Path           string
	OpenTimeout    time.Duration
	ReopenAttempts int
	ReopenMin      time.Duration
	ReopenMax      time.Duration
}

// BoltStore keeps one bucket per metric, keyed by big-endian unix nanoseconds, so a
// cursor walks a metric's points in timestamp order. Writers go through DB.Batch and
// readers use read-only transactions that see a consistent snapshot.
type BoltStore struct {
	opts   BoltOptions
	logger zerolog.Logger

	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

type boltRecord struct {
	V *string       `json:"v"`
	Q model.Quality `json:"q"`
}

// OpenBolt opens (or creates) the database file.
func OpenBolt(opts BoltOptions, logger zerolog.Logger) (*BoltStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("storage.path is required")
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}
	if opts.ReopenAttempts <= 0 {
		opts.ReopenAttempts = 5
	}
	if opts.ReopenMin <= 0 {
		opts.ReopenMin = 100 * time.Millisecond
	}
	if opts.ReopenMax <= 0 {
		opts.ReopenMax = 5 * time.Second
	}

	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	s := &BoltStore{
		opts:   opts,
		logger: logger.With().Str("component", "bolt_store").Str("path", opts.Path).Logger(),
	}
	db, err := s.open()
	if errors.Is(err, bolt.ErrTimeout) {
		err = fmt.Errorf("%w after %s; stop the running daemon or use the postgres driver", ErrLocked, opts.OpenTimeout)
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	s.db = db
	return s, nil
}

func (s *BoltStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.opts.Path, 0o600, &bolt.Options{Timeout: s.opts.OpenTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *BoltStore) handle() *bolt.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// reopen replaces a broken handle, retrying with backoff.
func (s *BoltStore) reopen(ctx context.Context, broken *bolt.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != broken && s.db != nil {
		return nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	b := &backoff.Backoff{Min: s.opts.ReopenMin, Max: s.opts.ReopenMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= s.opts.ReopenAttempts; attempt++ {
		db, err := s.open()
		if err == nil {
			s.db = db
			s.logger.Warn().Int("attempt", attempt).Msg("storage handle reopened")
			return nil
		}
		lastErr = err
		wait := b.Duration()
		s.logger.Error().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reopen failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("reopen after %d attempts: %w", s.opts.ReopenAttempts, lastErr)
}

// withDB runs fn against the current handle, reopening once if the handle was closed.
func (s *BoltStore) withDB(ctx context.Context, op string, fn func(db *bolt.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return &StorageError{Op: op, Err: ErrNotConfigured}
	}

	db := s.handle()
	var err error
	if db == nil {
		err = bolt.ErrDatabaseNotOpen
	} else {
		err = fn(db)
	}

	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		if rerr := s.reopen(ctx, db); rerr != nil {
			return &StorageError{Op: op, Err: rerr}
		}
		err = fn(s.handle())
	}
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

var (
	minKeyTime = time.Unix(0, 0)
	maxKeyTime = time.Unix(0, math.MaxInt64)
)

// encodeKey clamps t to the range representable as non-negative unix nanoseconds.
func encodeKey(t time.Time) []byte {
	key := make([]byte, 8)
	switch {
	case t.Before(minKeyTime):
		return key
	case t.After(maxKeyTime):
		binary.BigEndian.PutUint64(key, uint64(math.MaxInt64))
	default:
		binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	}
	return key
}

func decodeKey(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k))).UTC()
}

func decodePoint(k, v []byte) (model.Point, error) {
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return model.Point{}, fmt.Errorf("decode point: %w", err)
	}
	p := model.Point{Timestamp: decodeKey(k), Quality: rec.Q}
	if rec.V != nil {
		value, err := decimal.NewFromString(*rec.V)
		if err != nil {
			return model.Point{}, fmt.Errorf("decode value: %w", err)
		}
		p.Value = decimal.NewNullDecimal(value)
	}
	return p, nil
}

// Append implements TimeSeriesStore.
func (s *BoltStore) Append(ctx context.Context, metric string, p model.Point) error {
	if err := validatePoint(metric, p); err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	rec := boltRecord{Q: p.Quality}
	if p.Value.Valid {
		v := p.Value.Decimal.String()
		rec.V = &v
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	key := encodeKey(p.Timestamp)

	return s.withDB(ctx, "append", func(db *bolt.DB) error {
		return db.Batch(func(tx *bolt.Tx) error {
			b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(metric))
			if err != nil {
				return err
			}
			return b.Put(key, payload)
		})
	})
}

// Query implements TimeSeriesStore. The window [from, to] is inclusive on both ends.
func (s *BoltStore) Query(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (model.HistorySeries, error) {
	if from.After(to) {
		return model.HistorySeries{}, ErrInvalidRange
	}

	rows := make([]model.Point, 0)
	err := s.withDB(ctx, "query", func(db *bolt.DB) error {
		rows = rows[:0]
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(rootBucket).Bucket([]byte(metric))
			if b == nil {
				return nil
			}
			end := encodeKey(to)
			c := b.Cursor()
			for k, v := c.Seek(encodeKey(from)); k != nil && bytes.Compare(k, end) <= 0; k, v = c.Next() {
				p, err := decodePoint(k, v)
				if err != nil {
					return err
				}
				rows = append(rows, p)
			}
			return nil
		})
	})
	if err != nil {
		return model.HistorySeries{}, err
	}
	return newSeries(metric, from, to, resolution, rows), nil
}

// Recent returns up to limit points, newest first.
func (s *BoltStore) Recent(ctx context.Context, metric string, limit int) ([]model.Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]model.Point, 0, limit)
	err := s.withDB(ctx, "recent", func(db *bolt.DB) error {
		out = out[:0]
		return db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(rootBucket).Bucket([]byte(metric))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
				p, err := decodePoint(k, v)
				if err != nil {
					return err
				}
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics lists every metric with stored points.
func (s *BoltStore) Metrics(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withDB(ctx, "metrics", func(db *bolt.DB) error {
		names = names[:0]
		return db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(rootBucket).ForEachBucket(func(k []byte) error {
				names = append(names, string(k))
				return nil
			})
		})
	})
	return names, err
}

// Prune deletes every point strictly older than olderThan, oldest first.
func (s *BoltStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := encodeKey(olderThan)
	removed := 0
	err := s.withDB(ctx, "prune", func(db *bolt.DB) error {
		removed = 0
		return db.Update(func(tx *bolt.Tx) error {
			root := tx.Bucket(rootBucket)
			return root.ForEachBucket(func(name []byte) error {
				b := root.Bucket(name)
				var stale [][]byte
				c := b.Cursor()
				for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
					stale = append(stale, append([]byte(nil), k...))
				}
				for _, k := range stale {
					if err := b.Delete(k); err != nil {
						return err
					}
				}
				removed += len(stale)
				return nil
			})
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Ping verifies the handle is usable.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.withDB(ctx, "ping", func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(rootBucket) == nil {
				return errors.New("root bucket missing")
			}
			return nil
		})
	})
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ TimeSeriesStore = (*BoltStore)(nil)
