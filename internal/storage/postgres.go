package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"protocol-metrics/internal/model"
)

const (
	createSnapshotsSQL = `CREATE TABLE IF NOT EXISTS metric_snapshots (
        metric_name TEXT        NOT NULL,
        ts          TIMESTAMPTZ NOT NULL,
        value       NUMERIC     NULL,
        quality     TEXT        NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (metric_name, ts)
    );`

	upsertPointSQL = `INSERT INTO metric_snapshots (
        metric_name,
        ts,
        value,
        quality
    ) VALUES (
        $1,$2,$3::numeric,$4
    )
    ON CONFLICT (metric_name, ts) DO UPDATE
    SET
        value   = EXCLUDED.value,
        quality = EXCLUDED.quality;`

	listPointsBetweenSQL = `SELECT
        ts,
        value::text,
        quality
    FROM metric_snapshots
    WHERE metric_name = $1
      AND ts >= $2
      AND ts <= $3
    ORDER BY ts;`

	listRecentPointsSQL = `SELECT
        ts,
        value::text,
        quality
    FROM metric_snapshots
    WHERE metric_name = $1
    ORDER BY ts DESC
    LIMIT $2;`

	listMetricsSQL = `SELECT DISTINCT metric_name FROM metric_snapshots ORDER BY metric_name;`

	deletePointsBeforeSQL = `DELETE FROM metric_snapshots WHERE ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore keeps snapshots in a single table whose primary key (metric_name, ts)
// is the range-query index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the snapshots table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSnapshotsSQL); err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Append implements TimeSeriesStore.
func (s *PostgresStore) Append(ctx context.Context, metric string, p model.Point) error {
	if err := validatePoint(metric, p); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	pool, err := s.getPool()
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	if _, err := pool.Exec(ctx, upsertPointSQL, metric, pgTimestamp(p.Timestamp), pgValue(p), string(p.Quality)); err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	return nil
}

// Query implements TimeSeriesStore.
func (s *PostgresStore) Query(ctx context.Context, metric string, from, to time.Time, resolution time.Duration) (model.HistorySeries, error) {
	if from.After(to) {
		return model.HistorySeries{}, ErrInvalidRange
	}
	pool, err := s.getPool()
	if err != nil {
		return model.HistorySeries{}, &StorageError{Op: "query", Err: err}
	}

	rows, err := pool.Query(ctx, listPointsBetweenSQL, metric, pgTimestamp(from), pgTimestamp(to))
	if err != nil {
		return model.HistorySeries{}, &StorageError{Op: "query", Err: err}
	}
	points, err := collectPoints(rows)
	if err != nil {
		return model.HistorySeries{}, &StorageError{Op: "query", Err: err}
	}
	return newSeries(metric, from, to, resolution, points), nil
}

// Recent returns up to limit points, newest first.
func (s *PostgresStore) Recent(ctx context.Context, metric string, limit int) ([]model.Point, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	rows, err := pool.Query(ctx, listRecentPointsSQL, metric, limit)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	points, err := collectPoints(rows)
	if err != nil {
		return nil, &StorageError{Op: "recent", Err: err}
	}
	return points, nil
}

// Metrics lists metric names present in the table.
func (s *PostgresStore) Metrics(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, &StorageError{Op: "metrics", Err: err}
	}
	rows, err := pool.Query(ctx, listMetricsSQL)
	if err != nil {
		return nil, &StorageError{Op: "metrics", Err: err}
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &StorageError{Op: "metrics", Err: err}
	}
	return names, nil
}

// Prune deletes points older than olderThan.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}
	tag, err := pool.Exec(ctx, deletePointsBeforeSQL, pgTimestamp(olderThan))
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func collectPoints(rows pgx.Rows) ([]model.Point, error) {
	defer rows.Close()

	points := make([]model.Point, 0)
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func scanPoint(rows pgx.Rows) (model.Point, error) {
	var (
		ts      time.Time
		value   sql.NullString
		quality string
	)
	if err := rows.Scan(&ts, &value, &quality); err != nil {
		return model.Point{}, err
	}
	return pointFromRow(ts, value, quality)
}

// pgTimestamp truncates to the microsecond precision of TIMESTAMPTZ so a point
// appended and read back keeps an identical timestamp.
func pgTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func pgValue(p model.Point) any {
	if !p.Value.Valid {
		return nil
	}
	return p.Value.Decimal.String()
}

func pointFromRow(ts time.Time, value sql.NullString, quality string) (model.Point, error) {
	p := model.Point{Timestamp: ts.UTC(), Quality: model.Quality(quality)}
	if value.Valid {
		parsed, err := decimal.NewFromString(value.String)
		if err != nil {
			return model.Point{}, fmt.Errorf("parse value: %w", err)
		}
		p.Value = decimal.NewNullDecimal(parsed)
	}
	return p, nil
}

var (
	_ TimeSeriesStore = (*PostgresStore)(nil)
	_ AdvisoryLocker  = (*PostgresStore)(nil)
)
