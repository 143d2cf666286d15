package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertPriceSampleSQL = `INSERT INTO price_samples (
        symbol,
        price,
        source,
        sampled_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (symbol, sampled_at) DO UPDATE
    SET price  = EXCLUDED.price,
        source = EXCLUDED.source
    RETURNING id, created_at;`

	listSamplesBetweenSQL = `SELECT
        id,
        symbol,
        price,
        source,
        sampled_at,
        created_at
    FROM price_samples
    WHERE symbol = $1
      AND sampled_at >= $2
      AND sampled_at < $3
    ORDER BY sampled_at;`

	listRecentSamplesSQL = `SELECT
        id,
        symbol,
        price,
        source,
        sampled_at,
        created_at
    FROM price_samples
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY sampled_at DESC
    LIMIT $2;`

	insertSystemAlertSQL = `INSERT INTO system_alerts (
        id,
        type,
        level,
        message,
        value,
        threshold,
        raised_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentSystemAlertsSQL = `SELECT
        id,
        type,
        level,
        message,
        value,
        threshold,
        raised_at,
        created_at
    FROM system_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteSystemAlertsBeforeSQL = `DELETE FROM system_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceSampleStore persists polled prices.
type PriceSampleStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) (PriceSample, error)
	ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, symbol string, limit int) ([]PriceSample, error)
}

// SystemAlertStore audits collector alerts.
type SystemAlertStore interface {
	InsertSystemAlert(ctx context.Context, alert SystemAlertRecord) error
	ListRecentSystemAlerts(ctx context.Context, limit int) ([]SystemAlertRecord, error)
	DeleteSystemAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price samples and system alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the bundled schema files in name order. Every statement is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	names, err := MigrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// MigrationNames lists the bundled schema files in apply order.
func MigrationNames() ([]string, error) {
	var names []string
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sql") {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
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
		// 释放失败时连接随 Release 归还，会话结束后锁自动释放
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPriceSample stores a sample, replacing the price of an existing
// (symbol, sampled_at) row.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) (PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceSample{}, err
	}
	if sample.Source == "" {
		sample.Source = "coingecko"
	}

	row := pool.QueryRow(ctx, insertPriceSampleSQL,
		sample.Symbol,
		sample.Price.String(),
		sample.Source,
		sample.SampledAt.UTC(),
	)
	if err := row.Scan(&sample.ID, &sample.CreatedAt); err != nil {
		return PriceSample{}, fmt.Errorf("insert price sample: %w", err)
	}
	return sample, nil
}

// ListSamplesBetween lists a symbol's samples in [from, to).
func (s *Store) ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows)
}

// ListRecentSamples lists the newest samples first. An empty symbol matches
// every symbol.
func (s *Store) ListRecentSamples(ctx context.Context, symbol string, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows)
}

// InsertSystemAlert records an alert once; repeats of the same id are ignored.
func (s *Store) InsertSystemAlert(ctx context.Context, alert SystemAlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertSystemAlertSQL,
		alert.ID,
		alert.Type,
		alert.Level,
		alert.Message,
		alert.Value,
		alert.Threshold,
		alert.RaisedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert system alert: %w", execErr)
	}
	return nil
}

// ListRecentSystemAlerts lists most recent system alerts.
func (s *Store) ListRecentSystemAlerts(ctx context.Context, limit int) ([]SystemAlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSystemAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent system alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]SystemAlertRecord, 0, limit)
	for rows.Next() {
		var rec SystemAlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.Level,
			&rec.Message,
			&rec.Value,
			&rec.Threshold,
			&rec.RaisedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteSystemAlertsBefore prunes the audit table.
func (s *Store) DeleteSystemAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSystemAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete system alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSamples(rows pgx.Rows) ([]PriceSample, error) {
	defer rows.Close()
	samples := make([]PriceSample, 0)
	for rows.Next() {
		sample, err := scanPriceSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		sample   PriceSample
		priceStr string
	)
	if err := rows.Scan(
		&sample.ID,
		&sample.Symbol,
		&priceStr,
		&sample.Source,
		&sample.SampledAt,
		&sample.CreatedAt,
	); err != nil {
		return PriceSample{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse price: %w", err)
	}
	sample.Price = price
	return sample, nil
}

var (
	_ PriceSampleStore = (*Store)(nil)
	_ SystemAlertStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
