package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/poiesic/fanout/storage"
)

// Option configures an AnalyticsRepository.
type Option func(*AnalyticsRepository)

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *AnalyticsRepository) {
		r.logger = logger
	}
}

// WithAutoCreate controls whether tables are created on first insert.
func WithAutoCreate(enabled bool) Option {
	return func(r *AnalyticsRepository) {
		r.autoCreate = enabled
	}
}

// WithMaxConns caps the pool size when the repository opens its own pool.
func WithMaxConns(n int32) Option {
	return func(r *AnalyticsRepository) {
		r.maxConns = n
	}
}

// AnalyticsRepository implements storage.AnalyticsRepository on PostgreSQL.
type AnalyticsRepository struct {
	pool       *pgxpool.Pool
	ownsPool   bool
	logger     *slog.Logger
	autoCreate bool
	maxConns   int32

	created sync.Map // table name -> struct{}
}

var _ storage.AnalyticsRepository = (*AnalyticsRepository)(nil)

// NewAnalyticsRepository opens a pool for dsn and returns a repository that
// closes it on Close.
func NewAnalyticsRepository(ctx context.Context, dsn string, opts ...Option) (storage.AnalyticsRepository, error) {
	r := newRepository(nil, opts...)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if r.maxConns > 0 {
		poolConfig.MaxConns = r.maxConns
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	r.pool = pool
	r.ownsPool = true
	return r, nil
}

// NewAnalyticsRepositoryFromPool wraps an existing pool. Close leaves the pool open.
func NewAnalyticsRepositoryFromPool(pool *pgxpool.Pool, opts ...Option) storage.AnalyticsRepository {
	return newRepository(pool, opts...)
}

func newRepository(pool *pgxpool.Pool, opts ...Option) *AnalyticsRepository {
	r := &AnalyticsRepository{
		pool:       pool,
		logger:     slog.Default(),
		autoCreate: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "postgres-analytics")
	return r
}

// Close closes the pool if the repository opened it.
func (r *AnalyticsRepository) Close() error {
	if r.ownsPool {
		r.pool.Close()
	}
	return nil
}

// EnsureTable creates table if it does not exist.
func (r *AnalyticsRepository) EnsureTable(ctx context.Context, table string) error {
	ident, err := tableIdent(table)
	if err != nil {
		return err
	}
	if _, ok := r.created.Load(table); ok {
		return nil
	}
	if _, err := r.pool.Exec(ctx, createTableSQL(ident)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	r.created.Store(table, struct{}{})
	return nil
}

// InsertRows appends rows in one batch. Each row's result is checked
// separately; once a statement fails PostgreSQL aborts the rest of the
// batch, so those rows are reported too.
func (r *AnalyticsRepository) InsertRows(ctx context.Context, table string, rows []storage.Row) []error {
	if len(rows) == 0 {
		return nil
	}
	ident, err := tableIdent(table)
	if err != nil {
		return failAll(rows, err)
	}
	if r.autoCreate {
		if err := r.EnsureTable(ctx, table); err != nil {
			return failAll(rows, err)
		}
	}

	var errs []error
	batch := &pgx.Batch{}
	queued := make([]int, 0, len(rows))
	now := time.Now().UTC()
	insert := insertSQL(ident)
	for i, row := range rows {
		key, ingestedAt, data, err := encodeRow(row, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		batch.Queue(insert, key, ingestedAt, data)
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return errs
	}

	results := r.pool.SendBatch(ctx, batch)
	for _, i := range queued {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
		}
	}
	if err := results.Close(); err != nil && len(errs) == 0 {
		return failAll(rows, err)
	}
	if len(errs) > 0 {
		r.logger.Warn("rows failed to insert", "table", table, "failed", len(errs), "total", len(rows))
	}
	return errs
}

// ScanRows streams table rows in insertion order.
func (r *AnalyticsRepository) ScanRows(ctx context.Context, table string, fn func(storage.Row) error) error {
	ident, err := tableIdent(table)
	if err != nil {
		return err
	}
	rows, err := r.pool.Query(ctx, "SELECT data FROM "+ident+" ORDER BY id")
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var row storage.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountRows returns the number of rows in table.
func (r *AnalyticsRepository) CountRows(ctx context.Context, table string) (int64, error) {
	ident, err := tableIdent(table)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func tableIdent(table string) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidTable, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

func createTableSQL(ident string) string {
	return "CREATE TABLE IF NOT EXISTS " + ident + ` (
	id          BIGSERIAL PRIMARY KEY,
	row_key     TEXT,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	data        JSONB NOT NULL
)`
}

func insertSQL(ident string) string {
	return "INSERT INTO " + ident + " (row_key, ingested_at, data) VALUES ($1, $2, $3)"
}

// encodeRow stamps ingested_at when missing and returns the column values.
func encodeRow(row storage.Row, now time.Time) (*string, time.Time, []byte, error) {
	stamped := make(storage.Row, len(row)+1)
	for k, v := range row {
		stamped[k] = v
	}
	ingestedAt, ok := stamped.IngestedAt()
	if !ok {
		ingestedAt = now
		stamped[storage.ColumnIngestedAt] = now.Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(stamped)
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	var key *string
	if k := stamped.Key(); k != "" {
		key = &k
	}
	return key, ingestedAt, data, nil
}

func failAll(rows []storage.Row, err error) []error {
	errs := make([]error, len(rows))
	for i := range rows {
		errs[i] = fmt.Errorf("row %d: %w", i, err)
	}
	return errs
}
