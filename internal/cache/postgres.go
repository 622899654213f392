package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const entriesTable = "cache_entries"

// PgxIface is the subset of *pgxpool.Pool the remote backend uses.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ExpiredEntry identifies a row whose TTL has passed.
type ExpiredEntry struct {
	ID        int64
	CacheKey  string
	CacheType Domain
}

// PostgresBackend is the remote store: a single cache_entries table keyed by
// (cache_key, cache_type), indexed on city_id and expires_at.
type PostgresBackend struct {
	pool   PgxIface
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewPostgresBackend wraps an open pool. Pools from OpenPostgres are already migrated.
func NewPostgresBackend(pool PgxIface, clock clockwork.Clock, logger *zap.Logger) *PostgresBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{pool: pool, clock: clock, logger: logger}
}

// OpenPostgres connects to databaseURL and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres cache: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cache: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// MigratePostgres applies the embedded goose migrations.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres cache: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres cache: migrate: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	query, args, err := psql.Select("data", "expires_at").
		From(entriesTable).
		Where(sq.Eq{"cache_key": key.String(), "cache_type": string(key.Domain)}).
		ToSql()
	if err != nil {
		return nil, false, err
	}

	var data []byte
	var expiresAt int64
	err = p.pool.QueryRow(ctx, query, args...).Scan(&data, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres cache get %s: %w", key, err)
	}
	if expired(time.UnixMilli(expiresAt), p.clock.Now()) {
		return nil, false, nil
	}
	return data, true, nil
}

func (p *PostgresBackend) Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error {
	now := p.clock.Now()
	query, args, err := psql.Insert(entriesTable).
		Columns("cache_key", "cache_type", "city_id", "data", "metadata", "expires_at", "created_at").
		Values(key.String(), string(key.Domain), key.CityID, string(data), encodeMetadata(metadata), now.Add(ttl).UnixMilli(), now.UnixMilli()).
		Suffix("ON CONFLICT (cache_key, cache_type) DO UPDATE SET " +
			"data = EXCLUDED.data, metadata = EXCLUDED.metadata, " +
			"city_id = EXCLUDED.city_id, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres cache set %s: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Invalidate(ctx context.Context, key Key) error {
	return p.delete(ctx, sq.Eq{"cache_key": key.String(), "cache_type": string(key.Domain)})
}

func (p *PostgresBackend) InvalidateCity(ctx context.Context, cityID string) error {
	return p.delete(ctx, sq.Eq{"city_id": cityID})
}

func (p *PostgresBackend) delete(ctx context.Context, where sq.Eq) error {
	query, args, err := psql.Delete(entriesTable).Where(where).ToSql()
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres cache delete: %w", err)
	}
	return nil
}

// GetExpired lists rows expired at now, oldest id first. limit 0 means no limit.
func (p *PostgresBackend) GetExpired(ctx context.Context, now time.Time, limit uint64) ([]ExpiredEntry, error) {
	b := psql.Select("id", "cache_key", "cache_type").
		From(entriesTable).
		Where(sq.Lt{"expires_at": now.UnixMilli()}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres cache get expired: %w", err)
	}
	defer rows.Close()

	var out []ExpiredEntry
	for rows.Next() {
		var e ExpiredEntry
		var cacheType string
		if err := rows.Scan(&e.ID, &e.CacheKey, &cacheType); err != nil {
			return nil, fmt.Errorf("postgres cache scan expired: %w", err)
		}
		e.CacheType = Domain(cacheType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntry removes one row by id.
func (p *PostgresBackend) DeleteEntry(ctx context.Context, id int64) error {
	return p.delete(ctx, sq.Eq{"id": id})
}

// ClearExpired removes every expired row via GetExpired and DeleteEntry. It is
// meant to run out-of-band (Sweeper or cmd/sweep), never on the read path.
func (p *PostgresBackend) ClearExpired(ctx context.Context) (int, error) {
	entries, err := p.GetExpired(ctx, p.clock.Now(), 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := p.DeleteEntry(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Debug("postgres cache cleared expired entries", zap.Int("count", n))
	}
	return n, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
