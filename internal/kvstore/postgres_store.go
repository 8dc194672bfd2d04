package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Migrations holds the goose migrations for the Postgres backend.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that goose reads.
const MigrationsDir = "migrations"

// PostgresStore implements Store on a single kv_hashes table. Update runs in
// a SQL transaction and takes a transaction-scoped advisory lock on every key
// before touching it, so concurrent writers to the same key serialize and
// missing keys are locked too. Deadlocks and serialization failures are
// retried.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxRetries: DefaultMaxRetries}
}

// Migrate applies the embedded schema migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(Migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db, MigrationsDir); err != nil {
		return fmt.Errorf("migrate kv_hashes: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose TTL has passed. Expired rows are already
// invisible to reads; this only reclaims space.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_hashes WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) GetHash(ctx context.Context, key string) (map[string]string, error) {
	return readHash(ctx, p.db, key)
}

func (p *PostgresStore) SetHash(ctx context.Context, key string, fields map[string]string) error {
	return writeHash(ctx, p.db, key, fields)
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return expireHash(ctx, p.db, key, ttl)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	return runOptimistic(ctx, "postgres", p.maxRetries, func() (bool, error) {
		err := p.runTx(ctx, fn)
		if isRetryable(err) {
			return true, nil
		}
		return false, err
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Txn) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &pgTxn{ctx: ctx, tx: sqlTx, ws: newWriteSet(), locked: make(map[string]bool)}
	if err = fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}

	for _, o := range tx.ws.ops {
		if err = tx.lock(o.key); err != nil {
			return err
		}
		switch o.kind {
		case opSet:
			err = writeHash(ctx, sqlTx, o.key, o.fields)
		case opDelete:
			_, err = sqlTx.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = $1`, o.key)
		case opExpire:
			err = expireHash(ctx, sqlTx, o.key, o.ttl)
		}
		if err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readHash(ctx context.Context, q execQuerier, key string) (map[string]string, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT fields FROM kv_hashes
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return fields, nil
}

func writeHash(ctx context.Context, q execQuerier, key string, fields map[string]string) error {
	if len(fields) == 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = $1`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO kv_hashes (key, fields, expires_at, updated_at)
		VALUES ($1, $2, NULL, NOW())
		ON CONFLICT (key) DO UPDATE
		SET fields = EXCLUDED.fields, expires_at = NULL, updated_at = NOW()
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func expireHash(ctx context.Context, q execQuerier, key string, ttl time.Duration) error {
	_, err := q.ExecContext(ctx, `
		UPDATE kv_hashes
		SET expires_at = NOW() + ($2::double precision * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE key = $1
	`, key, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// isRetryable reports deadlock (40P01) and serialization (40001) failures.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40P01" || pqErr.Code == "40001"
}

type pgTxn struct {
	ctx    context.Context
	tx     *sql.Tx
	ws     *writeSet
	locked map[string]bool
	err    error
}

func (t *pgTxn) lock(key string) error {
	if t.locked[key] {
		return nil
	}
	if _, err := t.tx.ExecContext(t.ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	t.locked[key] = true
	return nil
}

func (t *pgTxn) GetHash(key string) (map[string]string, error) {
	if v, ok := t.ws.lookup(key); ok {
		return v, nil
	}
	if err := t.lock(key); err != nil {
		t.err = err
		return nil, err
	}
	fields, err := readHash(t.ctx, t.tx, key)
	if err != nil {
		t.err = err
	}
	return fields, err
}

func (t *pgTxn) SetHash(key string, fields map[string]string) { t.ws.set(key, fields) }
func (t *pgTxn) Delete(key string)                           { t.ws.del(key) }
func (t *pgTxn) Expire(key string, ttl time.Duration)        { t.ws.expire(key, ttl) }
