// Package ledger implements the double-entry bookkeeping core: the chart of
// accounts, balanced transactions with splits and tags, persisted matching
// rules and import dedup records, all backed by a shared relational store.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "pgx"

	// maxRetries bounds the retry-on-conflict discipline so a persistently
	// locked store surfaces an error instead of livelocking.
	maxRetries = 3
)

// Store is the shared relational store behind all ledger operations. It is
// safe for concurrent use; every create and get-or-create executes inside a
// database transaction.
type Store struct {
	db     *sql.DB
	driver string
	log    zerolog.Logger

	hookMu      sync.RWMutex
	createHooks []CommitHook
	deleteHooks []CommitHook
}

// Open connects to the store identified by dsn. A postgres:// or
// postgresql:// DSN selects the pgx driver; anything else is treated as a
// SQLite database path.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	driver := driverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = driverPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, storeErr("open database", err)
	}
	if driver == driverSQLite {
		// SQLite serializes writers anyway; a single connection also keeps
		// in-memory databases coherent across the pool.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storeErr("ping database", err)
	}

	return &Store{db: db, driver: driver, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		owner_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id),
		name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		parent_id TEXT REFERENCES accounts(id),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		UNIQUE (ledger_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL REFERENCES ledgers(id),
		tx_date TEXT NOT NULL,
		description TEXT NOT NULL,
		necessary BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS splits (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_tags (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		tag_id TEXT NOT NULL REFERENCES tags(id),
		PRIMARY KEY (transaction_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		matcher TEXT NOT NULL,
		matcher_type TEXT NOT NULL,
		category TEXT NOT NULL,
		necessary BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS import_records (
		id TEXT PRIMARY KEY,
		file_hash TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL DEFAULT '',
		imported_count INTEGER NOT NULL DEFAULT 0,
		meta TEXT NOT NULL DEFAULT '{}',
		imported_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_ledger_date ON transactions (ledger_id, tx_date)`,
	`CREATE INDEX IF NOT EXISTS idx_splits_transaction ON splits (transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_splits_account ON splits (account_id)`,
}

// Migrate creates the schema, including the uniqueness constraints the
// get-or-create retry discipline relies on. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeErr("migrate schema", err)
		}
	}
	return nil
}

// EnsureLedger returns the ledger for ownerKey, creating it on first use.
func (s *Store) EnsureLedger(ctx context.Context, ownerKey string) (*Ledger, error) {
	if strings.TrimSpace(ownerKey) == "" {
		return nil, validationf("ledger owner key must not be empty")
	}

	var out *Ledger
	err := s.withRetry(ctx, "ensure ledger", func() error {
		l, err := s.getLedgerByOwner(ctx, ownerKey)
		if err == nil {
			out = l
			return nil
		}
		if !IsNotFound(err) {
			return err
		}

		created := &Ledger{
			ID:        uuid.New().String(),
			OwnerKey:  ownerKey,
			CreatedAt: time.Now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO ledgers (id, owner_key, created_at) VALUES (?, ?, ?)`),
			created.ID, created.OwnerKey, created.CreatedAt.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				// Another caller created it between our read and write.
				out, err = s.getLedgerByOwner(ctx, ownerKey)
				return err
			}
			return storeErr("insert ledger", err)
		}
		out = created
		return nil
	})
	return out, err
}

// GetLedger returns a ledger by id.
func (s *Store) GetLedger(ctx context.Context, id string) (*Ledger, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, owner_key, created_at FROM ledgers WHERE id = ?`), id)
	return scanLedger(row, id)
}

func (s *Store) getLedgerByOwner(ctx context.Context, ownerKey string) (*Ledger, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, owner_key, created_at FROM ledgers WHERE owner_key = ?`), ownerKey)
	return scanLedger(row, ownerKey)
}

func scanLedger(row *sql.Row, ref string) (*Ledger, error) {
	var l Ledger
	var createdAt string
	if err := row.Scan(&l.ID, &l.OwnerKey, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "ledger", Ref: ref}
		}
		return nil, storeErr("scan ledger", err)
	}
	l.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &l, nil
}

// rebind converts ?-style placeholders to the $n form Postgres expects.
// Queries are written once with ? and rebound per driver.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a database transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// withRetry re-runs fn on transient store contention, with linear backoff.
// Validation, not-found and conflict errors pass through untouched.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxRetries-1 {
			break
		}
		s.log.Debug().Str("op", op).Int("attempt", attempt+1).Err(err).Msg("retrying after store contention")
		select {
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return storeErr(op, ctx.Err())
		}
	}
	return storeErr(op, fmt.Errorf("gave up after %d attempts: %w", maxRetries, err))
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure
// from either backing driver. Get-or-create paths resolve these by
// re-fetching the now-existing row instead of failing the caller.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isRetryable reports transient contention: serialization failures and lock
// timeouts on Postgres, busy/locked on SQLite.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "55P03"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}
