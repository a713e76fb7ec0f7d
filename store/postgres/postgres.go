/*
Package postgres provides the production implementation of server.Store.

PURPOSE:
  Authoritative accounts and the append-only record log on PostgreSQL.
  WithTx maps to a database transaction; inside it, Account() takes the
  row with SELECT ... FOR UPDATE so two concurrent batches from the same
  sender serialize on the balance they are about to mutate.

KEY TABLES:
  accounts: owner_id, handle (directory lookup), balance, last_synced_at
  records:  UNIQUE(entry_id) is the idempotency barrier; rows only ever
            change through the processor's supersede path

AMOUNTS:
  NUMERIC(20,2), scanned through decimal strings. Never floats.

SEE ALSO:
  - server/store.go: interface and locking contract
  - server/store/memory.go: in-memory implementation for testing
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
)

const pqUniqueViolation = "23505"

// Store implements server.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		owner_id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		balance NUMERIC(20,2) NOT NULL DEFAULT 0,
		last_synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_handle
		ON accounts(lower(handle));

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES accounts(owner_id),
		counterparty_id TEXT,
		amount NUMERIC(20,2) NOT NULL,
		kind TEXT NOT NULL,
		memo TEXT,
		signature TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- CRITICAL: the idempotency barrier. One entry_id, one record, ever.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_entry_id
		ON records(entry_id);

	-- Down-sync scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_records_owner_created
		ON records(owner_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERY PLUMBING - shared between *sql.DB and *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE METHODS (outside a transaction)
// =============================================================================

func (s *Store) Account(ctx context.Context, owner ledger.OwnerID) (*server.AccountRecord, error) {
	return account(ctx, s.db, owner, false)
}

func (s *Store) CreateAccount(ctx context.Context, a server.AccountRecord) error {
	return createAccount(ctx, s.db, a)
}

func (s *Store) SaveAccount(ctx context.Context, a server.AccountRecord) error {
	return saveAccount(ctx, s.db, a)
}

func (s *Store) RecordExists(ctx context.Context, id ledger.EntryID) (bool, error) {
	return recordExists(ctx, s.db, id)
}

func (s *Store) Record(ctx context.Context, id ledger.EntryID) (*server.LedgerRecord, error) {
	return record(ctx, s.db, id)
}

func (s *Store) InsertRecord(ctx context.Context, r server.LedgerRecord) error {
	return insertRecord(ctx, s.db, r)
}

func (s *Store) UpdateRecord(ctx context.Context, r server.LedgerRecord) error {
	return updateRecord(ctx, s.db, r)
}

func (s *Store) RecentRecords(ctx context.Context, owner ledger.OwnerID, limit int) ([]server.LedgerRecord, error) {
	return recentRecords(ctx, s.db, owner, limit)
}

func (s *Store) ResolveCounterparty(ctx context.Context, identifier string) (ledger.OwnerID, error) {
	return resolveCounterparty(ctx, s.db, identifier)
}

// WithTx executes fn within one database transaction. Account lookups
// inside fn take row locks.
func (s *Store) WithTx(ctx context.Context, fn func(server.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// TX STORE (inside a transaction)
// =============================================================================

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Account(ctx context.Context, owner ledger.OwnerID) (*server.AccountRecord, error) {
	return account(ctx, t.tx, owner, true)
}

func (t *txStore) CreateAccount(ctx context.Context, a server.AccountRecord) error {
	return createAccount(ctx, t.tx, a)
}

func (t *txStore) SaveAccount(ctx context.Context, a server.AccountRecord) error {
	return saveAccount(ctx, t.tx, a)
}

func (t *txStore) RecordExists(ctx context.Context, id ledger.EntryID) (bool, error) {
	return recordExists(ctx, t.tx, id)
}

func (t *txStore) Record(ctx context.Context, id ledger.EntryID) (*server.LedgerRecord, error) {
	return record(ctx, t.tx, id)
}

func (t *txStore) InsertRecord(ctx context.Context, r server.LedgerRecord) error {
	return insertRecord(ctx, t.tx, r)
}

func (t *txStore) UpdateRecord(ctx context.Context, r server.LedgerRecord) error {
	return updateRecord(ctx, t.tx, r)
}

func (t *txStore) RecentRecords(ctx context.Context, owner ledger.OwnerID, limit int) ([]server.LedgerRecord, error) {
	return recentRecords(ctx, t.tx, owner, limit)
}

func (t *txStore) ResolveCounterparty(ctx context.Context, identifier string) (ledger.OwnerID, error) {
	return resolveCounterparty(ctx, t.tx, identifier)
}

// WithTx inside a transaction just runs fn; nesting stays in the same
// atomic unit.
func (t *txStore) WithTx(ctx context.Context, fn func(server.Store) error) error {
	return fn(t)
}

// =============================================================================
// SHARED IMPLEMENTATIONS
// =============================================================================

func account(ctx context.Context, q queryer, owner ledger.OwnerID, forUpdate bool) (*server.AccountRecord, error) {
	query := `SELECT owner_id, handle, balance, last_synced_at FROM accounts WHERE owner_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		a          server.AccountRecord
		balance    string
		lastSynced time.Time
	)
	err := q.QueryRowContext(ctx, query, string(owner)).Scan(&a.OwnerID, &a.Handle, &balance, &lastSynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("account %s: bad balance %q", owner, balance)
	}
	a.LastSyncedAt = lastSynced.UTC()
	return &a, nil
}

func createAccount(ctx context.Context, q queryer, a server.AccountRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (owner_id, handle, balance, last_synced_at) VALUES ($1, $2, $3, $4)`,
		string(a.OwnerID), a.Handle, a.Balance.StringFixed(2), a.LastSyncedAt.UTC(),
	)
	return err
}

func saveAccount(ctx context.Context, q queryer, a server.AccountRecord) error {
	_, err := q.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, last_synced_at = $3 WHERE owner_id = $1`,
		string(a.OwnerID), a.Balance.StringFixed(2), a.LastSyncedAt.UTC(),
	)
	return err
}

func recordExists(ctx context.Context, q queryer, id ledger.EntryID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE entry_id = $1`, string(id),
	).Scan(&count)
	return count > 0, err
}

func record(ctx context.Context, q queryer, id ledger.EntryID) (*server.LedgerRecord, error) {
	var (
		r            server.LedgerRecord
		counterparty sql.NullString
		amount       string
		memo         sql.NullString
		signature    sql.NullString
		createdAt    time.Time
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, entry_id, owner_id, counterparty_id, amount, kind, memo, signature, status, created_at
		 FROM records WHERE entry_id = $1`,
		string(id),
	).Scan(&r.ID, &r.EntryID, &r.OwnerID, &counterparty, &amount,
		&r.Kind, &memo, &signature, &r.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CounterpartyID = ledger.OwnerID(counterparty.String)
	r.Memo = memo.String
	r.Signature = signature.String
	r.CreatedAt = createdAt.UTC()
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("record %s: bad amount %q", r.ID, amount)
	}
	return &r, nil
}

func insertRecord(ctx context.Context, q queryer, r server.LedgerRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO records
		 (id, entry_id, owner_id, counterparty_id, amount, kind, memo, signature, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, string(r.EntryID), string(r.OwnerID), string(r.CounterpartyID),
		r.Amount.StringFixed(2), string(r.Kind), r.Memo, r.Signature, r.Status,
		r.CreatedAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("record %s: %w", r.EntryID, ledger.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func updateRecord(ctx context.Context, q queryer, r server.LedgerRecord) error {
	res, err := q.ExecContext(ctx,
		`UPDATE records
		 SET amount = $2, memo = $3, signature = $4, created_at = $5
		 WHERE entry_id = $1`,
		string(r.EntryID), r.Amount.StringFixed(2), r.Memo, r.Signature, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", r.EntryID, ledger.ErrEntryNotFound)
	}
	return nil
}

func recentRecords(ctx context.Context, q queryer, owner ledger.OwnerID, limit int) ([]server.LedgerRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, entry_id, owner_id, counterparty_id, amount, kind, memo, signature, status, created_at
		 FROM records WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		string(owner), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []server.LedgerRecord
	for rows.Next() {
		var (
			r            server.LedgerRecord
			counterparty sql.NullString
			amount       string
			memo         sql.NullString
			signature    sql.NullString
			createdAt    time.Time
		)
		if err := rows.Scan(&r.ID, &r.EntryID, &r.OwnerID, &counterparty, &amount,
			&r.Kind, &memo, &signature, &r.Status, &createdAt); err != nil {
			return nil, err
		}
		r.CounterpartyID = ledger.OwnerID(counterparty.String)
		r.Memo = memo.String
		r.Signature = signature.String
		r.CreatedAt = createdAt.UTC()
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("record %s: bad amount %q", r.ID, amount)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func resolveCounterparty(ctx context.Context, q queryer, identifier string) (ledger.OwnerID, error) {
	var owner string
	err := q.QueryRowContext(ctx,
		`SELECT owner_id FROM accounts WHERE lower(handle) = lower($1) OR owner_id = $1 LIMIT 1`,
		identifier,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ledger.ErrCounterpartyNotFound
	}
	if err != nil {
		return "", err
	}
	return ledger.OwnerID(owner), nil
}
