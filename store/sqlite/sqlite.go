/*
Package sqlite provides the durable device-local implementation of
ledger.Store.

PURPOSE:
  The device database. An entry recorded here survives process restarts
  and offline periods; Append does not return until the row is on disk.

KEY TABLES:
  entries:       The local entry log. Internal INTEGER row id preserves
                 append order; a UNIQUE index on entry_id enforces the
                 idempotency token.
  wallet_states: One row per owner with the confirmed and projected
                 balances.

APPEND-ONLY DISCIPLINE:
  Entry identity and money fields never change after Append. The only
  UPDATEs touch the sync lifecycle columns (sync_state, retry_count,
  last_attempt_at_ms, failure_reason, conflict_json) plus the Upsert
  path used by down-sync adoption and conflict resolution.

AMOUNTS:
  Stored as decimal strings, never REAL.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  journal := ledger.NewJournal(store, signer)

SEE ALSO:
  - ledger/store.go: interface definition
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/ledger"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the device database at dbPath. Use ":memory:"
// for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Local entry log
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		counterparty_id TEXT,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		memo TEXT,
		created_at_ms INTEGER NOT NULL,
		signature TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at_ms INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		conflict_json TEXT
	);

	-- CRITICAL: the idempotency token. One entry_id, one row, ever.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_entry_id
		ON entries(entry_id);

	-- Sync queue scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_owner_state
		ON entries(owner_id, sync_state);

	-- Wallet states (one row per owner, derived)
	CREATE TABLE IF NOT EXISTS wallet_states (
		owner_id TEXT PRIMARY KEY,
		authoritative_balance TEXT NOT NULL,
		projected_balance TEXT NOT NULL,
		pending_debit_total TEXT NOT NULL,
		pending_credit_total TEXT NOT NULL,
		last_reconciled_at_ms INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY LOG (ledger.Store interface)
// =============================================================================

const entryColumns = `entry_id, owner_id, counterparty_id, amount, kind, memo,
	created_at_ms, signature, sync_state, retry_count, last_attempt_at_ms,
	failure_reason, conflict_json`

// Append persists a new entry. ErrDuplicateEntry on an entry_id replay.
func (s *Store) Append(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflictJSON, err := marshalConflict(e.Conflict)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entries
		(entry_id, owner_id, counterparty_id, amount, kind, memo, created_at_ms,
		 signature, sync_state, retry_count, last_attempt_at_ms, failure_reason, conflict_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		string(e.EntryID),
		string(e.OwnerID),
		nullString(string(e.CounterpartyID)),
		e.Amount.String(),
		string(e.Kind),
		e.Memo,
		e.CreatedAt.UnixMilli(),
		e.Signature,
		string(e.SyncState),
		e.RetryCount,
		unixMilliOrZero(e.LastAttemptAt),
		nullString(e.FailureReason),
		conflictJSON,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entry %s: %w", e.EntryID, ledger.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// Get returns an entry by id.
func (s *Store) Get(ctx context.Context, owner ledger.OwnerID, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + ` FROM entries WHERE owner_id = ? AND entry_id = ?`
	row := s.db.QueryRowContext(ctx, query, string(owner), string(id))

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %s: %w", id, ledger.ErrEntryNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListPending returns the owner's pending entries in append order.
func (s *Store) ListPending(ctx context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return s.listByStates(ctx, owner, ledger.StatePending)
}

// ListUnsynced returns entries in pending, syncing or failed state.
func (s *Store) ListUnsynced(ctx context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return s.listByStates(ctx, owner, ledger.StatePending, ledger.StateSyncing, ledger.StateFailed)
}

// ListConflicts returns entries awaiting resolution.
func (s *Store) ListConflicts(ctx context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return s.listByStates(ctx, owner, ledger.StateConflict)
}

func (s *Store) listByStates(ctx context.Context, owner ledger.OwnerID, states ...ledger.SyncState) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := []any{string(owner)}
	for _, st := range states {
		args = append(args, string(st))
	}

	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE owner_id = ? AND sync_state IN (` + placeholders(len(states)) + `)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// MarkSyncing transitions pending entries to syncing and stamps the attempt.
func (s *Store) MarkSyncing(ctx context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	args := []any{string(ledger.StateSyncing), s.now().UnixMilli(), string(owner)}
	args = appendIDs(args, ids)

	query := `
		UPDATE entries SET sync_state = ?, last_attempt_at_ms = ?
		WHERE owner_id = ? AND entry_id IN (` + placeholders(len(ids)) + `)
		  AND sync_state = 'pending'
	`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkSynced transitions entries to synced and clears failure state.
func (s *Store) MarkSynced(ctx context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	args := []any{string(ledger.StateSynced), string(owner)}
	args = appendIDs(args, ids)

	query := `
		UPDATE entries SET sync_state = ?, failure_reason = NULL
		WHERE owner_id = ? AND entry_id IN (` + placeholders(len(ids)) + `)
	`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkFailed transitions one entry to failed with the given reason.
func (s *Store) MarkFailed(ctx context.Context, owner ledger.OwnerID, id ledger.EntryID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE entries SET sync_state = ?, failure_reason = ?
		WHERE owner_id = ? AND entry_id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		string(ledger.StateFailed), reason, string(owner), string(id))
	return err
}

// MarkConflict transitions one entry to conflict, carrying the
// authoritative snapshot it diverged from.
func (s *Store) MarkConflict(ctx context.Context, owner ledger.OwnerID, id ledger.EntryID, authoritative ledger.AuthoritativeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflictJSON, err := marshalConflict(&ledger.ConflictInfo{Authoritative: authoritative})
	if err != nil {
		return err
	}

	query := `
		UPDATE entries SET sync_state = ?, conflict_json = ?
		WHERE owner_id = ? AND entry_id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		string(ledger.StateConflict), conflictJSON, string(owner), string(id))
	return err
}

// Revert transitions syncing/failed entries back to pending and increments
// retry_count.
func (s *Store) Revert(ctx context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	args := []any{string(ledger.StatePending), string(owner)}
	args = appendIDs(args, ids)

	query := `
		UPDATE entries SET sync_state = ?, retry_count = retry_count + 1
		WHERE owner_id = ? AND entry_id IN (` + placeholders(len(ids)) + `)
		  AND sync_state IN ('syncing', 'failed')
	`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Upsert replaces the entry with the same entry_id, or inserts it.
func (s *Store) Upsert(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflictJSON, err := marshalConflict(e.Conflict)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entries
		(entry_id, owner_id, counterparty_id, amount, kind, memo, created_at_ms,
		 signature, sync_state, retry_count, last_attempt_at_ms, failure_reason, conflict_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			counterparty_id = excluded.counterparty_id,
			amount = excluded.amount,
			kind = excluded.kind,
			memo = excluded.memo,
			created_at_ms = excluded.created_at_ms,
			signature = excluded.signature,
			sync_state = excluded.sync_state,
			retry_count = excluded.retry_count,
			last_attempt_at_ms = excluded.last_attempt_at_ms,
			failure_reason = excluded.failure_reason,
			conflict_json = excluded.conflict_json
	`

	_, err = s.db.ExecContext(ctx, query,
		string(e.EntryID),
		string(e.OwnerID),
		nullString(string(e.CounterpartyID)),
		e.Amount.String(),
		string(e.Kind),
		e.Memo,
		e.CreatedAt.UnixMilli(),
		e.Signature,
		string(e.SyncState),
		e.RetryCount,
		unixMilliOrZero(e.LastAttemptAt),
		nullString(e.FailureReason),
		conflictJSON,
	)
	return err
}

// =============================================================================
// WALLET STATES
// =============================================================================

// WalletState returns the owner's wallet row.
func (s *Store) WalletState(ctx context.Context, owner ledger.OwnerID) (*ledger.WalletState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w                                         ledger.WalletState
		authoritative, projected, debits, credits string
		lastReconciledMs                          int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, authoritative_balance, projected_balance,
		        pending_debit_total, pending_credit_total, last_reconciled_at_ms
		 FROM wallet_states WHERE owner_id = ?`,
		string(owner),
	).Scan(&w.OwnerID, &authoritative, &projected, &debits, &credits, &lastReconciledMs)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	if w.AuthoritativeBalance, err = decimal.NewFromString(authoritative); err != nil {
		return nil, fmt.Errorf("wallet %s: bad authoritative_balance %q", owner, authoritative)
	}
	if w.ProjectedBalance, err = decimal.NewFromString(projected); err != nil {
		return nil, fmt.Errorf("wallet %s: bad projected_balance %q", owner, projected)
	}
	if w.PendingDebitTotal, err = decimal.NewFromString(debits); err != nil {
		return nil, fmt.Errorf("wallet %s: bad pending_debit_total %q", owner, debits)
	}
	if w.PendingCreditTotal, err = decimal.NewFromString(credits); err != nil {
		return nil, fmt.Errorf("wallet %s: bad pending_credit_total %q", owner, credits)
	}
	if lastReconciledMs > 0 {
		w.LastReconciledAt = time.UnixMilli(lastReconciledMs).UTC()
	}
	return &w, nil
}

// PutWalletState inserts or replaces the owner's wallet row.
func (s *Store) PutWalletState(ctx context.Context, w ledger.WalletState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO wallet_states
		(owner_id, authoritative_balance, projected_balance, pending_debit_total,
		 pending_credit_total, last_reconciled_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			authoritative_balance = excluded.authoritative_balance,
			projected_balance = excluded.projected_balance,
			pending_debit_total = excluded.pending_debit_total,
			pending_credit_total = excluded.pending_credit_total,
			last_reconciled_at_ms = excluded.last_reconciled_at_ms
	`

	_, err := s.db.ExecContext(ctx, query,
		string(w.OwnerID),
		w.AuthoritativeBalance.String(),
		w.ProjectedBalance.String(),
		w.PendingDebitTotal.String(),
		w.PendingCreditTotal.String(),
		unixMilliOrZero(w.LastReconciledAt),
	)
	return err
}

// =============================================================================
// SCANNING AND HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*ledger.LedgerEntry, error) {
	var (
		e             ledger.LedgerEntry
		counterparty  sql.NullString
		amount        string
		memo          sql.NullString
		createdAtMs   int64
		lastAttemptMs int64
		failureReason sql.NullString
		conflictJSON  sql.NullString
	)

	err := row.Scan(
		&e.EntryID, &e.OwnerID, &counterparty, &amount, &e.Kind, &memo,
		&createdAtMs, &e.Signature, &e.SyncState, &e.RetryCount, &lastAttemptMs,
		&failureReason, &conflictJSON,
	)
	if err != nil {
		return nil, err
	}

	e.CounterpartyID = ledger.OwnerID(counterparty.String)
	e.Memo = memo.String
	e.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	e.FailureReason = failureReason.String
	if lastAttemptMs > 0 {
		e.LastAttemptAt = time.UnixMilli(lastAttemptMs).UTC()
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("entry %s: bad amount %q", e.EntryID, amount)
	}

	if conflictJSON.Valid && conflictJSON.String != "" {
		var c ledger.ConflictInfo
		if err := json.Unmarshal([]byte(conflictJSON.String), &c); err != nil {
			return nil, fmt.Errorf("entry %s: bad conflict_json: %w", e.EntryID, err)
		}
		e.Conflict = &c
	}

	return &e, nil
}

func marshalConflict(c *ledger.ConflictInfo) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode conflict info: %w", err)
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendIDs(args []any, ids []ledger.EntryID) []any {
	for _, id := range ids {
		args = append(args, string(id))
	}
	return args
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
