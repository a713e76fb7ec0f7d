/*
store.go - Persistence interface for the authoritative ledger

PURPOSE:
  Defines the interface between the batch processor and the authoritative
  database. The critical capability is WithTx: one batch's balance
  mutations and record inserts commit together or not at all.

LOCKING CONTRACT:
  Inside WithTx, Account() must acquire the account row for the duration
  of the transaction (row-level lock or equivalent), so two concurrent
  batches from the same sender cannot both read the same stale balance.
  Batches from different principals proceed independently except where
  one credits the other's account.

IMPLEMENTATIONS:
  - store/postgres: production (SELECT ... FOR UPDATE)
  - server/store: in-memory with snapshot/rollback (tests, dev)
*/
package server

import (
	"context"

	"github.com/warp/shadow-ledger/ledger"
)

// =============================================================================
// STORE - Authoritative accounts + append-only records
// =============================================================================

type Store interface {
	// Account returns the account, or nil if it does not exist.
	Account(ctx context.Context, owner ledger.OwnerID) (*AccountRecord, error)

	// CreateAccount inserts a new account.
	CreateAccount(ctx context.Context, a AccountRecord) error

	// SaveAccount persists balance and last_synced_at.
	SaveAccount(ctx context.Context, a AccountRecord) error

	// RecordExists checks the entry_id uniqueness index.
	RecordExists(ctx context.Context, id ledger.EntryID) (bool, error)

	// Record returns the record carrying this entry_id, or nil if none
	// does. The processor needs the full record, not just existence, to
	// tell a replay from a diverging resubmission.
	Record(ctx context.Context, id ledger.EntryID) (*LedgerRecord, error)

	// InsertRecord appends an authoritative record. No delete.
	InsertRecord(ctx context.Context, r LedgerRecord) error

	// UpdateRecord replaces the stored record with the same entry_id.
	// Only the supersede path (a keep_local resubmission) may call it.
	UpdateRecord(ctx context.Context, r LedgerRecord) error

	// RecentRecords returns the owner's most recent records, newest first,
	// for down-sync.
	RecentRecords(ctx context.Context, owner ledger.OwnerID, limit int) ([]LedgerRecord, error)

	// ResolveCounterparty maps an external identifier to an owner id, or
	// ledger.ErrCounterpartyNotFound. Found/not-found only; nothing else
	// about the identifier may leak.
	ResolveCounterparty(ctx context.Context, identifier string) (ledger.OwnerID, error)

	// WithTx executes fn within one atomic unit of work. If fn returns an
	// error, nothing is persisted.
	WithTx(ctx context.Context, fn func(Store) error) error
}
