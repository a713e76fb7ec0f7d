/*
store.go - Persistence interface for the local entry log and wallet state

PURPOSE:
  Defines the interface between the journal/sync logic and the device
  database. Implementations must be durable: an entry is not "recorded"
  to the user until Append has persisted it across process restarts.

PERSISTED LAYOUT:
  Two logical tables:
  - entries: keyed by an internal row id, UNIQUE secondary index on entry_id
  - wallet_states: one row per owner

STATE TRANSITIONS:
  The Mark and Revert methods are the only way entries change state, which
  keeps the sync_state machine auditable in one place per implementation.

IMPLEMENTATIONS:
  - store/sqlite: durable device store (production)
  - ledger/store: in-memory (tests, dev)

SEE ALSO:
  - journal.go: append path built on this interface
  - client/client.go: sync-driven state transitions
*/
package ledger

import "context"

// =============================================================================
// STORE - Local entry log + wallet state persistence
// =============================================================================

type Store interface {
	// Append persists a new entry. Fails with ErrDuplicateEntry if the
	// entry_id already exists. Must be durable before returning.
	Append(ctx context.Context, e LedgerEntry) error

	// Get returns an entry by id, or ErrEntryNotFound.
	Get(ctx context.Context, owner OwnerID, id EntryID) (*LedgerEntry, error)

	// ListPending returns the owner's pending entries in append order.
	ListPending(ctx context.Context, owner OwnerID) ([]LedgerEntry, error)

	// ListUnsynced returns entries in pending, syncing or failed state,
	// i.e. everything the projector counts.
	ListUnsynced(ctx context.Context, owner OwnerID) ([]LedgerEntry, error)

	// ListConflicts returns entries awaiting resolution.
	ListConflicts(ctx context.Context, owner OwnerID) ([]LedgerEntry, error)

	// MarkSyncing transitions pending entries to syncing and stamps
	// last_attempt_at.
	MarkSyncing(ctx context.Context, owner OwnerID, ids []EntryID) error

	// MarkSynced transitions entries to synced and clears failure state.
	MarkSynced(ctx context.Context, owner OwnerID, ids []EntryID) error

	// MarkFailed transitions an entry to failed with the server-supplied
	// (or local) reason.
	MarkFailed(ctx context.Context, owner OwnerID, id EntryID, reason string) error

	// MarkConflict transitions an entry to conflict, carrying the
	// authoritative snapshot it diverged from.
	MarkConflict(ctx context.Context, owner OwnerID, id EntryID, authoritative AuthoritativeRecord) error

	// Revert transitions syncing/failed entries back to pending and
	// increments retry_count. Used after transport failures and for
	// manual retry.
	Revert(ctx context.Context, owner OwnerID, ids []EntryID) error

	// Upsert replaces the entry with the same entry_id, or inserts it.
	// Used by down-sync adoption and conflict resolution.
	Upsert(ctx context.Context, e LedgerEntry) error

	// WalletState returns the owner's wallet row, or ErrWalletNotFound.
	WalletState(ctx context.Context, owner OwnerID) (*WalletState, error)

	// PutWalletState inserts or replaces the owner's wallet row.
	PutWalletState(ctx context.Context, w WalletState) error
}
