/*
Package server implements the authoritative side of the shadow ledger:
account records, the append-only authoritative ledger, and the atomic
batch processor that applies client-signed entries.

KEY TYPES (types.go):
  - AccountRecord: one per principal, owns the authoritative balance
  - LedgerRecord: server-side entry, status always synced; rows change
    only through the processor's supersede path
  - BatchResult: the processor's reply (processed_ids, failed_ids, new_balance)

IDEMPOTENCY:
  A uniqueness constraint on LedgerRecord.EntryID makes every entry
  apply-at-most-once regardless of how many times the network replays it.

SEE ALSO:
  - processor.go: the atomic batch application
  - store.go: persistence interface
*/
package server

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/ledger"
)

// =============================================================================
// ACCOUNT RECORD - One per principal, server-owned
// =============================================================================

// AccountRecord holds the balance of record. Mutated only inside the
// batch processor's atomic unit of work. Balance never goes negative.
type AccountRecord struct {
	OwnerID      ledger.OwnerID
	Handle       string // external identifier used by counterparty lookup
	Balance      decimal.Decimal
	LastSyncedAt time.Time
}

// =============================================================================
// LEDGER RECORD - Authoritative
// =============================================================================

const StatusSynced = "synced"

// LedgerRecord mirrors a client entry with a server-assigned identity.
// EntryID keeps the client's idempotency token and carries the UNIQUE
// constraint.
type LedgerRecord struct {
	ID             string // server-assigned
	EntryID        ledger.EntryID
	OwnerID        ledger.OwnerID
	CounterpartyID ledger.OwnerID
	Amount         decimal.Decimal
	Kind           ledger.Kind
	Memo           string
	Signature      string
	Status         string
	CreatedAt      time.Time
}

// Authoritative converts a record into the client-facing down-sync shape.
func (r LedgerRecord) Authoritative() ledger.AuthoritativeRecord {
	return ledger.AuthoritativeRecord{
		RecordID:       r.ID,
		EntryID:        r.EntryID,
		OwnerID:        r.OwnerID,
		CounterpartyID: r.CounterpartyID,
		Amount:         r.Amount,
		Kind:           r.Kind,
		Memo:           r.Memo,
		CreatedAt:      r.CreatedAt,
		Signature:      r.Signature,
	}
}

// =============================================================================
// P2P CREDIT ID DERIVATION
// =============================================================================

// CreditEntryID derives the mirrored credit record's idempotency token
// from the sender's entry id. The namespace prefix guarantees the derived
// id can never collide with a client-generated UUID, and the pairing stays
// recoverable from the id alone.
func CreditEntryID(debit ledger.EntryID) ledger.EntryID {
	return "p2p:" + debit + ":credit"
}

// =============================================================================
// BATCH RESULT
// =============================================================================

// EntryFailure reports one rejected entry with its wire reason.
type EntryFailure struct {
	EntryID ledger.EntryID
	Reason  string
}

// BatchResult is the processor's reply. Replayed entries appear in
// ProcessedIDs exactly like first-time entries: clients cannot tell a
// replay from the original, which is the point.
type BatchResult struct {
	ProcessedIDs []ledger.EntryID
	Failed       []EntryFailure
	NewBalance   decimal.Decimal
}
