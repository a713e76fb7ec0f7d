/*
Package ledger provides the client-side core of the shadow ledger engine.

PURPOSE:
  This package contains the types and algorithms for recording monetary
  transactions while offline: the durable entry log, the signing scheme
  that doubles as the idempotency token, the projected ("safe to spend")
  balance, and the conflict state machine that reconciles local shadows
  against the authoritative ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: A client-recorded transaction with its sync lifecycle
  - WalletState: One-per-owner derived balance record
  - AuthoritativeRecord: The server's view of an entry, as pulled by down-sync
  - SyncState: The per-entry state machine (pending → syncing → ...)

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Immutability of identity: entry IDs never change once created
  3. Forward-only states: sync_state moves forward except on retry/resolution
  4. Explicit ownership: every operation takes an owner, never an ambient
     "current user"

SEE ALSO:
  - signer.go: Signature and entry ID derivation
  - projector.go: Projected balance calculation
  - journal.go: Append path and wallet lifecycle
  - conflict.go: Divergence detection and resolution
*/
package ledger

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type EntryID string

// =============================================================================
// ENTRY KIND AND SYNC STATE
// =============================================================================

type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
)

// SyncState is the per-entry lifecycle.
//
// Transitions:
//
//	pending → syncing → {synced | failed | conflict}
//	failed  → pending           (manual or automatic retry)
//	conflict → synced | failed  (resolution)
//
// All other transitions are invalid.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateSyncing  SyncState = "syncing"
	StateSynced   SyncState = "synced"
	StateFailed   SyncState = "failed"
	StateConflict SyncState = "conflict"
)

// CountsTowardProjection reports whether an entry in this state is folded
// into the projected balance. Synced entries are already reflected in the
// authoritative balance; conflict entries are excluded until resolved.
func (s SyncState) CountsTowardProjection() bool {
	switch s {
	case StatePending, StateSyncing, StateFailed:
		return true
	default:
		return false
	}
}

// =============================================================================
// LEDGER ENTRY - One recorded transaction (client-local)
// =============================================================================

// LedgerEntry is a single money-moving operation recorded on the device.
// Once synced it mirrors the authoritative record.
//
// INVARIANTS:
//   - EntryID is globally unique and immutable; it is the sole dedup key.
//   - Amount is > 0 with at most 2 decimal digits.
//   - Signature validates against OwnerID, EntryID, Amount and CreatedAt,
//     or the entry never leaves the device.
type LedgerEntry struct {
	EntryID        EntryID
	OwnerID        OwnerID
	CounterpartyID OwnerID // optional; set for P2P transfers
	Amount         decimal.Decimal
	Kind           Kind
	Memo           string
	CreatedAt      time.Time // client wall-clock, millisecond precision
	Signature      string

	SyncState     SyncState
	RetryCount    int
	LastAttemptAt time.Time
	FailureReason string

	// Conflict is set while the entry is in StateConflict.
	Conflict *ConflictInfo
}

// CountsTowardProjection reports whether this entry is folded into the
// projected balance. State gates first; a cancelled entry stays in the
// log for auditability but no longer claims any money.
func (e LedgerEntry) CountsTowardProjection() bool {
	if !e.SyncState.CountsTowardProjection() {
		return false
	}
	return e.FailureReason != ReasonCancelled
}

// ConflictInfo carries the authoritative snapshot an entry diverged from.
type ConflictInfo struct {
	Authoritative AuthoritativeRecord
	Resolved      bool
}

// =============================================================================
// AUTHORITATIVE RECORD - Server's view of an entry (down-sync payload)
// =============================================================================

// AuthoritativeRecord mirrors the server-side ledger record. RecordID is
// the server-assigned identity; EntryID remains the client idempotency
// token.
type AuthoritativeRecord struct {
	RecordID       string
	EntryID        EntryID
	OwnerID        OwnerID
	CounterpartyID OwnerID
	Amount         decimal.Decimal
	Kind           Kind
	Memo           string
	CreatedAt      time.Time
	Signature      string
}

// EntryFromAuthoritative adopts a server record as a local, already-synced
// entry. Used by down-sync upserts and accept_server resolution.
func EntryFromAuthoritative(rec AuthoritativeRecord) LedgerEntry {
	return LedgerEntry{
		EntryID:        rec.EntryID,
		OwnerID:        rec.OwnerID,
		CounterpartyID: rec.CounterpartyID,
		Amount:         rec.Amount,
		Kind:           rec.Kind,
		Memo:           rec.Memo,
		CreatedAt:      rec.CreatedAt,
		Signature:      rec.Signature,
		SyncState:      StateSynced,
	}
}

// =============================================================================
// WALLET STATE - One per owner, derived
// =============================================================================

// WalletState holds the last confirmed authoritative balance plus the
// locally projected balance derived from unsynced entries.
//
// INVARIANT:
//
//	ProjectedBalance = AuthoritativeBalance − PendingDebitTotal + PendingCreditTotal
//
// recomputed whenever the pending set changes. Never deleted.
type WalletState struct {
	OwnerID              OwnerID
	AuthoritativeBalance decimal.Decimal
	ProjectedBalance     decimal.Decimal
	PendingDebitTotal    decimal.Decimal
	PendingCreditTotal   decimal.Decimal
	LastReconciledAt     time.Time
}

// Stale reports whether the authoritative balance is older than the
// freshness threshold.
func (w WalletState) Stale(now time.Time, threshold time.Duration) bool {
	if w.LastReconciledAt.IsZero() {
		return true
	}
	return now.Sub(w.LastReconciledAt) > threshold
}

// =============================================================================
// FIELD VALIDATION
// =============================================================================

// MemoMaxLen bounds memo text; longer memos are truncated on append.
const MemoMaxLen = 256

// ValidateAmount enforces the monetary invariant: strictly positive with
// at most 2 decimal digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &InvalidAmountError{Amount: amount, Cause: "must be positive"}
	}
	if !amount.Equal(amount.Round(2)) {
		return &InvalidAmountError{Amount: amount, Cause: "more than 2 decimal digits"}
	}
	return nil
}

// SanitizeMemo strips control characters and bounds the length.
func SanitizeMemo(memo string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, memo)
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > MemoMaxLen {
		cleaned = cleaned[:MemoMaxLen]
	}
	return cleaned
}
