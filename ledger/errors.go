/*
errors.go - Centralized error taxonomy for the sync engine

PURPOSE:
  All error types in one place. Server and client packages share this
  taxonomy so that per-entry failure reasons survive the wire round-trip
  and map back to sentinel errors on the device.

ERROR CATEGORIES:
  1. Integrity errors  - signature/amount validation (terminal, never retried)
  2. Business errors   - balance and account rules (terminal unless context changes)
  3. Transport errors  - network failures (retried with backoff)
  4. Conflict          - not a failure; requires explicit user resolution

SEE ALSO:
  - journal.go: append-time validation
  - server/processor.go: per-entry failure reasons
  - client/client.go: retry and surfacing policy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidSignature means the entry failed integrity checks.
	// Terminal: never retried.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidAmount means the amount violates the monetary invariant
	// (non-positive or more than 2 decimal digits).
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is the server-side business rejection: the
	// running authoritative balance cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientProjectedBalance is the client-side courtesy check:
	// a debit exceeds the projected balance at append time. The server
	// re-validates authoritatively.
	ErrInsufficientProjectedBalance = errors.New("insufficient projected balance")

	// ErrDuplicateEntry means the entry ID already exists. On the server
	// this is absorbed silently as success; locally it rejects the append.
	ErrDuplicateEntry = errors.New("duplicate entry id")

	// ErrAccountNotFound means the authenticated principal has no
	// authoritative account. Processor-fatal: the whole batch rolls back.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCounterpartyNotFound means a P2P debit names a counterparty with
	// no authoritative account. The entry is rejected and the debit is not
	// applied (money must not disappear).
	ErrCounterpartyNotFound = errors.New("counterparty not found")

	// ErrTransportFailure wraps network/timeout failures. Entries revert
	// to pending and are retried with backoff.
	ErrTransportFailure = errors.New("transport failure")

	// ErrRetryExhausted means an entry exceeded the retry cap and now
	// requires user action.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrConflictDetected marks divergence between a local entry and its
	// authoritative version. Not a failure; resolution is explicit.
	ErrConflictDetected = errors.New("conflict detected")

	// ErrNotInConflict is returned when resolving an entry that is not in
	// the conflict state.
	ErrNotInConflict = errors.New("entry not in conflict")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrWalletNotFound is returned when a wallet state row is missing.
	ErrWalletNotFound = errors.New("wallet state not found")
)

// =============================================================================
// WIRE REASONS - Per-entry failure reasons as reported in failed_ids
// =============================================================================

const (
	ReasonInvalidSignature     = "invalid_signature"
	ReasonInvalidAmount        = "invalid_amount"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonCounterpartyNotFound = "counterparty_not_found"
	ReasonOwnerMismatch        = "owner_mismatch"
	ReasonSupersedeRejected    = "supersede_rejected"
	ReasonRetryExhausted       = "retry_exhausted"
	ReasonCancelled            = "cancelled_by_user"
)

// ReasonFor maps a taxonomy error to its wire reason string.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrCounterpartyNotFound):
		return ReasonCounterpartyNotFound
	case errors.Is(err, ErrRetryExhausted):
		return ReasonRetryExhausted
	default:
		return "internal_error"
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError details an amount invariant violation.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Cause  string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Cause)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientProjectedBalanceError details the client-side append rejection.
type InsufficientProjectedBalanceError struct {
	OwnerID   OwnerID
	Requested decimal.Decimal
	Projected decimal.Decimal
}

func (e *InsufficientProjectedBalanceError) Error() string {
	return fmt.Sprintf("insufficient projected balance for %s: requested %s, projected %s",
		e.OwnerID, e.Requested, e.Projected)
}

func (e *InsufficientProjectedBalanceError) Unwrap() error {
	return ErrInsufficientProjectedBalance
}

// InsufficientBalanceError details the server-side business rejection.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	EntryID   EntryID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s (entry %s): requested %s, available %s",
		e.OwnerID, e.EntryID, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// TransportError wraps a network failure with the batch it interrupted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return ErrTransportFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

// IsTerminal returns true for per-entry failures that retrying cannot fix.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCounterpartyNotFound) ||
		errors.Is(err, ErrRetryExhausted)
}
