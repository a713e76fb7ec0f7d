/*
journal.go - Append path and wallet-state lifecycle

PURPOSE:
  The Journal is the single write path into the local entry log. It
  validates and signs new entries, enforces the client-side projected
  balance check on debits, and recomputes the wallet projection on every
  pending-set change.

ORDERING:
  Local mutations are indivisible: a mutex serializes appends, state
  transitions and projection recomputes so no second mutation interleaves
  on the same wallet state. Network calls never happen under this lock.

WALLET LIFECYCLE:
  Created on first use per owner with a configured opening balance.
  Mutated on every append, sync response and down-sync. Never deleted.

SEE ALSO:
  - projector.go: the pure recompute
  - client/client.go: drives the sync-side transitions
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// JOURNAL
// =============================================================================

// Journal owns all local writes for one device.
type Journal struct {
	mu     sync.Mutex
	store  Store
	signer *Signer

	opening    decimal.Decimal
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithOpeningBalance sets the authoritative balance a wallet starts with
// on first use.
func WithOpeningBalance(balance decimal.Decimal) Option {
	return func(j *Journal) { j.opening = balance }
}

// WithStaleAfter sets the freshness threshold for WalletState.Stale.
func WithStaleAfter(d time.Duration) Option {
	return func(j *Journal) { j.staleAfter = d }
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func NewJournal(store Store, signer *Signer, opts ...Option) *Journal {
	j := &Journal{
		store:      store,
		signer:     signer,
		opening:    decimal.Zero,
		staleAfter: 15 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Store exposes the underlying store to the sync client and resolver.
func (j *Journal) Store() Store { return j.store }

// StaleAfter returns the configured freshness threshold.
func (j *Journal) StaleAfter() time.Duration { return j.staleAfter }

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// NewEntry builds a fully signed pending entry. The id is generated here
// and never changes. The memo is sanitized but not signed; only owner,
// id, amount and timestamp participate in the MAC.
func (j *Journal) NewEntry(owner, counterparty OwnerID, amount decimal.Decimal, kind Kind, memo string) (LedgerEntry, error) {
	if err := ValidateAmount(amount); err != nil {
		return LedgerEntry{}, err
	}

	createdAt := j.now().Truncate(time.Millisecond)
	id := NewEntryID()

	return LedgerEntry{
		EntryID:        id,
		OwnerID:        owner,
		CounterpartyID: counterparty,
		Amount:         amount,
		Kind:           kind,
		Memo:           SanitizeMemo(memo),
		CreatedAt:      createdAt,
		Signature:      j.signer.Sign(owner, id, amount, createdAt),
		SyncState:      StatePending,
	}, nil
}

// =============================================================================
// APPEND PATH
// =============================================================================

// Append records an entry durably and recomputes the projection.
//
// Rejections:
//   - ErrInvalidAmount / ErrInvalidSignature before anything is written
//   - ErrInsufficientProjectedBalance for debits exceeding the projected
//     balance (courtesy check; the server re-validates authoritatively)
func (j *Journal) Append(ctx context.Context, e LedgerEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := ValidateAmount(e.Amount); err != nil {
		return err
	}
	if !j.signer.Verify(e) {
		return fmt.Errorf("entry %s: %w", e.EntryID, ErrInvalidSignature)
	}

	w, err := j.walletLocked(ctx, e.OwnerID)
	if err != nil {
		return err
	}

	if e.Kind == KindDebit && e.Amount.GreaterThan(w.ProjectedBalance) {
		return &InsufficientProjectedBalanceError{
			OwnerID:   e.OwnerID,
			Requested: e.Amount,
			Projected: w.ProjectedBalance,
		}
	}

	e.SyncState = StatePending
	e.Memo = SanitizeMemo(e.Memo)
	if err := j.store.Append(ctx, e); err != nil {
		return err
	}

	_, err = j.refreshLocked(ctx, e.OwnerID)
	return err
}

// =============================================================================
// WALLET STATE
// =============================================================================

// Wallet returns the owner's wallet state, creating it on first use with
// the configured opening balance.
func (j *Journal) Wallet(ctx context.Context, owner OwnerID) (*WalletState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.walletLocked(ctx, owner)
}

// Refresh recomputes the projection from the current unsynced set and
// persists the wallet state.
func (j *Journal) Refresh(ctx context.Context, owner OwnerID) (*WalletState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.refreshLocked(ctx, owner)
}

// SetAuthoritativeBalance replaces the confirmed balance (sync response or
// down-sync), stamps the reconciliation time, and recomputes the projection.
func (j *Journal) SetAuthoritativeBalance(ctx context.Context, owner OwnerID, balance decimal.Decimal) (*WalletState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	w, err := j.walletLocked(ctx, owner)
	if err != nil {
		return nil, err
	}

	w.AuthoritativeBalance = balance
	w.LastReconciledAt = j.now()
	if err := j.store.PutWalletState(ctx, *w); err != nil {
		return nil, err
	}
	return j.refreshLocked(ctx, owner)
}

func (j *Journal) walletLocked(ctx context.Context, owner OwnerID) (*WalletState, error) {
	w, err := j.store.WalletState(ctx, owner)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	fresh := WalletState{
		OwnerID:              owner,
		AuthoritativeBalance: j.opening,
		ProjectedBalance:     j.opening,
		PendingDebitTotal:    decimal.Zero,
		PendingCreditTotal:   decimal.Zero,
	}
	if err := j.store.PutWalletState(ctx, fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (j *Journal) refreshLocked(ctx context.Context, owner OwnerID) (*WalletState, error) {
	w, err := j.walletLocked(ctx, owner)
	if err != nil {
		return nil, err
	}

	unsynced, err := j.store.ListUnsynced(ctx, owner)
	if err != nil {
		return nil, err
	}

	w.Apply(Project(w.AuthoritativeBalance, unsynced))
	if err := j.store.PutWalletState(ctx, *w); err != nil {
		return nil, err
	}
	return w, nil
}
