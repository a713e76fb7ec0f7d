/*
processor.go - Atomic server-side batch application

PURPOSE:
  Applies an ordered list of client-signed entries against the
  authoritative ledger in one atomic unit of work: idempotency
  de-duplication, signature verification, running-balance enforcement,
  P2P crediting, and the final balance write.

RUNNING BALANCE:
  Entries within one batch are applied in the order supplied by the
  client, each affecting what the next sees. The balance check compares
  against the RUNNING balance, never the snapshot at batch start.

FAILURE SEMANTICS:
  Per-entry rejections (bad signature, insufficient balance, missing
  counterparty) land in failed_ids; sibling entries are still evaluated.
  Processor-fatal errors (unauthenticated principal, unknown account)
  abort the whole call and mutate nothing.

P2P CREDITING:
  A debit naming an existing counterparty atomically credits that account
  and inserts a mirrored credit record under a namespaced derived id. A
  debit naming a MISSING counterparty is rejected outright - the money
  must not silently vanish.

SUPERSEDE:
  A resubmission whose entry_id is already committed but whose amount or
  memo differs is a client that kept its local version after a conflict.
  The stored record is overwritten and the balance adjusted by the delta,
  instead of absorbing the resubmission as a replay. Kind or counterparty
  changes are refused.

CONCURRENCY:
  Batches are serialized per touched account via ordered mutex
  acquisition, on top of whatever row locking the store provides. Two
  batches from the same sender can never read the same stale balance;
  batches from unrelated principals run concurrently.
*/
package server

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/events"
	"github.com/warp/shadow-ledger/ledger"
)

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	store     Store
	signer    *ledger.Signer
	publisher events.Publisher // optional

	mu    sync.Mutex
	locks map[ledger.OwnerID]*sync.Mutex

	now func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPublisher emits a BatchProcessed event after each committed batch.
func WithPublisher(p events.Publisher) ProcessorOption {
	return func(pr *Processor) { pr.publisher = p }
}

// WithProcessorClock overrides the wall clock (tests).
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(pr *Processor) { pr.now = now }
}

func NewProcessor(store Store, signer *ledger.Signer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:  store,
		signer: signer,
		locks:  make(map[ledger.OwnerID]*sync.Mutex),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// =============================================================================
// BATCH APPLICATION
// =============================================================================

// ProcessBatch applies the principal's entries in order. The principal
// comes from the authenticated caller, never from the payload: entries
// claiming a different owner are rejected per-entry.
func (p *Processor) ProcessBatch(ctx context.Context, principal ledger.OwnerID, entries []ledger.LedgerEntry) (*BatchResult, error) {
	if principal == "" {
		return nil, ledger.ErrAccountNotFound
	}

	unlock := p.lockAccounts(touchedAccounts(principal, entries))
	defer unlock()

	result := &BatchResult{}
	err := p.store.WithTx(ctx, func(tx Store) error {
		acct, err := tx.Account(ctx, principal)
		if err != nil {
			return err
		}
		if acct == nil {
			return ledger.ErrAccountNotFound
		}

		running := acct.Balance
		for _, e := range entries {
			if e.OwnerID != principal {
				result.fail(e.EntryID, ledger.ReasonOwnerMismatch)
				continue
			}

			existing, err := tx.Record(ctx, e.EntryID)
			if err != nil {
				return err
			}
			if existing != nil && existing.OwnerID != principal {
				// Someone else's entry_id; treating it as a replay would
				// leak that the id exists.
				result.fail(e.EntryID, ledger.ReasonOwnerMismatch)
				continue
			}

			if !p.signer.Verify(e) {
				result.fail(e.EntryID, ledger.ReasonInvalidSignature)
				continue
			}
			if err := ledger.ValidateAmount(e.Amount); err != nil {
				result.fail(e.EntryID, ledger.ReasonInvalidAmount)
				continue
			}

			if existing != nil {
				// Replays from unreliable networks are expected; absorb
				// them silently as success. A resubmission that DIVERGES
				// from the stored record is the client keeping its local
				// version after a conflict: the record is superseded and
				// the balances adjusted by the delta.
				if !recordDiverges(*existing, e) {
					result.ProcessedIDs = append(result.ProcessedIDs, e.EntryID)
					continue
				}
				newRunning, reason, err := p.supersedeRecord(ctx, tx, *existing, e, running)
				if err != nil {
					return err
				}
				if reason != "" {
					result.fail(e.EntryID, reason)
					continue
				}
				running = newRunning
				result.ProcessedIDs = append(result.ProcessedIDs, e.EntryID)
				continue
			}

			switch e.Kind {
			case ledger.KindDebit:
				if running.LessThan(e.Amount) {
					result.fail(e.EntryID, ledger.ReasonInsufficientBalance)
					continue
				}
				if e.CounterpartyID != "" && e.CounterpartyID != principal {
					applied, err := p.creditCounterparty(ctx, tx, e)
					if err != nil {
						return err
					}
					if !applied {
						result.fail(e.EntryID, ledger.ReasonCounterpartyNotFound)
						continue
					}
				}
				running = running.Sub(e.Amount)

			case ledger.KindCredit:
				running = running.Add(e.Amount)

			default:
				result.fail(e.EntryID, ledger.ReasonInvalidAmount)
				continue
			}

			if err := tx.InsertRecord(ctx, p.recordFor(e)); err != nil {
				return err
			}
			result.ProcessedIDs = append(result.ProcessedIDs, e.EntryID)
		}

		acct.Balance = running
		acct.LastSyncedAt = p.now()
		if err := tx.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		result.NewBalance = running
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.publish(ctx, principal, result)
	return result, nil
}

// recordDiverges reports whether a resubmitted entry disagrees with its
// committed record on any field conflict detection compares. Timestamp
// and signature differences alone are still a replay.
func recordDiverges(r LedgerRecord, e ledger.LedgerEntry) bool {
	return !r.Amount.Equal(e.Amount) ||
		r.Kind != e.Kind ||
		r.Memo != e.Memo ||
		r.CounterpartyID != e.CounterpartyID
}

// supersedeRecord overwrites a committed record with the diverging
// resubmission of the same entry_id (a client-side keep_local). The old
// record's balance effect is reversed and the new one applied, for the
// sender and, on a P2P debit, for the counterparty's mirrored credit.
// Returns the sender's new running balance, or a non-empty per-entry
// failure reason when the supersede can't be honored.
func (p *Processor) supersedeRecord(ctx context.Context, tx Store, old LedgerRecord, e ledger.LedgerEntry, running decimal.Decimal) (decimal.Decimal, string, error) {
	// Re-routing money (kind or counterparty change) is not a supersede;
	// the user should cancel and record a new entry.
	if old.Kind != e.Kind || old.CounterpartyID != e.CounterpartyID {
		return running, ledger.ReasonSupersedeRejected, nil
	}

	var final decimal.Decimal
	switch e.Kind {
	case ledger.KindDebit:
		final = running.Add(old.Amount).Sub(e.Amount)
	case ledger.KindCredit:
		final = running.Sub(old.Amount).Add(e.Amount)
	default:
		return running, ledger.ReasonInvalidAmount, nil
	}
	if final.IsNegative() {
		return running, ledger.ReasonInsufficientBalance, nil
	}

	if e.Kind == ledger.KindDebit && e.CounterpartyID != "" && e.CounterpartyID != e.OwnerID {
		if reason, err := p.adjustMirroredCredit(ctx, tx, old, e); reason != "" || err != nil {
			return running, reason, err
		}
	}

	updated := old
	updated.Amount = e.Amount
	updated.Memo = e.Memo
	updated.Signature = e.Signature
	updated.CreatedAt = e.CreatedAt
	if err := tx.UpdateRecord(ctx, updated); err != nil {
		return running, "", err
	}
	return final, "", nil
}

// adjustMirroredCredit moves the counterparty's balance by the supersede
// delta and rewrites the mirrored credit record.
func (p *Processor) adjustMirroredCredit(ctx context.Context, tx Store, old LedgerRecord, e ledger.LedgerEntry) (string, error) {
	cp, err := tx.Account(ctx, e.CounterpartyID)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return ledger.ReasonCounterpartyNotFound, nil
	}

	delta := e.Amount.Sub(old.Amount)
	if cp.Balance.Add(delta).IsNegative() {
		// Clawing back more than the counterparty still has.
		return ledger.ReasonInsufficientBalance, nil
	}
	cp.Balance = cp.Balance.Add(delta)
	cp.LastSyncedAt = p.now()
	if err := tx.SaveAccount(ctx, *cp); err != nil {
		return "", err
	}

	mirror, err := tx.Record(ctx, CreditEntryID(e.EntryID))
	if err != nil {
		return "", err
	}
	if mirror != nil {
		mirror.Amount = e.Amount
		mirror.Memo = e.Memo
		mirror.CreatedAt = e.CreatedAt
		if err := tx.UpdateRecord(ctx, *mirror); err != nil {
			return "", err
		}
	}
	return "", nil
}

// creditCounterparty applies the P2P credit half of a debit entry.
// Returns false when the counterparty has no account, in which case the
// caller rejects the debit: money never disappears into a void.
func (p *Processor) creditCounterparty(ctx context.Context, tx Store, e ledger.LedgerEntry) (bool, error) {
	cp, err := tx.Account(ctx, e.CounterpartyID)
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}

	// The mirrored record is idempotent on its own derived id; the unique
	// index protects against any replay path that skipped the sender check.
	derived := CreditEntryID(e.EntryID)
	exists, err := tx.RecordExists(ctx, derived)
	if err != nil {
		return false, err
	}
	if !exists {
		mirror := LedgerRecord{
			ID:             uuid.NewString(),
			EntryID:        derived,
			OwnerID:        cp.OwnerID,
			CounterpartyID: e.OwnerID,
			Amount:         e.Amount,
			Kind:           ledger.KindCredit,
			Memo:           e.Memo,
			Status:         StatusSynced,
			CreatedAt:      e.CreatedAt,
		}
		if err := tx.InsertRecord(ctx, mirror); err != nil {
			return false, err
		}
	}

	cp.Balance = cp.Balance.Add(e.Amount)
	cp.LastSyncedAt = p.now()
	if err := tx.SaveAccount(ctx, *cp); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) recordFor(e ledger.LedgerEntry) LedgerRecord {
	return LedgerRecord{
		ID:             uuid.NewString(),
		EntryID:        e.EntryID,
		OwnerID:        e.OwnerID,
		CounterpartyID: e.CounterpartyID,
		Amount:         e.Amount,
		Kind:           e.Kind,
		Memo:           e.Memo,
		Signature:      e.Signature,
		Status:         StatusSynced,
		CreatedAt:      e.CreatedAt,
	}
}

func (p *Processor) publish(ctx context.Context, principal ledger.OwnerID, result *BatchResult) {
	if p.publisher == nil {
		return
	}

	event := events.BatchProcessed{
		Principal:  string(principal),
		NewBalance: result.NewBalance,
		OccurredAt: p.now(),
	}
	for _, id := range result.ProcessedIDs {
		event.ProcessedIDs = append(event.ProcessedIDs, string(id))
	}
	for _, f := range result.Failed {
		event.Failed = append(event.Failed, events.EntryFailure{
			EntryID: string(f.EntryID),
			Reason:  f.Reason,
		})
	}

	if err := p.publisher.Publish(ctx, events.TopicBatchProcessed, event); err != nil {
		// The batch is already committed; the broker being down must not
		// fail the sync response.
		log.Printf("failed to publish batch event for %s: %v", principal, err)
	}
}

// =============================================================================
// PER-ACCOUNT SERIALIZATION
// =============================================================================

// touchedAccounts collects every account a batch can mutate: the
// principal plus all named counterparties.
func touchedAccounts(principal ledger.OwnerID, entries []ledger.LedgerEntry) []ledger.OwnerID {
	seen := map[ledger.OwnerID]bool{principal: true}
	owners := []ledger.OwnerID{principal}
	for _, e := range entries {
		if e.CounterpartyID != "" && !seen[e.CounterpartyID] {
			seen[e.CounterpartyID] = true
			owners = append(owners, e.CounterpartyID)
		}
	}
	return owners
}

// lockAccounts acquires the per-account mutexes in sorted order so two
// batches touching overlapping accounts can never deadlock.
func (p *Processor) lockAccounts(owners []ledger.OwnerID) (unlock func()) {
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	acquired := make([]*sync.Mutex, 0, len(owners))
	for _, owner := range owners {
		acquired = append(acquired, p.accountLock(owner))
	}
	for _, mu := range acquired {
		mu.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

func (p *Processor) accountLock(owner ledger.OwnerID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.locks[owner]; !ok {
		p.locks[owner] = &sync.Mutex{}
	}
	return p.locks[owner]
}

func (r *BatchResult) fail(id ledger.EntryID, reason string) {
	r.Failed = append(r.Failed, EntryFailure{EntryID: id, Reason: reason})
}
