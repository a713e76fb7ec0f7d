/*
conflict.go - Divergence detection and the resolution protocol

PURPOSE:
  A conflict arises when a locally pending/failed entry's id also exists,
  with different field values, in the set pulled by down-sync. The entry
  freezes in the conflict state (excluded from the projection) until the
  user picks a side.

RESOLUTION CHOICES:
  keep_local    Re-enter the sync pipeline: local version goes back to
                pending and will be re-submitted. Because its id already
                has an authoritative record, the server treats the
                diverging resubmission as a supersede and overwrites the
                record, subject to the same signature/balance checks.
                The conflict snapshot stays on the entry, flagged
                resolved, so down-sync doesn't re-freeze it while the
                resubmission is still in flight.
  accept_server Adopt the authoritative snapshot as synced; the local
                version is discarded.
  cancel        Discard the local version entirely. No sync attempt, no
                authoritative mutation. The entry lands in failed with a
                cancelled reason so history stays auditable.

SEE ALSO:
  - client/client.go: calls Detect during down-sync
  - journal.go: projection refresh after resolution
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// DETECTION
// =============================================================================

// Conflicts reports whether a local entry diverges from its authoritative
// version. Same-id, same-fields is not a conflict (that's just a replayed
// record); any money-relevant or memo difference is.
func Conflicts(local LedgerEntry, authoritative AuthoritativeRecord) bool {
	if local.EntryID != authoritative.EntryID {
		return false
	}
	return !local.Amount.Equal(authoritative.Amount) ||
		local.Kind != authoritative.Kind ||
		local.Memo != authoritative.Memo ||
		local.OwnerID != authoritative.OwnerID ||
		local.CounterpartyID != authoritative.CounterpartyID
}

// SameRecord reports whether two authoritative snapshots agree on the
// fields conflict detection compares. Down-sync uses it to tell "the
// divergence the user already resolved" from a fresh one.
func SameRecord(a, b AuthoritativeRecord) bool {
	return a.EntryID == b.EntryID &&
		a.Amount.Equal(b.Amount) &&
		a.Kind == b.Kind &&
		a.Memo == b.Memo &&
		a.OwnerID == b.OwnerID &&
		a.CounterpartyID == b.CounterpartyID
}

// =============================================================================
// RESOLUTION
// =============================================================================

type ResolutionChoice string

const (
	ChoiceKeepLocal    ResolutionChoice = "keep_local"
	ChoiceAcceptServer ResolutionChoice = "accept_server"
	ChoiceCancel       ResolutionChoice = "cancel"
)

// Resolver applies resolution choices to conflicted entries. Resolution
// is a local-only transition except for keep_local, which re-enters the
// normal sync pipeline.
type Resolver struct {
	journal *Journal
}

func NewResolver(journal *Journal) *Resolver {
	return &Resolver{journal: journal}
}

// Resolve applies the choice to a conflicted entry and recomputes the
// projection. Returns ErrNotInConflict if the entry isn't awaiting
// resolution.
func (r *Resolver) Resolve(ctx context.Context, owner OwnerID, id EntryID, choice ResolutionChoice) error {
	store := r.journal.Store()

	e, err := store.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if e.SyncState != StateConflict || e.Conflict == nil {
		return fmt.Errorf("entry %s: %w", id, ErrNotInConflict)
	}

	switch choice {
	case ChoiceKeepLocal:
		// Local version wins: back to pending; the next successful batch
		// overwrites the authoritative record. The resolved snapshot must
		// survive so down-sync skips the still-diverging server copy
		// instead of freezing the entry in conflict again.
		local := *e
		local.SyncState = StatePending
		local.Conflict = &ConflictInfo{Authoritative: e.Conflict.Authoritative, Resolved: true}
		local.FailureReason = ""
		if err := store.Upsert(ctx, local); err != nil {
			return err
		}

	case ChoiceAcceptServer:
		// Server version wins: adopt the snapshot as synced.
		adopted := EntryFromAuthoritative(e.Conflict.Authoritative)
		adopted.Conflict = &ConflictInfo{Authoritative: e.Conflict.Authoritative, Resolved: true}
		if err := store.Upsert(ctx, adopted); err != nil {
			return err
		}

	case ChoiceCancel:
		// Local version discarded without touching the authoritative
		// ledger. Kept in the log as failed/cancelled for auditability,
		// excluded from the projection.
		cancelled := *e
		cancelled.SyncState = StateFailed
		cancelled.FailureReason = ReasonCancelled
		cancelled.Conflict = &ConflictInfo{Authoritative: e.Conflict.Authoritative, Resolved: true}
		if err := store.Upsert(ctx, cancelled); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	_, err = r.journal.Refresh(ctx, owner)
	return err
}
