/*
projector.go - Projected ("safe to spend") balance calculation

PURPOSE:
  Computes the locally-usable balance from the last confirmed
  authoritative balance plus the set of entries that have not been folded
  into it yet. This is the number the user sees while the authoritative
  state is unknown.

WHICH ENTRIES COUNT:
  pending, syncing, failed  → counted (money is spoken for, or will be retried)
  synced                    → excluded (already in the authoritative balance)
  conflict                  → excluded until resolved

PROPERTIES:
  Pure, deterministic, idempotent: same inputs always produce the same
  projection, and reprojecting a projection's inputs changes nothing.

SEE ALSO:
  - journal.go: calls Project on every pending-set change
*/
package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// PROJECTION
// =============================================================================

// Projection is the derived triple stored into WalletState.
type Projection struct {
	ProjectedBalance   decimal.Decimal
	PendingDebitTotal  decimal.Decimal
	PendingCreditTotal decimal.Decimal
}

// Project computes the projection from an authoritative balance and the
// current entry set. Entries whose state does not count toward the
// projection are skipped, so callers may pass any superset (e.g. a full
// owner scan) without pre-filtering.
func Project(authoritative decimal.Decimal, entries []LedgerEntry) Projection {
	debits := decimal.Zero
	credits := decimal.Zero

	for _, e := range entries {
		if !e.CountsTowardProjection() {
			continue
		}
		switch e.Kind {
		case KindDebit:
			debits = debits.Add(e.Amount)
		case KindCredit:
			credits = credits.Add(e.Amount)
		}
	}

	return Projection{
		ProjectedBalance:   authoritative.Sub(debits).Add(credits),
		PendingDebitTotal:  debits,
		PendingCreditTotal: credits,
	}
}

// Apply folds a projection into a wallet state.
func (w *WalletState) Apply(p Projection) {
	w.ProjectedBalance = p.ProjectedBalance
	w.PendingDebitTotal = p.PendingDebitTotal
	w.PendingCreditTotal = p.PendingCreditTotal
}
