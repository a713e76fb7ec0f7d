package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/shadow-ledger/ledger"
)

func entryIn(state ledger.SyncState, kind ledger.Kind, amount float64) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		EntryID:   ledger.NewEntryID(),
		OwnerID:   "user-alice",
		Amount:    decimal.NewFromFloat(amount),
		Kind:      kind,
		SyncState: state,
	}
}

func TestProject_Algebra(t *testing.T) {
	// GIVEN: Authoritative 10000 with pending debits 450+50 and a pending credit 200
	// WHEN: Projecting
	// THEN: projected = 10000 - 500 + 200 = 9700

	entries := []ledger.LedgerEntry{
		entryIn(ledger.StatePending, ledger.KindDebit, 450),
		entryIn(ledger.StateSyncing, ledger.KindDebit, 50),
		entryIn(ledger.StatePending, ledger.KindCredit, 200),
	}

	p := ledger.Project(decimal.NewFromInt(10000), entries)

	assert.True(t, p.ProjectedBalance.Equal(decimal.NewFromInt(9700)),
		"projected = %s", p.ProjectedBalance)
	assert.True(t, p.PendingDebitTotal.Equal(decimal.NewFromInt(500)))
	assert.True(t, p.PendingCreditTotal.Equal(decimal.NewFromInt(200)))
}

func TestProject_FailedEntriesStillCount(t *testing.T) {
	// GIVEN: A failed debit awaiting retry
	// THEN: The money is still spoken for until the user cancels or it syncs

	entries := []ledger.LedgerEntry{
		entryIn(ledger.StateFailed, ledger.KindDebit, 100),
	}

	p := ledger.Project(decimal.NewFromInt(1000), entries)

	assert.True(t, p.ProjectedBalance.Equal(decimal.NewFromInt(900)))
}

func TestProject_SyncedAndConflictExcluded(t *testing.T) {
	// GIVEN: A synced debit (already in the authoritative balance) and a
	//        conflicted debit (frozen until resolution)
	// THEN: Neither moves the projection

	entries := []ledger.LedgerEntry{
		entryIn(ledger.StateSynced, ledger.KindDebit, 100),
		entryIn(ledger.StateConflict, ledger.KindDebit, 200),
	}

	p := ledger.Project(decimal.NewFromInt(1000), entries)

	assert.True(t, p.ProjectedBalance.Equal(decimal.NewFromInt(1000)),
		"projected = %s", p.ProjectedBalance)
	assert.True(t, p.PendingDebitTotal.IsZero())
}

func TestProject_CancelledEntryExcluded(t *testing.T) {
	// GIVEN: A failed debit the user cancelled during conflict resolution
	// THEN: It stays in the log but no longer claims money

	cancelled := entryIn(ledger.StateFailed, ledger.KindDebit, 300)
	cancelled.FailureReason = ledger.ReasonCancelled

	p := ledger.Project(decimal.NewFromInt(1000), []ledger.LedgerEntry{cancelled})

	assert.True(t, p.ProjectedBalance.Equal(decimal.NewFromInt(1000)))
}

func TestProject_EmptyPendingSet(t *testing.T) {
	// GIVEN: No unsynced entries
	// THEN: Projected equals authoritative

	p := ledger.Project(decimal.NewFromFloat(123.45), nil)

	assert.True(t, p.ProjectedBalance.Equal(decimal.NewFromFloat(123.45)))
}
