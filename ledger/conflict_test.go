package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shadow-ledger/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// conflictedJournal seeds a journal with one entry frozen in conflict:
// locally a 100 debit, authoritatively a 150 debit under the same id.
func conflictedJournal(t *testing.T) (*ledger.Journal, ledger.LedgerEntry, ledger.AuthoritativeRecord) {
	t.Helper()
	ctx := context.Background()

	j := newTestJournal(t, 1000)
	local := mustAppend(t, j, 100, ledger.KindDebit)

	authoritative := ledger.AuthoritativeRecord{
		RecordID:  "rec-1",
		EntryID:   local.EntryID,
		OwnerID:   local.OwnerID,
		Amount:    decimal.NewFromInt(150),
		Kind:      local.Kind,
		CreatedAt: local.CreatedAt,
		Signature: local.Signature,
	}

	require.True(t, ledger.Conflicts(local, authoritative))
	require.NoError(t, j.Store().MarkConflict(ctx, testOwner, local.EntryID, authoritative))
	_, err := j.Refresh(ctx, testOwner)
	require.NoError(t, err)

	return j, local, authoritative
}

// =============================================================================
// DETECTION
// =============================================================================

func TestConflicts_Detection(t *testing.T) {
	// GIVEN: A local entry and authoritative versions of it
	// THEN: Only genuine field divergence under the same id is a conflict

	local := ledger.LedgerEntry{
		EntryID: "e-1",
		OwnerID: "user-alice",
		Amount:  decimal.NewFromInt(100),
		Kind:    ledger.KindDebit,
		Memo:    "rent",
	}
	same := ledger.AuthoritativeRecord{
		EntryID: "e-1",
		OwnerID: "user-alice",
		Amount:  decimal.NewFromInt(100),
		Kind:    ledger.KindDebit,
		Memo:    "rent",
	}

	assert.False(t, ledger.Conflicts(local, same), "identical replay is not a conflict")

	diffAmount := same
	diffAmount.Amount = decimal.NewFromInt(150)
	assert.True(t, ledger.Conflicts(local, diffAmount))

	diffMemo := same
	diffMemo.Memo = "rent march"
	assert.True(t, ledger.Conflicts(local, diffMemo))

	otherID := diffAmount
	otherID.EntryID = "e-2"
	assert.False(t, ledger.Conflicts(local, otherID), "different ids never conflict")
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolve_KeepLocal(t *testing.T) {
	// GIVEN: An entry in conflict
	// WHEN: The user keeps the local version
	// THEN: It re-enters the pending queue, counts toward the projection
	//       again, and keeps the resolved snapshot so down-sync won't
	//       freeze it in conflict a second time

	j, local, authoritative := conflictedJournal(t)
	ctx := context.Background()

	err := ledger.NewResolver(j).Resolve(ctx, testOwner, local.EntryID, ledger.ChoiceKeepLocal)
	require.NoError(t, err)

	e, err := j.Store().Get(ctx, testOwner, local.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, e.SyncState)
	require.NotNil(t, e.Conflict)
	assert.True(t, e.Conflict.Resolved)
	assert.True(t, e.Conflict.Authoritative.Amount.Equal(authoritative.Amount),
		"the snapshot the user resolved against stays attached")

	w, err := j.Wallet(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(900)),
		"local 100 debit counts again, projected = %s", w.ProjectedBalance)
}

func TestResolve_AcceptServer(t *testing.T) {
	// GIVEN: An entry in conflict (local 100 debit vs authoritative 150)
	// WHEN: The user accepts the server version
	// THEN: The authoritative snapshot is adopted as synced and the local
	//       version stops claiming money

	j, local, authoritative := conflictedJournal(t)
	ctx := context.Background()

	err := ledger.NewResolver(j).Resolve(ctx, testOwner, local.EntryID, ledger.ChoiceAcceptServer)
	require.NoError(t, err)

	e, err := j.Store().Get(ctx, testOwner, local.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSynced, e.SyncState)
	assert.True(t, e.Amount.Equal(authoritative.Amount), "adopted amount = %s", e.Amount)
	require.NotNil(t, e.Conflict)
	assert.True(t, e.Conflict.Resolved)

	w, err := j.Wallet(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(1000)),
		"synced entries don't project, projected = %s", w.ProjectedBalance)
}

func TestResolve_Cancel(t *testing.T) {
	// GIVEN: An entry in conflict
	// WHEN: The user cancels it
	// THEN: It stays in the log as failed/cancelled, excluded from the
	//       projection, and is never re-submitted

	j, local, _ := conflictedJournal(t)
	ctx := context.Background()

	err := ledger.NewResolver(j).Resolve(ctx, testOwner, local.EntryID, ledger.ChoiceCancel)
	require.NoError(t, err)

	e, err := j.Store().Get(ctx, testOwner, local.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, e.SyncState)
	assert.Equal(t, ledger.ReasonCancelled, e.FailureReason)
	assert.False(t, e.CountsTowardProjection())

	pending, err := j.Store().ListPending(ctx, testOwner)
	require.NoError(t, err)
	assert.Empty(t, pending, "cancelled entries never re-enter the queue")

	w, err := j.Wallet(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(1000)))
}

func TestResolve_NotInConflict_Rejected(t *testing.T) {
	// GIVEN: A plain pending entry
	// WHEN: Resolving it
	// THEN: ErrNotInConflict

	j := newTestJournal(t, 1000)
	e := mustAppend(t, j, 10, ledger.KindDebit)

	err := ledger.NewResolver(j).Resolve(context.Background(), testOwner, e.EntryID, ledger.ChoiceCancel)
	assert.ErrorIs(t, err, ledger.ErrNotInConflict)
}

func TestResolve_ConflictFreezesProjection(t *testing.T) {
	// GIVEN: A pending 100 debit against authoritative 1000
	// WHEN: The entry freezes in conflict
	// THEN: The projection releases the 100 until resolution

	j, _, _ := conflictedJournal(t)

	w, err := j.Wallet(context.Background(), testOwner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(1000)),
		"projected = %s", w.ProjectedBalance)
}

func TestResolve_UnknownChoice_Rejected(t *testing.T) {
	j, local, _ := conflictedJournal(t)

	err := ledger.NewResolver(j).Resolve(context.Background(), testOwner, local.EntryID, "flip_a_coin")
	assert.Error(t, err)
}

func TestEntryFromAuthoritative(t *testing.T) {
	// GIVEN: An authoritative record
	// WHEN: Adopting it locally
	// THEN: It arrives already synced with identity preserved

	createdAt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	rec := ledger.AuthoritativeRecord{
		RecordID:  "rec-9",
		EntryID:   "e-9",
		OwnerID:   "user-alice",
		Amount:    decimal.NewFromInt(75),
		Kind:      ledger.KindCredit,
		CreatedAt: createdAt,
	}

	e := ledger.EntryFromAuthoritative(rec)

	assert.Equal(t, ledger.StateSynced, e.SyncState)
	assert.Equal(t, rec.EntryID, e.EntryID)
	assert.True(t, e.Amount.Equal(rec.Amount))
	assert.Equal(t, createdAt, e.CreatedAt)
}
