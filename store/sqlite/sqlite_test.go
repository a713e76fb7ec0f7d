package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/ledger/storetest"
	"github.com/warp/shadow-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const owner = ledger.OwnerID("user-alice")

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry(id string, amount float64) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		EntryID:   ledger.EntryID(id),
		OwnerID:   owner,
		Amount:    decimal.NewFromFloat(amount),
		Kind:      ledger.KindDebit,
		Memo:      "coffee",
		CreatedAt: time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
		Signature: "sig-" + id,
		SyncState: ledger.StatePending,
	}
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

// =============================================================================
// DURABILITY
// =============================================================================

func TestStore_SurvivesReopen(t *testing.T) {
	// GIVEN: An entry and a wallet state written to a file-backed store
	// WHEN: The store is closed and reopened (process restart)
	// THEN: Everything reads back intact

	path := filepath.Join(t.TempDir(), "wallet.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)

	e := testEntry("e-1", 42.50)
	e.Conflict = &ledger.ConflictInfo{
		Authoritative: ledger.AuthoritativeRecord{
			RecordID: "rec-1",
			EntryID:  "e-1",
			OwnerID:  owner,
			Amount:   decimal.NewFromInt(50),
			Kind:     ledger.KindDebit,
		},
	}
	require.NoError(t, store.Append(ctx, e))
	require.NoError(t, store.PutWalletState(ctx, ledger.WalletState{
		OwnerID:              owner,
		AuthoritativeBalance: decimal.NewFromInt(1000),
		ProjectedBalance:     decimal.NewFromFloat(957.50),
		PendingDebitTotal:    decimal.NewFromFloat(42.50),
		PendingCreditTotal:   decimal.Zero,
		LastReconciledAt:     time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(42.50)))
	assert.Equal(t, "coffee", got.Memo)
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
	require.NotNil(t, got.Conflict)
	assert.True(t, got.Conflict.Authoritative.Amount.Equal(decimal.NewFromInt(50)))

	w, err := reopened.WalletState(ctx, owner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromFloat(957.50)))
	assert.False(t, w.LastReconciledAt.IsZero())
}

// =============================================================================
// IDEMPOTENCY AND LISTING
// =============================================================================

func TestStore_Append_DuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry("e-1", 10)))

	err := store.Append(ctx, testEntry("e-1", 99))
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)
}

func TestStore_Get_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), owner, "nope")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestStore_ListPending_AppendOrder(t *testing.T) {
	// GIVEN: Three entries appended in order, one of them synced
	// THEN: ListPending returns the remaining two in append order

	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, store.Append(ctx, testEntry(id, 10)))
	}
	require.NoError(t, store.MarkSynced(ctx, owner, []ledger.EntryID{"e-2"}))

	pending, err := store.ListPending(ctx, owner)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ledger.EntryID("e-1"), pending[0].EntryID)
	assert.Equal(t, ledger.EntryID("e-3"), pending[1].EntryID)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestStore_SyncLifecycle(t *testing.T) {
	// GIVEN: A pending entry
	// WHEN: It walks pending -> syncing -> (transport failure) -> pending
	//       -> syncing -> failed
	// THEN: Each transition is observable, retry_count grows on revert

	store := newTestStore(t)
	ctx := context.Background()
	ids := []ledger.EntryID{"e-1"}

	require.NoError(t, store.Append(ctx, testEntry("e-1", 10)))

	require.NoError(t, store.MarkSyncing(ctx, owner, ids))
	e, err := store.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSyncing, e.SyncState)
	assert.False(t, e.LastAttemptAt.IsZero(), "attempt time should be stamped")

	require.NoError(t, store.Revert(ctx, owner, ids))
	e, err = store.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, e.SyncState)
	assert.Equal(t, 1, e.RetryCount)

	require.NoError(t, store.MarkSyncing(ctx, owner, ids))
	require.NoError(t, store.MarkFailed(ctx, owner, "e-1", ledger.ReasonInsufficientBalance))
	e, err = store.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, e.SyncState)
	assert.Equal(t, ledger.ReasonInsufficientBalance, e.FailureReason)
}

func TestStore_MarkSyncing_OnlyMovesPending(t *testing.T) {
	// GIVEN: An already-synced entry
	// WHEN: A stale sync pass tries to mark it syncing
	// THEN: It stays synced

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry("e-1", 10)))
	require.NoError(t, store.MarkSynced(ctx, owner, []ledger.EntryID{"e-1"}))

	require.NoError(t, store.MarkSyncing(ctx, owner, []ledger.EntryID{"e-1"}))

	e, err := store.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSynced, e.SyncState)
}

func TestStore_MarkConflictAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry("e-1", 10)))
	require.NoError(t, store.MarkConflict(ctx, owner, "e-1", ledger.AuthoritativeRecord{
		RecordID: "rec-1",
		EntryID:  "e-1",
		OwnerID:  owner,
		Amount:   decimal.NewFromInt(20),
		Kind:     ledger.KindDebit,
	}))

	conflicts, err := store.ListConflicts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NotNil(t, conflicts[0].Conflict)
	assert.True(t, conflicts[0].Conflict.Authoritative.Amount.Equal(decimal.NewFromInt(20)))

	unsynced, err := store.ListUnsynced(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, unsynced, "conflicted entries are not part of the sync queue")
}

func TestStore_Upsert_ReplacesByEntryID(t *testing.T) {
	// GIVEN: A stored pending entry
	// WHEN: Down-sync upserts the authoritative version under the same id
	// THEN: One row remains, carrying the new values

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry("e-1", 10)))

	replacement := testEntry("e-1", 15)
	replacement.SyncState = ledger.StateSynced
	require.NoError(t, store.Upsert(ctx, replacement))

	e, err := store.Get(ctx, owner, "e-1")
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, ledger.StateSynced, e.SyncState)

	pending, err := store.ListPending(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_WalletState_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.WalletState(context.Background(), "user-new")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}
