/*
Package storetest holds the ledger.Store conformance suite.

PURPOSE:
  Every Store implementation must agree on the state-machine semantics
  the sync engine relies on, most importantly what MarkSynced clears and
  what it preserves. Each implementation's test package runs this suite
  against a fresh store.
*/
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shadow-ledger/ledger"
)

const owner = ledger.OwnerID("user-conformance")

// Run exercises the ledger.Store contract. newStore must return an
// empty store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("append rejects a duplicate entry id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, entry("e-1")))
		assert.ErrorIs(t, s.Append(ctx, entry("e-1")), ledger.ErrDuplicateEntry)
	})

	t.Run("mark synced clears failure reason and preserves conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := entry("e-1")
		e.SyncState = ledger.StatePending
		e.FailureReason = ledger.ReasonInsufficientBalance
		e.Conflict = &ledger.ConflictInfo{
			Authoritative: authoritative("e-1", 150),
			Resolved:      true,
		}
		require.NoError(t, s.Append(ctx, e))

		require.NoError(t, s.MarkSynced(ctx, owner, []ledger.EntryID{"e-1"}))

		got, err := s.Get(ctx, owner, "e-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateSynced, got.SyncState)
		assert.Empty(t, got.FailureReason)
		require.NotNil(t, got.Conflict, "the resolution audit trail survives MarkSynced")
		assert.True(t, got.Conflict.Resolved)
		assert.True(t, got.Conflict.Authoritative.Amount.Equal(decimal.NewFromInt(150)))
	})

	t.Run("revert moves back to pending and increments retry count", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, entry("e-1")))
		require.NoError(t, s.MarkSyncing(ctx, owner, []ledger.EntryID{"e-1"}))
		require.NoError(t, s.Revert(ctx, owner, []ledger.EntryID{"e-1"}))

		got, err := s.Get(ctx, owner, "e-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatePending, got.SyncState)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("conflict leaves the unsynced queue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, entry("e-1")))
		require.NoError(t, s.MarkConflict(ctx, owner, "e-1", authoritative("e-1", 150)))

		unsynced, err := s.ListUnsynced(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, unsynced, "frozen entries must not be submitted")

		conflicts, err := s.ListConflicts(ctx, owner)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		require.NotNil(t, conflicts[0].Conflict)
	})

	t.Run("upsert replaces by entry id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, entry("e-1")))

		replacement := entry("e-1")
		replacement.Amount = decimal.NewFromInt(75)
		replacement.SyncState = ledger.StateSynced
		require.NoError(t, s.Upsert(ctx, replacement))

		got, err := s.Get(ctx, owner, "e-1")
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(75)))
		assert.Equal(t, ledger.StateSynced, got.SyncState)
	})
}

func entry(id ledger.EntryID) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		EntryID:   id,
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(25),
		Kind:      ledger.KindDebit,
		Memo:      "conformance",
		CreatedAt: time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC),
		Signature: "sig-" + string(id),
		SyncState: ledger.StatePending,
	}
}

func authoritative(id ledger.EntryID, amount int64) ledger.AuthoritativeRecord {
	return ledger.AuthoritativeRecord{
		RecordID:  "rec-" + string(id),
		EntryID:   id,
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(amount),
		Kind:      ledger.KindDebit,
		Memo:      "conformance",
		CreatedAt: time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC),
	}
}
