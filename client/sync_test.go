package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/shadow-ledger/client"
	"github.com/warp/shadow-ledger/ledger"
	ledgerstore "github.com/warp/shadow-ledger/ledger/store"
	"github.com/warp/shadow-ledger/server"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const owner = ledger.OwnerID("user-alice")

// fakeRemote scripts the server side of a sync without a network.
type fakeRemote struct {
	submitted [][]ledger.LedgerEntry
	result    *server.BatchResult
	submitErr error

	balance decimal.Decimal
	records []ledger.AuthoritativeRecord
}

func (f *fakeRemote) SubmitBatch(_ context.Context, entries []ledger.LedgerEntry) (*server.BatchResult, error) {
	f.submitted = append(f.submitted, entries)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.result != nil {
		return f.result, nil
	}

	// Default: accept everything.
	result := &server.BatchResult{NewBalance: f.balance}
	for _, e := range entries {
		result.ProcessedIDs = append(result.ProcessedIDs, e.EntryID)
	}
	return result, nil
}

func (f *fakeRemote) FetchBalance(context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeRemote) FetchEntries(context.Context, int) ([]ledger.AuthoritativeRecord, error) {
	return f.records, nil
}

func (f *fakeRemote) ResolveCounterparty(context.Context, string) (ledger.OwnerID, error) {
	return "", ledger.ErrCounterpartyNotFound
}

type fixture struct {
	journal *ledger.Journal
	remote  *fakeRemote
	signal  *client.Signal
	sync    *client.SyncClient
}

func newFixture(t *testing.T, opening int64, opts ...client.ClientOption) *fixture {
	t.Helper()

	journal := ledger.NewJournal(
		ledgerstore.NewMemory(),
		ledger.NewSigner("test-secret"),
		ledger.WithOpeningBalance(decimal.NewFromInt(opening)),
	)
	remote := &fakeRemote{balance: decimal.NewFromInt(opening)}
	signal := client.NewSignal(true)

	return &fixture{
		journal: journal,
		remote:  remote,
		signal:  signal,
		sync:    client.NewSyncClient(owner, journal, remote, signal, opts...),
	}
}

func (f *fixture) record(t *testing.T, amount int64, kind ledger.Kind) ledger.LedgerEntry {
	t.Helper()
	e, err := f.journal.NewEntry(owner, "", decimal.NewFromInt(amount), kind, "")
	require.NoError(t, err)
	require.NoError(t, f.journal.Append(context.Background(), e))
	return e
}

func (f *fixture) entryState(t *testing.T, id ledger.EntryID) *ledger.LedgerEntry {
	t.Helper()
	e, err := f.journal.Store().Get(context.Background(), owner, id)
	require.NoError(t, err)
	return e
}

// =============================================================================
// UP-SYNC
// =============================================================================

func TestSyncNow_Offline_NoOp(t *testing.T) {
	// GIVEN: A pending entry and no connectivity
	// WHEN: SyncNow runs
	// THEN: Nothing is submitted, nothing errors, the entry stays pending

	f := newFixture(t, 1000)
	e := f.record(t, 100, ledger.KindDebit)
	f.signal.Set(false)

	report, err := f.sync.SyncNow(context.Background())

	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Empty(t, f.remote.submitted)
	assert.Equal(t, ledger.StatePending, f.entryState(t, e.EntryID).SyncState)
}

func TestSyncNow_Success(t *testing.T) {
	// GIVEN: Two pending entries and a server that accepts them
	// WHEN: SyncNow runs
	// THEN: Entries land in synced, the authoritative balance is adopted,
	//       and the projection converges

	f := newFixture(t, 1000)
	a := f.record(t, 100, ledger.KindDebit)
	b := f.record(t, 50, ledger.KindDebit)
	f.remote.balance = decimal.NewFromInt(850)

	report, err := f.sync.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, ledger.StateSynced, f.entryState(t, a.EntryID).SyncState)
	assert.Equal(t, ledger.StateSynced, f.entryState(t, b.EntryID).SyncState)

	w, err := f.journal.Wallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, w.AuthoritativeBalance.Equal(decimal.NewFromInt(850)))
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(850)),
		"projected = %s", w.ProjectedBalance)
}

func TestSyncNow_ServerRejection_MarksFailed(t *testing.T) {
	// GIVEN: A server that rejects one entry with a reason
	// WHEN: SyncNow runs
	// THEN: The rejected entry lands in failed carrying the server's reason

	f := newFixture(t, 1000)
	good := f.record(t, 100, ledger.KindDebit)
	bad := f.record(t, 200, ledger.KindDebit)

	f.remote.result = &server.BatchResult{
		ProcessedIDs: []ledger.EntryID{good.EntryID},
		Failed: []server.EntryFailure{
			{EntryID: bad.EntryID, Reason: ledger.ReasonInsufficientBalance},
		},
		NewBalance: decimal.NewFromInt(900),
	}

	report, err := f.sync.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)

	failed := f.entryState(t, bad.EntryID)
	assert.Equal(t, ledger.StateFailed, failed.SyncState)
	assert.Equal(t, ledger.ReasonInsufficientBalance, failed.FailureReason)
}

func TestSyncNow_TransportFailure_Reverts(t *testing.T) {
	// GIVEN: A server that cannot be reached
	// WHEN: SyncNow runs
	// THEN: The error surfaces, entries revert to pending with an
	//       incremented retry count, and nothing is lost

	f := newFixture(t, 1000)
	e := f.record(t, 100, ledger.KindDebit)
	f.remote.submitErr = &ledger.TransportError{Op: "POST /api/sync/batch", Err: errors.New("connection refused")}

	_, err := f.sync.SyncNow(context.Background())
	require.ErrorIs(t, err, ledger.ErrTransportFailure)

	reverted := f.entryState(t, e.EntryID)
	assert.Equal(t, ledger.StatePending, reverted.SyncState)
	assert.Equal(t, 1, reverted.RetryCount)

	// The money stays spoken for while the entry waits to retry.
	w, err := f.journal.Wallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(900)))
}

func TestSyncNow_RetryExhaustion(t *testing.T) {
	// GIVEN: A retry budget of 1 and a persistently unreachable server
	// WHEN: SyncNow runs past the budget
	// THEN: The entry parks in failed/retry_exhausted instead of looping forever

	f := newFixture(t, 1000, client.WithBackoff(client.Backoff{
		Base: 0, Max: 0, MaxRetries: 1,
	}))
	e := f.record(t, 100, ledger.KindDebit)
	f.remote.submitErr = &ledger.TransportError{Op: "submit", Err: errors.New("down")}

	ctx := context.Background()
	_, err := f.sync.SyncNow(ctx)
	require.ErrorIs(t, err, ledger.ErrTransportFailure)
	require.Equal(t, 1, f.entryState(t, e.EntryID).RetryCount)

	report, err := f.sync.SyncNow(ctx)
	require.NoError(t, err, "exhaustion is a verdict, not an error")
	assert.Equal(t, 0, report.Attempted)

	parked := f.entryState(t, e.EntryID)
	assert.Equal(t, ledger.StateFailed, parked.SyncState)
	assert.Equal(t, ledger.ReasonRetryExhausted, parked.FailureReason)
}

func TestRetry_RequeuesFailedEntry(t *testing.T) {
	// GIVEN: An entry parked in failed after exhausting retries
	// WHEN: The user retries it manually
	// THEN: It goes back to pending and the next sync submits it

	f := newFixture(t, 1000, client.WithBackoff(client.Backoff{
		Base: 0, Max: 0, MaxRetries: 1,
	}))
	e := f.record(t, 100, ledger.KindDebit)
	f.remote.submitErr = &ledger.TransportError{Op: "submit", Err: errors.New("down")}

	ctx := context.Background()
	_, _ = f.sync.SyncNow(ctx)
	_, err := f.sync.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.StateFailed, f.entryState(t, e.EntryID).SyncState)

	require.NoError(t, f.sync.Retry(ctx, e.EntryID))
	assert.Equal(t, ledger.StatePending, f.entryState(t, e.EntryID).SyncState)
}

// =============================================================================
// DOWN-SYNC
// =============================================================================

func TestDownSync_AdoptsUnknownRecords(t *testing.T) {
	// GIVEN: The server holds a credit this device has never seen
	//        (a P2P payment received while offline)
	// WHEN: DownSync runs
	// THEN: The record is adopted locally as synced and the balance follows

	f := newFixture(t, 1000)
	f.remote.balance = decimal.NewFromInt(1100)
	f.remote.records = []ledger.AuthoritativeRecord{{
		RecordID:  "rec-1",
		EntryID:   "p2p:remote-debit:credit",
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(100),
		Kind:      ledger.KindCredit,
		CreatedAt: time.Now().UTC(),
	}}

	require.NoError(t, f.sync.DownSync(context.Background()))

	adopted := f.entryState(t, "p2p:remote-debit:credit")
	assert.Equal(t, ledger.StateSynced, adopted.SyncState)

	w, err := f.journal.Wallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(1100)))
}

func TestDownSync_DetectsConflict(t *testing.T) {
	// GIVEN: A local pending entry whose id exists authoritatively with a
	//        different amount
	// WHEN: DownSync runs
	// THEN: The entry freezes in conflict with the authoritative snapshot
	//       attached, and stops claiming money

	f := newFixture(t, 1000)
	local := f.record(t, 100, ledger.KindDebit)

	f.remote.balance = decimal.NewFromInt(850)
	f.remote.records = []ledger.AuthoritativeRecord{{
		RecordID:  "rec-1",
		EntryID:   local.EntryID,
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(150),
		Kind:      ledger.KindDebit,
		CreatedAt: local.CreatedAt,
	}}

	require.NoError(t, f.sync.DownSync(context.Background()))

	frozen := f.entryState(t, local.EntryID)
	assert.Equal(t, ledger.StateConflict, frozen.SyncState)
	require.NotNil(t, frozen.Conflict)
	assert.True(t, frozen.Conflict.Authoritative.Amount.Equal(decimal.NewFromInt(150)))

	conflicts, err := f.sync.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	w, err := f.journal.Wallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(850)),
		"conflicted entry must not project, projected = %s", w.ProjectedBalance)
}

func TestDownSync_MatchingRecordSettlesShadow(t *testing.T) {
	// GIVEN: A local pending entry the server already committed verbatim
	//        (the sync response was lost)
	// WHEN: DownSync runs
	// THEN: The shadow settles to synced without conflict

	f := newFixture(t, 1000)
	local := f.record(t, 100, ledger.KindDebit)

	f.remote.balance = decimal.NewFromInt(900)
	f.remote.records = []ledger.AuthoritativeRecord{{
		RecordID:  "rec-1",
		EntryID:   local.EntryID,
		OwnerID:   owner,
		Amount:    local.Amount,
		Kind:      local.Kind,
		Memo:      local.Memo,
		CreatedAt: local.CreatedAt,
		Signature: local.Signature,
	}}

	require.NoError(t, f.sync.DownSync(context.Background()))

	assert.Equal(t, ledger.StateSynced, f.entryState(t, local.EntryID).SyncState)

	w, err := f.journal.Wallet(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, w.ProjectedBalance.Equal(decimal.NewFromInt(900)))
}

func TestResolve_KeepLocal_NextSyncSubmits(t *testing.T) {
	// GIVEN: A conflicted entry the user resolves as keep_local
	// WHEN: The next SyncNow runs
	// THEN: The local version is in the submitted batch, and later
	//       down-syncs honor the resolution instead of freezing the entry
	//       in conflict again

	f := newFixture(t, 1000)
	local := f.record(t, 100, ledger.KindDebit)

	f.remote.records = []ledger.AuthoritativeRecord{{
		RecordID:  "rec-1",
		EntryID:   local.EntryID,
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(150),
		Kind:      ledger.KindDebit,
		CreatedAt: local.CreatedAt,
	}}
	ctx := context.Background()
	require.NoError(t, f.sync.DownSync(ctx))
	require.Equal(t, ledger.StateConflict, f.entryState(t, local.EntryID).SyncState)

	require.NoError(t, f.sync.Resolve(ctx, local.EntryID, ledger.ChoiceKeepLocal))

	_, err := f.sync.SyncNow(ctx)
	require.NoError(t, err)
	require.Len(t, f.remote.submitted, 1)
	require.Len(t, f.remote.submitted[0], 1)
	assert.Equal(t, local.EntryID, f.remote.submitted[0][0].EntryID)

	// The server still serves the 150 the user already resolved against
	// (its supersede hasn't shown up in the feed yet): no re-freeze.
	require.NoError(t, f.sync.DownSync(ctx))
	assert.Equal(t, ledger.StateSynced, f.entryState(t, local.EntryID).SyncState,
		"a resolved divergence must not re-enter conflict")

	// A FRESH divergence (the server copy moved again) is a new conflict.
	f.remote.records[0].Amount = decimal.NewFromInt(175)
	require.NoError(t, f.sync.DownSync(ctx))
	refrozen := f.entryState(t, local.EntryID)
	assert.Equal(t, ledger.StateConflict, refrozen.SyncState)
	require.NotNil(t, refrozen.Conflict)
	assert.True(t, refrozen.Conflict.Authoritative.Amount.Equal(decimal.NewFromInt(175)))
}

// =============================================================================
// CONNECTIVITY BINDING
// =============================================================================

func TestBindConnectivity_SyncsOnReconnect(t *testing.T) {
	// GIVEN: A pending entry recorded while offline
	// WHEN: Connectivity transitions offline -> online
	// THEN: Down-sync and up-sync run automatically

	f := newFixture(t, 1000)
	f.signal.Set(false)
	e := f.record(t, 100, ledger.KindDebit)

	cancel := f.sync.BindConnectivity(context.Background(), nil)
	defer cancel()

	f.signal.Set(true)

	assert.Len(t, f.remote.submitted, 1, "reconnect should trigger an up-sync")
	assert.Equal(t, ledger.StateSynced, f.entryState(t, e.EntryID).SyncState)
}
