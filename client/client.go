/*
client.go - The sync engine

PURPOSE:
  SyncClient drives the entry log through its lifecycle against the
  authoritative server: up-sync (submit the due pending set as one signed
  batch), down-sync (pull the authoritative balance and recent records,
  detect divergence), and conflict resolution. One SyncClient serves one
  authenticated owner.

UP-SYNC CONTRACT:
  - Offline is a no-op, never an error. Entries simply stay pending.
  - Entries move pending → syncing before the wire call, so a concurrent
    pass cannot double-submit them.
  - A transport failure reverts syncing → pending with retry_count
    incremented; the entries re-enter the queue subject to backoff.
  - A server verdict is final per entry: processed ids go to synced,
    failed ids go to failed with the server's reason.
  - Entries past the retry budget land in failed/retry_exhausted and wait
    for a manual Retry.

SEE ALSO:
  - remote.go: the wire
  - ledger/journal.go: the local write path this engine transitions
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/shadow-ledger/ledger"
)

const defaultDownSyncLimit = 200

// syncingLease bounds how long an entry may sit in syncing before a later
// pass reclaims it. Covers crashes between MarkSyncing and the verdict.
const syncingLease = 2 * time.Minute

// SyncReport summarizes one up-sync pass.
type SyncReport struct {
	Attempted int
	Synced    int
	Failed    int
}

// SyncClient synchronizes one owner's journal with the server.
type SyncClient struct {
	mu      sync.Mutex
	owner   ledger.OwnerID
	journal *ledger.Journal
	remote  Remote
	conn    Connectivity
	backoff Backoff
	now     func() time.Time

	downSyncLimit int
}

// ClientOption configures a SyncClient.
type ClientOption func(*SyncClient)

// WithBackoff overrides the retry schedule.
func WithBackoff(b Backoff) ClientOption {
	return func(c *SyncClient) { c.backoff = b }
}

// WithDownSyncLimit bounds how many authoritative records one down-sync
// pulls.
func WithDownSyncLimit(n int) ClientOption {
	return func(c *SyncClient) { c.downSyncLimit = n }
}

// WithSyncClock overrides the wall clock (tests).
func WithSyncClock(now func() time.Time) ClientOption {
	return func(c *SyncClient) { c.now = now }
}

func NewSyncClient(owner ledger.OwnerID, journal *ledger.Journal, remote Remote, conn Connectivity, opts ...ClientOption) *SyncClient {
	c := &SyncClient{
		owner:         owner,
		journal:       journal,
		remote:        remote,
		conn:          conn,
		backoff:       DefaultBackoff(),
		now:           time.Now,
		downSyncLimit: defaultDownSyncLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// UP-SYNC
// =============================================================================

// SyncNow submits the due pending set as one batch. Offline is a silent
// no-op. Only one pass runs at a time per client.
func (c *SyncClient) SyncNow(ctx context.Context) (*SyncReport, error) {
	if !c.conn.Online() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store := c.journal.Store()
	now := c.now()

	if err := c.reclaimStuck(ctx, now); err != nil {
		return nil, err
	}

	batch, err := c.collectDue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return &SyncReport{}, nil
	}

	ids := make([]ledger.EntryID, 0, len(batch))
	for _, e := range batch {
		ids = append(ids, e.EntryID)
	}
	if err := store.MarkSyncing(ctx, c.owner, ids); err != nil {
		return nil, err
	}

	result, err := c.remote.SubmitBatch(ctx, batch)
	if err != nil {
		// The batch may or may not have landed; reverting to pending is
		// safe because the entry ids dedupe on replay.
		if revertErr := store.Revert(ctx, c.owner, ids); revertErr != nil {
			return nil, fmt.Errorf("reverting after submit failure: %v (submit: %w)", revertErr, err)
		}
		if _, refreshErr := c.journal.Refresh(ctx, c.owner); refreshErr != nil {
			return nil, refreshErr
		}
		return nil, err
	}

	report := &SyncReport{Attempted: len(batch)}
	if err := store.MarkSynced(ctx, c.owner, result.ProcessedIDs); err != nil {
		return nil, err
	}
	report.Synced = len(result.ProcessedIDs)
	for _, f := range result.Failed {
		if err := store.MarkFailed(ctx, c.owner, f.EntryID, f.Reason); err != nil {
			return nil, err
		}
		report.Failed++
	}

	if _, err := c.journal.SetAuthoritativeBalance(ctx, c.owner, result.NewBalance); err != nil {
		return nil, err
	}
	return report, nil
}

// reclaimStuck reverts entries that have sat in syncing past the lease,
// usually because a previous process died mid-submit.
func (c *SyncClient) reclaimStuck(ctx context.Context, now time.Time) error {
	store := c.journal.Store()
	unsynced, err := store.ListUnsynced(ctx, c.owner)
	if err != nil {
		return err
	}
	var stuck []ledger.EntryID
	for _, e := range unsynced {
		if e.SyncState == ledger.StateSyncing && now.Sub(e.LastAttemptAt) > syncingLease {
			stuck = append(stuck, e.EntryID)
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	return store.Revert(ctx, c.owner, stuck)
}

// collectDue gathers pending entries whose backoff window has elapsed and
// parks exhausted ones in failed/retry_exhausted.
func (c *SyncClient) collectDue(ctx context.Context, now time.Time) ([]ledger.LedgerEntry, error) {
	store := c.journal.Store()
	pending, err := store.ListPending(ctx, c.owner)
	if err != nil {
		return nil, err
	}

	var due []ledger.LedgerEntry
	exhausted := false
	for _, e := range pending {
		if c.backoff.Exhausted(e.RetryCount) {
			if err := store.MarkFailed(ctx, c.owner, e.EntryID, ledger.ReasonRetryExhausted); err != nil {
				return nil, err
			}
			exhausted = true
			continue
		}
		if c.backoff.Due(e.RetryCount, e.LastAttemptAt, now) {
			due = append(due, e)
		}
	}
	if exhausted {
		if _, err := c.journal.Refresh(ctx, c.owner); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// Retry puts a failed entry back into the pending queue, typically after
// the user fixed the cause of the failure.
func (c *SyncClient) Retry(ctx context.Context, id ledger.EntryID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	store := c.journal.Store()
	e, err := store.Get(ctx, c.owner, id)
	if err != nil {
		return err
	}
	if e.SyncState != ledger.StateFailed {
		return fmt.Errorf("entry %s is %s, only failed entries can be retried", id, e.SyncState)
	}
	if err := store.Revert(ctx, c.owner, []ledger.EntryID{id}); err != nil {
		return err
	}
	_, err = c.journal.Refresh(ctx, c.owner)
	return err
}

// =============================================================================
// DOWN-SYNC
// =============================================================================

// DownSync pulls the authoritative balance and recent records, adopts
// unknown records into the local log, and freezes diverging local entries
// in the conflict state. Offline is a silent no-op.
func (c *SyncClient) DownSync(ctx context.Context) error {
	if !c.conn.Online() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	balance, err := c.remote.FetchBalance(ctx)
	if err != nil {
		return err
	}
	records, err := c.remote.FetchEntries(ctx, c.downSyncLimit)
	if err != nil {
		return err
	}

	store := c.journal.Store()
	for _, rec := range records {
		local, err := store.Get(ctx, c.owner, rec.EntryID)
		if errors.Is(err, ledger.ErrEntryNotFound) {
			// Record born elsewhere (another device, a P2P credit): adopt
			// it as already synced.
			if err := store.Upsert(ctx, ledger.EntryFromAuthoritative(rec)); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if ledger.Conflicts(*local, rec) {
			if local.SyncState == ledger.StateConflict {
				continue
			}
			// A resolved conflict stays resolved only against the snapshot
			// the user saw; a server copy that moved again is a new
			// divergence and freezes the entry again.
			if local.Conflict != nil && local.Conflict.Resolved &&
				ledger.SameRecord(local.Conflict.Authoritative, rec) {
				continue
			}
			if err := store.MarkConflict(ctx, c.owner, rec.EntryID, rec); err != nil {
				return err
			}
			continue
		}

		// Same content, confirmed authoritative: settle the local shadow.
		if local.SyncState != ledger.StateSynced {
			if err := store.MarkSynced(ctx, c.owner, []ledger.EntryID{rec.EntryID}); err != nil {
				return err
			}
		}
	}

	_, err = c.journal.SetAuthoritativeBalance(ctx, c.owner, balance)
	return err
}

// =============================================================================
// RESOLUTION AND CONNECTIVITY
// =============================================================================

// Resolve applies a conflict resolution choice and, for keep_local,
// leaves the entry queued for the next up-sync.
func (c *SyncClient) Resolve(ctx context.Context, id ledger.EntryID, choice ledger.ResolutionChoice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ledger.NewResolver(c.journal).Resolve(ctx, c.owner, id, choice)
}

// Conflicts lists the entries awaiting resolution.
func (c *SyncClient) Conflicts(ctx context.Context) ([]ledger.LedgerEntry, error) {
	return c.journal.Store().ListConflicts(ctx, c.owner)
}

// BindConnectivity triggers a down-sync followed by an up-sync whenever
// connectivity transitions offline → online. Returns the unsubscribe
// function.
func (c *SyncClient) BindConnectivity(ctx context.Context, onErr func(error)) (cancel func()) {
	return c.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		if err := c.DownSync(ctx); err != nil && onErr != nil {
			onErr(err)
		}
		if _, err := c.SyncNow(ctx); err != nil && onErr != nil {
			onErr(err)
		}
	})
}
