// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/shadow-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store without durability. Entries keep append
// order per owner so sync batches preserve the order they were recorded.
type Memory struct {
	mu      sync.RWMutex
	entries map[ledger.OwnerID][]*ledger.LedgerEntry
	byID    map[ledger.EntryID]*ledger.LedgerEntry
	wallets map[ledger.OwnerID]ledger.WalletState
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[ledger.OwnerID][]*ledger.LedgerEntry),
		byID:    make(map[ledger.EntryID]*ledger.LedgerEntry),
		wallets: make(map[ledger.OwnerID]ledger.WalletState),
		now:     time.Now,
	}
}

// WithClock overrides timestamps stamped by MarkSyncing (tests).
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Append(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[e.EntryID]; exists {
		return ledger.ErrDuplicateEntry
	}
	stored := e
	m.entries[e.OwnerID] = append(m.entries[e.OwnerID], &stored)
	m.byID[e.EntryID] = &stored
	return nil
}

func (m *Memory) Get(_ context.Context, owner ledger.OwnerID, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok || e.OwnerID != owner {
		return nil, ledger.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListPending(_ context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return m.listByState(owner, ledger.StatePending)
}

func (m *Memory) ListUnsynced(_ context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return m.listByState(owner, ledger.StatePending, ledger.StateSyncing, ledger.StateFailed)
}

func (m *Memory) ListConflicts(_ context.Context, owner ledger.OwnerID) ([]ledger.LedgerEntry, error) {
	return m.listByState(owner, ledger.StateConflict)
}

func (m *Memory) listByState(owner ledger.OwnerID, states ...ledger.SyncState) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.LedgerEntry
	for _, e := range m.entries[owner] {
		for _, s := range states {
			if e.SyncState == s {
				result = append(result, *e)
				break
			}
		}
	}
	return result, nil
}

func (m *Memory) MarkSyncing(_ context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range ids {
		e, err := m.getLocked(owner, id)
		if err != nil {
			return err
		}
		e.SyncState = ledger.StateSyncing
		e.LastAttemptAt = now
	}
	return nil
}

func (m *Memory) MarkSynced(_ context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		e, err := m.getLocked(owner, id)
		if err != nil {
			return err
		}
		e.SyncState = ledger.StateSynced
		e.FailureReason = ""
		// A resolved conflict snapshot survives as the audit trail of how
		// the entry got here; down-sync relies on it to not re-freeze a
		// keep_local resubmission.
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, owner ledger.OwnerID, id ledger.EntryID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.getLocked(owner, id)
	if err != nil {
		return err
	}
	e.SyncState = ledger.StateFailed
	e.FailureReason = reason
	return nil
}

func (m *Memory) MarkConflict(_ context.Context, owner ledger.OwnerID, id ledger.EntryID, authoritative ledger.AuthoritativeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.getLocked(owner, id)
	if err != nil {
		return err
	}
	e.SyncState = ledger.StateConflict
	e.Conflict = &ledger.ConflictInfo{Authoritative: authoritative}
	return nil
}

func (m *Memory) Revert(_ context.Context, owner ledger.OwnerID, ids []ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		e, err := m.getLocked(owner, id)
		if err != nil {
			return err
		}
		e.SyncState = ledger.StatePending
		e.RetryCount++
		e.FailureReason = ""
	}
	return nil
}

func (m *Memory) Upsert(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[e.EntryID]; ok {
		*existing = e
		return nil
	}
	stored := e
	m.entries[e.OwnerID] = append(m.entries[e.OwnerID], &stored)
	m.byID[e.EntryID] = &stored
	return nil
}

func (m *Memory) WalletState(_ context.Context, owner ledger.OwnerID) (*ledger.WalletState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[owner]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) PutWalletState(_ context.Context, w ledger.WalletState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallets[w.OwnerID] = w
	return nil
}

func (m *Memory) getLocked(owner ledger.OwnerID, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	e, ok := m.byID[id]
	if !ok || e.OwnerID != owner {
		return nil, ledger.ErrEntryNotFound
	}
	return e, nil
}
