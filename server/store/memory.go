// Package store provides server.Store implementations.
package store

import (
	"context"
	"strings"
	"sync"

	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
)

// =============================================================================
// MEMORY STORE - In-memory authoritative store (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.OwnerID]server.AccountRecord
	handles  map[string]ledger.OwnerID
	records  []server.LedgerRecord
	byEntry  map[ledger.EntryID]int // index into records
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.OwnerID]server.AccountRecord),
		handles:  make(map[string]ledger.OwnerID),
		byEntry:  make(map[ledger.EntryID]int),
	}
}

func (m *Memory) Account(_ context.Context, owner ledger.OwnerID) (*server.AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountLocked(owner), nil
}

func (m *Memory) accountLocked(owner ledger.OwnerID) *server.AccountRecord {
	a, ok := m.accounts[owner]
	if !ok {
		return nil
	}
	return &a
}

func (m *Memory) CreateAccount(_ context.Context, a server.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(a)
}

func (m *Memory) createAccountLocked(a server.AccountRecord) error {
	if _, exists := m.accounts[a.OwnerID]; exists {
		return ledger.ErrDuplicateEntry
	}
	m.accounts[a.OwnerID] = a
	if a.Handle != "" {
		m.handles[strings.ToLower(a.Handle)] = a.OwnerID
	}
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, a server.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAccountLocked(a)
}

func (m *Memory) saveAccountLocked(a server.AccountRecord) error {
	m.accounts[a.OwnerID] = a
	if a.Handle != "" {
		m.handles[strings.ToLower(a.Handle)] = a.OwnerID
	}
	return nil
}

func (m *Memory) RecordExists(_ context.Context, id ledger.EntryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byEntry[id]
	return ok, nil
}

func (m *Memory) Record(_ context.Context, id ledger.EntryID) (*server.LedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recordLocked(id), nil
}

func (m *Memory) recordLocked(id ledger.EntryID) *server.LedgerRecord {
	i, ok := m.byEntry[id]
	if !ok {
		return nil
	}
	r := m.records[i]
	return &r
}

func (m *Memory) InsertRecord(_ context.Context, r server.LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRecordLocked(r)
}

func (m *Memory) UpdateRecord(_ context.Context, r server.LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRecordLocked(r)
}

func (m *Memory) updateRecordLocked(r server.LedgerRecord) error {
	i, ok := m.byEntry[r.EntryID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	m.records[i] = r
	return nil
}

func (m *Memory) insertRecordLocked(r server.LedgerRecord) error {
	if _, exists := m.byEntry[r.EntryID]; exists {
		return ledger.ErrDuplicateEntry
	}
	m.records = append(m.records, r)
	m.byEntry[r.EntryID] = len(m.records) - 1
	return nil
}

func (m *Memory) RecentRecords(_ context.Context, owner ledger.OwnerID, limit int) ([]server.LedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []server.LedgerRecord
	for i := len(m.records) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if m.records[i].OwnerID == owner {
			result = append(result, m.records[i])
		}
	}
	return result, nil
}

func (m *Memory) ResolveCounterparty(_ context.Context, identifier string) (ledger.OwnerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if owner, ok := m.handles[strings.ToLower(identifier)]; ok {
		return owner, nil
	}
	// An owner id is also a valid identifier.
	if _, ok := m.accounts[ledger.OwnerID(identifier)]; ok {
		return ledger.OwnerID(identifier), nil
	}
	return "", ledger.ErrCounterpartyNotFound
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx simulates an atomic unit of work by snapshotting state and
// restoring it when fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(server.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[ledger.OwnerID]server.AccountRecord
	handles  map[string]ledger.OwnerID
	records  []server.LedgerRecord
	byEntry  map[ledger.EntryID]int
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[ledger.OwnerID]server.AccountRecord, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	handles := make(map[string]ledger.OwnerID, len(m.handles))
	for k, v := range m.handles {
		handles[k] = v
	}
	byEntry := make(map[ledger.EntryID]int, len(m.byEntry))
	for k, v := range m.byEntry {
		byEntry[k] = v
	}
	records := append([]server.LedgerRecord{}, m.records...)
	return memorySnapshot{accounts: accounts, handles: handles, records: records, byEntry: byEntry}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.handles = s.handles
	m.records = s.records
	m.byEntry = s.byEntry
}

// txView routes through the already-locked parent.
type txView struct {
	parent *Memory
}

func (tv *txView) Account(_ context.Context, owner ledger.OwnerID) (*server.AccountRecord, error) {
	return tv.parent.accountLocked(owner), nil
}

func (tv *txView) CreateAccount(_ context.Context, a server.AccountRecord) error {
	return tv.parent.createAccountLocked(a)
}

func (tv *txView) SaveAccount(_ context.Context, a server.AccountRecord) error {
	return tv.parent.saveAccountLocked(a)
}

func (tv *txView) RecordExists(_ context.Context, id ledger.EntryID) (bool, error) {
	_, ok := tv.parent.byEntry[id]
	return ok, nil
}

func (tv *txView) Record(_ context.Context, id ledger.EntryID) (*server.LedgerRecord, error) {
	return tv.parent.recordLocked(id), nil
}

func (tv *txView) InsertRecord(_ context.Context, r server.LedgerRecord) error {
	return tv.parent.insertRecordLocked(r)
}

func (tv *txView) UpdateRecord(_ context.Context, r server.LedgerRecord) error {
	return tv.parent.updateRecordLocked(r)
}

func (tv *txView) RecentRecords(ctx context.Context, owner ledger.OwnerID, limit int) ([]server.LedgerRecord, error) {
	var result []server.LedgerRecord
	for i := len(tv.parent.records) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if tv.parent.records[i].OwnerID == owner {
			result = append(result, tv.parent.records[i])
		}
	}
	return result, nil
}

func (tv *txView) ResolveCounterparty(_ context.Context, identifier string) (ledger.OwnerID, error) {
	if owner, ok := tv.parent.handles[strings.ToLower(identifier)]; ok {
		return owner, nil
	}
	if _, ok := tv.parent.accounts[ledger.OwnerID(identifier)]; ok {
		return ledger.OwnerID(identifier), nil
	}
	return "", ledger.ErrCounterpartyNotFound
}

func (tv *txView) WithTx(_ context.Context, fn func(server.Store) error) error {
	// Already inside a transaction.
	return fn(tv)
}
