/*
dto.go - Wire schema for the sync API

PURPOSE:
  Defines the JSON structures exchanged between the device and the batch
  processor. These decouple the domain model from the wire: the batch
  request is explicitly versioned and validated before any signature or
  idempotency work happens.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Response: response wrappers
  - *DTO: embedded data carriers

AMOUNTS:
  Monetary amounts travel as decimal strings, never floats.

SEE ALSO:
  - handlers.go: validation and domain dispatch
  - client/remote.go: the consuming side of this schema
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
)

// BatchRequestVersion is the schema version this server accepts.
const BatchRequestVersion = 1

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BatchRequest is the versioned batch submission payload. The owner
// identity comes from the authenticated channel, never from this payload.
type BatchRequest struct {
	Version int        `json:"version"`
	Entries []EntryDTO `json:"entries"`
}

// EntryDTO carries one client-signed entry.
type EntryDTO struct {
	EntryID        string `json:"entry_id"`
	OwnerID        string `json:"owner_id"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Amount         string `json:"amount"`
	Kind           string `json:"kind"`
	Memo           string `json:"memo,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	Signature      string `json:"signature"`
}

// FailureDTO reports one rejected entry.
type FailureDTO struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// BatchResponse mirrors server.BatchResult.
type BatchResponse struct {
	ProcessedIDs []string     `json:"processed_ids"`
	Failed       []FailureDTO `json:"failed_ids"`
	NewBalance   string       `json:"new_balance"`
}

// BalanceResponse is the down-sync balance payload.
type BalanceResponse struct {
	OwnerID string `json:"owner_id"`
	Balance string `json:"balance"`
	AsOf    string `json:"as_of"`
}

// RecordDTO carries one authoritative ledger record for down-sync.
type RecordDTO struct {
	RecordID       string `json:"record_id"`
	EntryID        string `json:"entry_id"`
	OwnerID        string `json:"owner_id"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Amount         string `json:"amount"`
	Kind           string `json:"kind"`
	Memo           string `json:"memo,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	Signature      string `json:"signature,omitempty"`
	Status         string `json:"status"`
}

// RecordsResponse wraps the down-sync record list.
type RecordsResponse struct {
	Records []RecordDTO `json:"records"`
}

// ResolveResponse carries a successful counterparty lookup. A failed
// lookup is a bare 404: found/not-found and nothing else.
type ResolveResponse struct {
	OwnerID string `json:"owner_id"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// ToEntry converts a wire entry into the domain shape. Malformed amounts
// are rejected here, before the processor ever sees the entry.
func (d EntryDTO) ToEntry() (ledger.LedgerEntry, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return ledger.LedgerEntry{}, fmt.Errorf("entry %s: bad amount %q", d.EntryID, d.Amount)
	}
	return ledger.LedgerEntry{
		EntryID:        ledger.EntryID(d.EntryID),
		OwnerID:        ledger.OwnerID(d.OwnerID),
		CounterpartyID: ledger.OwnerID(d.CounterpartyID),
		Amount:         amount,
		Kind:           ledger.Kind(d.Kind),
		Memo:           d.Memo,
		CreatedAt:      time.UnixMilli(d.CreatedAtMs).UTC(),
		Signature:      d.Signature,
	}, nil
}

// EntryToDTO converts a domain entry into the wire shape.
func EntryToDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		EntryID:        string(e.EntryID),
		OwnerID:        string(e.OwnerID),
		CounterpartyID: string(e.CounterpartyID),
		Amount:         e.Amount.StringFixed(2),
		Kind:           string(e.Kind),
		Memo:           e.Memo,
		CreatedAtMs:    e.CreatedAt.UnixMilli(),
		Signature:      e.Signature,
	}
}

// RecordToDTO converts an authoritative record into the wire shape.
func RecordToDTO(r server.LedgerRecord) RecordDTO {
	return RecordDTO{
		RecordID:       r.ID,
		EntryID:        string(r.EntryID),
		OwnerID:        string(r.OwnerID),
		CounterpartyID: string(r.CounterpartyID),
		Amount:         r.Amount.StringFixed(2),
		Kind:           string(r.Kind),
		Memo:           r.Memo,
		CreatedAtMs:    r.CreatedAt.UnixMilli(),
		Signature:      r.Signature,
		Status:         r.Status,
	}
}

// ToAuthoritative converts a wire record into the client's down-sync shape.
func (d RecordDTO) ToAuthoritative() (ledger.AuthoritativeRecord, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return ledger.AuthoritativeRecord{}, fmt.Errorf("record %s: bad amount %q", d.RecordID, d.Amount)
	}
	return ledger.AuthoritativeRecord{
		RecordID:       d.RecordID,
		EntryID:        ledger.EntryID(d.EntryID),
		OwnerID:        ledger.OwnerID(d.OwnerID),
		CounterpartyID: ledger.OwnerID(d.CounterpartyID),
		Amount:         amount,
		Kind:           ledger.Kind(d.Kind),
		Memo:           d.Memo,
		CreatedAt:      time.UnixMilli(d.CreatedAtMs).UTC(),
		Signature:      d.Signature,
	}, nil
}

// BatchResponseFrom converts a processor result into the wire shape.
func BatchResponseFrom(r *server.BatchResult) BatchResponse {
	resp := BatchResponse{
		ProcessedIDs: make([]string, 0, len(r.ProcessedIDs)),
		NewBalance:   r.NewBalance.StringFixed(2),
	}
	for _, id := range r.ProcessedIDs {
		resp.ProcessedIDs = append(resp.ProcessedIDs, string(id))
	}
	for _, f := range r.Failed {
		resp.Failed = append(resp.Failed, FailureDTO{EntryID: string(f.EntryID), Reason: f.Reason})
	}
	return resp
}

// ToResult converts a wire batch response back into the domain shape.
func (b BatchResponse) ToResult() (*server.BatchResult, error) {
	balance, err := decimal.NewFromString(b.NewBalance)
	if err != nil {
		return nil, fmt.Errorf("bad new_balance %q", b.NewBalance)
	}
	result := &server.BatchResult{NewBalance: balance}
	for _, id := range b.ProcessedIDs {
		result.ProcessedIDs = append(result.ProcessedIDs, ledger.EntryID(id))
	}
	for _, f := range b.Failed {
		result.Failed = append(result.Failed, server.EntryFailure{
			EntryID: ledger.EntryID(f.EntryID),
			Reason:  f.Reason,
		})
	}
	return result, nil
}
