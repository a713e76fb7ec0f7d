/*
handlers.go - HTTP handlers for the sync API

PURPOSE:
  Thin HTTP layer over the batch processor and the authoritative store.
  Handlers decode, validate the request schema, derive the principal from
  the authenticated channel, and dispatch. All domain rules live in the
  server package; nothing here mutates a balance.

ERROR MAPPING:
  - schema/version problems      -> 400
  - missing credentials          -> 401 (see auth.go)
  - unknown sender account       -> 404
  - counterparty lookup miss     -> bare 404 (found/not-found only)
  - everything else              -> 500

SEE ALSO:
  - server/processor.go: the one write path
  - dto.go: wire schema
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 500
)

// Handler bundles the dependencies of the HTTP surface.
type Handler struct {
	Store     server.Store
	Processor *server.Processor
	Auth      Authenticator
}

func NewHandler(store server.Store, processor *server.Processor, auth Authenticator) *Handler {
	return &Handler{Store: store, Processor: processor, Auth: auth}
}

// =============================================================================
// BATCH SUBMISSION
// =============================================================================

// SubmitBatch handles POST /api/sync/batch. The schema version is checked
// before any entry is looked at: an unknown version is rejected wholesale
// rather than partially interpreted.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	principal, ok := Principal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Version != BatchRequestVersion {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported batch version %d, want %d", req.Version, BatchRequestVersion))
		return
	}

	entries := make([]ledger.LedgerEntry, 0, len(req.Entries))
	for _, dto := range req.Entries {
		e, err := dto.ToEntry()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries = append(entries, e)
	}

	result, err := h.Processor.ProcessBatch(r.Context(), principal, entries)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		log.Printf("batch processing failed for %s: %v", principal, err)
		writeError(w, http.StatusInternalServerError, "batch processing failed")
		return
	}
	writeJSON(w, http.StatusOK, BatchResponseFrom(result))
}

// =============================================================================
// DOWN-SYNC READS
// =============================================================================

// GetBalance handles GET /api/accounts/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	principal, ok := Principal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return
	}
	account, err := h.Store.Account(r.Context(), principal)
	if err != nil {
		log.Printf("balance lookup failed for %s: %v", principal, err)
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		OwnerID: string(account.OwnerID),
		Balance: account.Balance.StringFixed(2),
		AsOf:    account.LastSyncedAt.UTC().Format(time.RFC3339),
	})
}

// GetEntries handles GET /api/accounts/entries?limit=N. Records come back
// newest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	principal, ok := Principal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return
	}

	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		// An oversized limit is capped, not rejected: the caller gets as
		// much as the server is willing to scan.
		if n > maxRecordLimit {
			n = maxRecordLimit
		}
		limit = n
	}

	records, err := h.Store.RecentRecords(r.Context(), principal, limit)
	if err != nil {
		log.Printf("record listing failed for %s: %v", principal, err)
		writeError(w, http.StatusInternalServerError, "record listing failed")
		return
	}
	resp := RecordsResponse{Records: make([]RecordDTO, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, RecordToDTO(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DIRECTORY
// =============================================================================

// ResolveCounterparty handles GET /api/directory/resolve?q=<identifier>.
// The response leaks nothing beyond found/not-found.
func (h *Handler) ResolveCounterparty(w http.ResponseWriter, r *http.Request) {
	if _, ok := Principal(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return
	}
	identifier := r.URL.Query().Get("q")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing identifier")
		return
	}
	owner, err := h.Store.ResolveCounterparty(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, ledger.ErrCounterpartyNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		log.Printf("counterparty resolution failed: %v", err)
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{OwnerID: string(owner)})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
