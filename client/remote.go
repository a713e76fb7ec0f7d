/*
remote.go - Transport to the authoritative server

PURPOSE:
  Remote is the client's view of the server: submit a signed batch, fetch
  the authoritative balance and records, resolve a counterparty. HTTPRemote
  implements it over the sync API. Every network failure is wrapped so
  callers can branch on ledger.ErrTransportFailure without inspecting
  transport details.

SEE ALSO:
  - api/dto.go: the wire schema both sides share
  - client.go: the sync engine driving this interface
*/
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/shadow-ledger/api"
	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/server"
)

// Remote abstracts the server from the sync engine. Implementations must
// return errors wrapping ledger.ErrTransportFailure for connectivity
// problems, so the engine can distinguish "could not reach the server"
// from "the server answered".
type Remote interface {
	SubmitBatch(ctx context.Context, entries []ledger.LedgerEntry) (*server.BatchResult, error)
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
	FetchEntries(ctx context.Context, limit int) ([]ledger.AuthoritativeRecord, error)
	ResolveCounterparty(ctx context.Context, identifier string) (ledger.OwnerID, error)
}

// =============================================================================
// HTTP REMOTE
// =============================================================================

// HTTPRemote talks to the sync API with a bearer token.
type HTTPRemote struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPRemote(baseURL, token string) *HTTPRemote {
	return &HTTPRemote{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient swaps the underlying client, for tests and custom
// transports.
func (r *HTTPRemote) WithHTTPClient(c *http.Client) *HTTPRemote {
	r.http = c
	return r
}

func (r *HTTPRemote) SubmitBatch(ctx context.Context, entries []ledger.LedgerEntry) (*server.BatchResult, error) {
	req := api.BatchRequest{Version: api.BatchRequestVersion}
	for _, e := range entries {
		req.Entries = append(req.Entries, api.EntryToDTO(e))
	}

	var resp api.BatchResponse
	if err := r.do(ctx, http.MethodPost, "/api/sync/batch", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.ToResult()
}

func (r *HTTPRemote) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp api.BalanceResponse
	if err := r.do(ctx, http.MethodGet, "/api/accounts/balance", nil, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance %q from server", resp.Balance)
	}
	return balance, nil
}

func (r *HTTPRemote) FetchEntries(ctx context.Context, limit int) ([]ledger.AuthoritativeRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp api.RecordsResponse
	if err := r.do(ctx, http.MethodGet, "/api/accounts/entries", query, nil, &resp); err != nil {
		return nil, err
	}
	records := make([]ledger.AuthoritativeRecord, 0, len(resp.Records))
	for _, dto := range resp.Records {
		rec, err := dto.ToAuthoritative()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *HTTPRemote) ResolveCounterparty(ctx context.Context, identifier string) (ledger.OwnerID, error) {
	query := url.Values{"q": []string{identifier}}
	var resp api.ResolveResponse
	err := r.do(ctx, http.MethodGet, "/api/directory/resolve", query, nil, &resp)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return "", ledger.ErrCounterpartyNotFound
		}
		return "", err
	}
	return ledger.OwnerID(resp.OwnerID), nil
}

// =============================================================================
// PLUMBING
// =============================================================================

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("server returned %d", e.code)
	}
	return fmt.Sprintf("server returned %d: %s", e.code, e.msg)
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return &ledger.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// Server-side trouble is treated like a failed delivery: the batch
		// may or may not have landed, and the idempotent entry ids make the
		// retry safe either way.
		return &ledger.TransportError{Op: method + " " + path, Err: &statusError{code: resp.StatusCode}}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &statusError{code: resp.StatusCode, msg: apiErr.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
