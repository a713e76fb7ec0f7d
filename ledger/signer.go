/*
signer.go - Message authentication and idempotency token derivation

PURPOSE:
  Deterministic MAC over the money-relevant fields of an entry. The
  signature is a tamper/parameter-integrity check between client and
  server, which share one secret. It is NOT a non-repudiation mechanism:
  shared-secret, not asymmetric.

CANONICAL FORM:
  owner_id | entry_id | amount (fixed 2 decimals) | created_at (unix ms)
  joined with '|' and keyed with HMAC-SHA256. Any single-field mutation
  invalidates the signature.

ENTRY IDS:
  Entry IDs double as the idempotency token, so they come from a
  cryptographically strong random source (UUIDv4, 128-bit). Collision
  probability is negligible.

SEE ALSO:
  - journal.go: signs on NewEntry, verifies on Append
  - server/processor.go: verifies before any balance mutation
*/
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SIGNER
// =============================================================================

// Signer computes and verifies entry signatures with a shared,
// configuration-supplied secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the MAC over the canonical concatenation of the four
// signed fields.
func (s *Signer) Sign(owner OwnerID, entry EntryID, amount decimal.Decimal, createdAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d", owner, entry, amount.StringFixed(2), createdAt.UnixMilli())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an entry's signature against its own fields. A missing
// signature never verifies.
func (s *Signer) Verify(e LedgerEntry) bool {
	if e.Signature == "" {
		return false
	}
	want := s.Sign(e.OwnerID, e.EntryID, e.Amount, e.CreatedAt)
	return hmac.Equal([]byte(want), []byte(e.Signature))
}

// =============================================================================
// ENTRY ID GENERATION
// =============================================================================

// NewEntryID generates a fresh idempotency token from a crypto-strong
// random source.
func NewEntryID() EntryID {
	return EntryID(uuid.NewString())
}
