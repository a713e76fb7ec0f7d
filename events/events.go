// Package events defines the outbound event contract for the batch
// processor. Publishing is best-effort and happens only after the batch
// has committed; the authoritative ledger never depends on the broker.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Publisher delivers events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// TopicBatchProcessed carries one event per committed batch.
const TopicBatchProcessed = "ledger.batch_processed"

// EntryFailure mirrors the per-entry failure reported to the client.
type EntryFailure struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// BatchProcessed is emitted after a batch commits.
type BatchProcessed struct {
	Principal    string          `json:"principal"`
	ProcessedIDs []string        `json:"processed_ids"`
	Failed       []EntryFailure  `json:"failed,omitempty"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
