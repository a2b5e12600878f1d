package store

import (
	"context"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DedupRecord represents an inbound message deduplication record. Records are
// scoped to the sending identity: the same message ID from two identities is
// two messages.
type DedupRecord struct {
	Key         string                   `json:"-" bson:"_id"`
	MessageID   string                   `json:"message_id" bson:"message_id"`
	Identity    string                   `json:"identity" bson:"identity"`
	ReceivedAt  time.Time                `json:"received_at" bson:"received_at"`
	ProcessedAt *time.Time               `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	Response    *models.OutboundResponse `json:"response,omitempty" bson:"response,omitempty"`
}

// Processed reports whether the turn for this message finished and its
// response was stored.
func (r *DedupRecord) Processed() bool {
	return r != nil && r.ProcessedAt != nil
}

// dedupKey joins identity and message ID into the key used by the key-value
// backends.
func dedupKey(identity, messageID string) string {
	return identity + ":" + messageID
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// identity already sent this message ID within the dedup TTL (duplicate).
	// An expired record is replaced.
	RecordInbound(ctx context.Context, messageID, identity string) (bool, error)

	// GetInbound returns the record for a message ID from identity, or nil if
	// none exists.
	GetInbound(ctx context.Context, messageID, identity string) (*DedupRecord, error)

	// MarkProcessed sets the processed_at timestamp and stores the response
	// returned for the message.
	MarkProcessed(ctx context.Context, messageID, identity string, resp models.OutboundResponse) error

	// ForgetInbound removes a record so the channel may redeliver the message.
	ForgetInbound(ctx context.Context, messageID, identity string) error

	// PurgeInbound deletes records received before the cutoff and returns how
	// many were removed.
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}
