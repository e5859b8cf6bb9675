package core

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"permitcore/internal/blob"
)

// BlobAuditRecorder appends each audit entry as one JSON object under
// audit/. Keys sort by timestamp, so List returns the trail in order.
type BlobAuditRecorder struct {
	store  blob.Store
	logger Logger
	// Forced limits recording to administrative overrides.
	Forced bool
}

// NewBlobAuditRecorder writes entries to store. Write failures are logged,
// never returned to the audited operation.
func NewBlobAuditRecorder(store blob.Store, logger Logger) *BlobAuditRecorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &BlobAuditRecorder{store: store, logger: logger}
}

// Record implements AuditRecorder.
func (r *BlobAuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	if r.Forced && !entry.Forced {
		return
	}
	key := blob.AuditKey(entry.Timestamp, uuid.NewString())
	if _, err := blob.PutJSON(context.WithoutCancel(ctx), r.store, key, entry); err != nil && !errors.Is(err, blob.ErrExists) {
		r.logger.Error("audit write failed", "operation", entry.Operation, "entity_id", entry.EntityID, "error", err)
	}
}

// Entries loads the trail in timestamp order.
func (r *BlobAuditRecorder) Entries(ctx context.Context) ([]AuditEntry, error) {
	infos, err := r.store.List(ctx, blob.AuditPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(infos))
	for _, info := range infos {
		var entry AuditEntry
		if err := blob.GetJSON(ctx, r.store, info.Key, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
