package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"permitcore/internal/blob"
)

// DeadLetter is an envelope that exhausted its attempts or could not be
// decoded, kept for operator inspection.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore archives dead letters.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context) ([]DeadLetter, error)
}

// MemoryDeadLetters keeps dead letters in process memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetters returns an empty archive.
func NewMemoryDeadLetters() *MemoryDeadLetters { return &MemoryDeadLetters{} }

// Put appends dl.
func (m *MemoryDeadLetters) Put(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
	return nil
}

// List returns dead letters in arrival order.
func (m *MemoryDeadLetters) List(context.Context) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.letters))
	copy(out, m.letters)
	return out, nil
}

// BlobDeadLetters writes one JSON object per dead letter under
// dead-letters/<queue>/<id>.json.
type BlobDeadLetters struct {
	store blob.Store
}

// NewBlobDeadLetters archives into store.
func NewBlobDeadLetters(store blob.Store) *BlobDeadLetters {
	return &BlobDeadLetters{store: store}
}

// Put stores dl. A second dead letter for the same envelope is ignored.
func (b *BlobDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	_, err := blob.PutJSON(ctx, b.store, blob.DeadLetterKey(dl.Envelope.Queue, dl.Envelope.ID), dl)
	if errors.Is(err, blob.ErrExists) {
		return nil
	}
	return err
}

// List loads every archived dead letter, oldest failure first.
func (b *BlobDeadLetters) List(ctx context.Context) ([]DeadLetter, error) {
	infos, err := b.store.List(ctx, blob.DeadLetterPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".json") {
			continue
		}
		var dl DeadLetter
		if err := blob.GetJSON(ctx, b.store, info.Key, &dl); err != nil {
			return nil, fmt.Errorf("load %s: %w", info.Key, err)
		}
		out = append(out, dl)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}
