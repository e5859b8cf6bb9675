package queue

import (
	"context"
	"sync"
)

// Backend moves envelopes between producers and consumers of a named queue.
type Backend interface {
	Push(ctx context.Context, name string, env Envelope) error
	// Pop blocks until an envelope is available or ctx is done.
	Pop(ctx context.Context, name string) (Envelope, error)
}

// MemoryBackend is an unbounded in-process FIFO per queue name.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

type memoryQueue struct {
	items []Envelope
	ready chan struct{}
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string]*memoryQueue)}
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{ready: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Push appends env to the named queue.
func (b *MemoryBackend) Push(_ context.Context, name string, env Envelope) error {
	b.mu.Lock()
	q := b.queue(name)
	q.items = append(q.items, env)
	b.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest envelope, waiting for one if the queue is empty.
func (b *MemoryBackend) Pop(ctx context.Context, name string) (Envelope, error) {
	for {
		b.mu.Lock()
		q := b.queue(name)
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			b.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return env, nil
		}
		ready := q.ready
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-ready:
		}
	}
}

// Len reports the number of waiting envelopes.
func (b *MemoryBackend) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).items)
}
