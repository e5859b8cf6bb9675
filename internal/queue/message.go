// Package queue implements named, retryable task queues with fixed backoff
// and dead letters. Backends only move envelopes; retry and dead-letter
// policy live in Queue so every backend behaves the same.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Message is a typed task payload. Kind names the variant and selects the
// decoder on the consuming side.
type Message interface {
	Kind() string
}

// Envelope is the wire form of a queued message.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// ErrUnknownKind is returned when an envelope names an unregistered kind.
var ErrUnknownKind = errors.New("unknown message kind")

// Registry maps kinds to decoders producing values of the closed set T.
type Registry[T Message] struct {
	decoders map[string]func(json.RawMessage) (T, error)
}

// NewRegistry returns an empty registry.
func NewRegistry[T Message]() *Registry[T] {
	return &Registry[T]{decoders: make(map[string]func(json.RawMessage) (T, error))}
}

// Add registers decode for kind, replacing any previous decoder.
func (r *Registry[T]) Add(kind string, decode func(json.RawMessage) (T, error)) {
	r.decoders[kind] = decode
}

// Kinds lists registered kinds in sorted order.
func (r *Registry[T]) Kinds() []string {
	out := make([]string, 0, len(r.decoders))
	for k := range r.decoders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode turns env back into a typed message.
func (r *Registry[T]) Decode(env Envelope) (T, error) {
	var zero T
	decode, ok := r.decoders[env.Kind]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	msg, err := decode(env.Payload)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}

// JSONDecoder decodes a payload into V and returns it as T. V must implement
// T; the conversion is checked at runtime.
func JSONDecoder[T Message, V any]() func(json.RawMessage) (T, error) {
	return func(raw json.RawMessage) (T, error) {
		var zero T
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, err
		}
		msg, ok := any(v).(T)
		if !ok {
			return zero, fmt.Errorf("%T does not implement the registry message type", v)
		}
		return msg, nil
	}
}
