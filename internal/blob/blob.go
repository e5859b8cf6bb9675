// Package blob selects a blob backend and lays out the keys permitcore
// writes: dead-lettered jobs, the forced-override audit trail and the
// notification drop-box.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"permitcore/internal/blob/core"
	"permitcore/internal/infra/blob/fs"
	"permitcore/internal/infra/blob/memory"
	"permitcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound is wrapped by backends when a key is missing.
	ErrNotFound = core.ErrNotFound
	// ErrExists is wrapped by backends when Put targets a taken key.
	ErrExists = core.ErrExists
)

// Key prefixes.
const (
	DeadLetterPrefix   = "dead-letters/"
	AuditPrefix        = "audit/"
	NotificationPrefix = "notifications/"
)

// S3Config mirrors the s3 backend settings.
type S3Config = s3.Config

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured backend. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memory.New() }

// DeadLetterKey names the archive object for a dead-lettered envelope.
func DeadLetterKey(queue, id string) string {
	return DeadLetterPrefix + queue + "/" + id + ".json"
}

// AuditKey names an audit entry; the timestamp prefix keeps List ordered.
func AuditKey(at time.Time, id string) string {
	return AuditPrefix + at.UTC().Format("20060102T150405.000000000Z") + "-" + id + ".json"
}

// NotificationKey names a dropped notification intent.
func NotificationKey(id string) string {
	return NotificationPrefix + id + ".json"
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, store Store, key string, v any) (Info, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Info{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Put(ctx, key, bytes.NewReader(b), PutOptions{ContentType: "application/json"})
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, store Store, key string, v any) error {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
