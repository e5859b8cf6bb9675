// Package config loads the permitcored configuration from YAML and applies
// PERMITCORE_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"permitcore/pkg/domain"
)

// Config is the full process configuration.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Blob     Blob     `yaml:"blob"`
	Redis    Redis    `yaml:"redis"`
	Queue    Queue    `yaml:"queue"`
	Daemon   Daemon   `yaml:"daemon"`
	Decision Decision `yaml:"decision"`
	Ops      Ops      `yaml:"ops"`
	Log      Log      `yaml:"log"`
}

// Storage selects the persistent store.
type Storage struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Blob selects the blob backend.
type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3     `yaml:"s3"`
}

// S3 configures the S3 blob backend.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// Redis configures the shared queue and lease. An empty Addr keeps both
// in-process.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Queue tunes retries and worker counts.
type Queue struct {
	Attempts                int      `yaml:"attempts"`
	Backoff                 Duration `yaml:"backoff"`
	NotificationConcurrency int      `yaml:"notification_concurrency"`
	DeadLettersToBlob       bool     `yaml:"dead_letters_to_blob"`
	NotificationsToBlob     bool     `yaml:"notifications_to_blob"`
}

// Daemon tunes the timeout daemon.
type Daemon struct {
	PollInterval Duration `yaml:"poll_interval"`
	LeaseKey     string   `yaml:"lease_key"`
	LeaseTTL     Duration `yaml:"lease_ttl"`
	StaleAfter   Duration `yaml:"stale_after"`
}

// Decision holds the consent defaults for space rules without consent blocks.
type Decision struct {
	DefaultConsentMethod  string   `yaml:"default_consent_method"`
	DefaultConsentTimeout Duration `yaml:"default_consent_timeout"`
	AuditForcedOnly       bool     `yaml:"audit_forced_only"`
}

// Ops configures the operator listener.
type Ops struct {
	Addr string `yaml:"addr"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration decodes Go duration strings such as "30s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{Driver: "sqlite", SQLitePath: "permitcore.db"},
		Blob:    Blob{Driver: "fs", FSRoot: "permitcore-blobs"},
		Queue: Queue{
			Attempts:                3,
			Backoff:                 Duration(5 * time.Second),
			NotificationConcurrency: 4,
			DeadLettersToBlob:       true,
		},
		Daemon: Daemon{
			PollInterval: Duration(30 * time.Second),
			LeaseKey:     "permitcore:timeout-daemon",
			LeaseTTL:     Duration(90 * time.Second),
			StaleAfter:   Duration(10 * time.Minute),
		},
		Decision: Decision{
			DefaultConsentMethod:  "over_50_yes",
			DefaultConsentTimeout: Duration(72 * time.Hour),
			AuditForcedOnly:       true,
		},
		Ops: Ops{Addr: ":9090"},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envBinding struct {
	name string
	set  func(*Config, string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = strings.EqualFold(v, "true") || v == "1"
		return nil
	}
}

var envBindings = []envBinding{
	{"PERMITCORE_STORAGE_DRIVER", str(func(c *Config) *string { return &c.Storage.Driver })},
	{"PERMITCORE_SQLITE_PATH", str(func(c *Config) *string { return &c.Storage.SQLitePath })},
	{"PERMITCORE_POSTGRES_DSN", str(func(c *Config) *string { return &c.Storage.PostgresDSN })},
	{"PERMITCORE_BLOB_DRIVER", str(func(c *Config) *string { return &c.Blob.Driver })},
	{"PERMITCORE_BLOB_FS_ROOT", str(func(c *Config) *string { return &c.Blob.FSRoot })},
	{"PERMITCORE_BLOB_S3_BUCKET", str(func(c *Config) *string { return &c.Blob.S3.Bucket })},
	{"PERMITCORE_BLOB_S3_REGION", str(func(c *Config) *string { return &c.Blob.S3.Region })},
	{"PERMITCORE_BLOB_S3_ENDPOINT", str(func(c *Config) *string { return &c.Blob.S3.Endpoint })},
	{"PERMITCORE_BLOB_S3_PATH_STYLE", boolean(func(c *Config) *bool { return &c.Blob.S3.PathStyle })},
	{"PERMITCORE_REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"PERMITCORE_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"PERMITCORE_REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"PERMITCORE_QUEUE_ATTEMPTS", integer(func(c *Config) *int { return &c.Queue.Attempts })},
	{"PERMITCORE_QUEUE_BACKOFF", duration(func(c *Config) *Duration { return &c.Queue.Backoff })},
	{"PERMITCORE_NOTIFICATION_CONCURRENCY", integer(func(c *Config) *int { return &c.Queue.NotificationConcurrency })},
	{"PERMITCORE_DAEMON_POLL_INTERVAL", duration(func(c *Config) *Duration { return &c.Daemon.PollInterval })},
	{"PERMITCORE_DAEMON_LEASE_KEY", str(func(c *Config) *string { return &c.Daemon.LeaseKey })},
	{"PERMITCORE_DAEMON_LEASE_TTL", duration(func(c *Config) *Duration { return &c.Daemon.LeaseTTL })},
	{"PERMITCORE_DEFAULT_CONSENT_METHOD", str(func(c *Config) *string { return &c.Decision.DefaultConsentMethod })},
	{"PERMITCORE_DEFAULT_CONSENT_TIMEOUT", duration(func(c *Config) *Duration { return &c.Decision.DefaultConsentTimeout })},
	{"PERMITCORE_OPS_ADDR", str(func(c *Config) *string { return &c.Ops.Addr })},
	{"PERMITCORE_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"PERMITCORE_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q must be memory, sqlite or postgres", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required for the postgres driver")
	}
	switch c.Blob.Driver {
	case "fs", "memory", "s3":
	default:
		return fmt.Errorf("blob.driver %q must be fs, memory or s3", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "" {
		return errors.New("blob.s3.bucket is required for the s3 driver")
	}
	if c.Queue.Attempts < 1 {
		return errors.New("queue.attempts must be at least 1")
	}
	if c.Daemon.PollInterval <= 0 || c.Daemon.LeaseTTL <= 0 {
		return errors.New("daemon.poll_interval and daemon.lease_ttl must be positive")
	}
	if c.Daemon.LeaseTTL < c.Daemon.PollInterval {
		return errors.New("daemon.lease_ttl must cover at least one poll interval")
	}
	if _, err := domain.ParseConsentMethod(c.Decision.DefaultConsentMethod); err != nil {
		return fmt.Errorf("decision.default_consent_method: %w", err)
	}
	if c.Decision.DefaultConsentTimeout <= 0 {
		return errors.New("decision.default_consent_timeout must be positive")
	}
	return nil
}
