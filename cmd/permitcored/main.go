// Command permitcored runs the permission decision workers, the timeout
// daemon and the operator listener.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"permitcore/internal/blob"
	"permitcore/internal/config"
	"permitcore/internal/core"
	"permitcore/internal/daemon"
	"permitcore/internal/lease"
	"permitcore/internal/logging"
	"permitcore/internal/ops"
	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

const expvarName = "permitcore"

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "permitcored:", err)
		exitFunc(1)
	}
}

type flags struct {
	configPath  string
	logLevel    string
	logFormat   string
	opsAddr     string
	storage     string
	printConfig bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("permitcored", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "override log.level")
	fs.StringVar(&f.logFormat, "log-format", "", "override log.format (json or console)")
	fs.StringVar(&f.opsAddr, "ops-addr", "", "override ops.addr")
	fs.StringVar(&f.storage, "storage", "", "override storage.driver (memory, sqlite or postgres)")
	fs.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration and exit")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func (f flags) apply(cfg *config.Config) error {
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.opsAddr != "" {
		cfg.Ops.Addr = f.opsAddr
	}
	if f.storage != "" {
		cfg.Storage.Driver = f.storage
	}
	return cfg.Validate()
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if err := f.apply(&cfg); err != nil {
		return err
	}
	if f.printConfig {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}

	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	a, err := build(ctx, cfg, logging.Adapt(zl))
	if err != nil {
		zl.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return a.run(ctx)
}

type app struct {
	cfg        config.Config
	log        logging.Sugared
	closers    []io.Closer
	queue      *queue.Queue
	processor  *core.Processor
	dispatcher *core.Dispatcher
	daemon     *daemon.Daemon
	router     http.Handler
}

func build(ctx context.Context, cfg config.Config, log logging.Sugared) (*app, error) {
	a := &app{cfg: cfg, log: log}

	blobs, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    cfg.Blob.S3.Bucket,
			Region:    cfg.Blob.S3.Region,
			Endpoint:  cfg.Blob.S3.Endpoint,
			PathStyle: cfg.Blob.S3.PathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	store, closer, err := core.OpenPersistentStore(ctx, core.StorageConfig{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, closer)

	var (
		backend queue.Backend
		leases  lease.Lease
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, client)
		backend = queue.NewRedisBackend(client)
		leases = lease.NewRedis(client)
	} else {
		log.Warn("redis not configured, queue and daemon lease stay in-process")
		backend = queue.NewMemoryBackend()
		leases = lease.NewMemory()
	}

	var deadLetters queue.DeadLetterStore = queue.NewMemoryDeadLetters()
	if cfg.Queue.DeadLettersToBlob {
		deadLetters = queue.NewBlobDeadLetters(blobs)
	}
	a.queue = queue.New(backend,
		queue.WithAttempts(cfg.Queue.Attempts),
		queue.WithBackoff(cfg.Queue.Backoff.Std()),
		queue.WithDeadLetters(deadLetters),
		queue.WithLogger(log.Named("queue")),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRec, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		a.close()
		return nil, err
	}
	name := expvarName
	if expvar.Get(name) != nil {
		name = ""
	}
	metrics := core.MultiRecorder{promRec, core.NewExpvarMetricsRecorder(name)}

	audit := core.NewBlobAuditRecorder(blobs, log.Named("audit"))
	audit.Forced = cfg.Decision.AuditForcedOnly

	method, err := domain.ParseConsentMethod(cfg.Decision.DefaultConsentMethod)
	if err != nil {
		a.close()
		return nil, err
	}
	svc := core.NewService(store,
		core.WithLogger(log.Named("core")),
		core.WithMetricsRecorder(metrics),
		core.WithDecisionRecorder(metrics),
		core.WithAuditRecorder(audit),
		core.WithQueue(a.queue),
		core.WithDefaults(core.Defaults{ConsentMethod: method, ConsentTimeout: cfg.Decision.DefaultConsentTimeout.Std()}),
		core.WithSweepMinAge(cfg.Daemon.PollInterval.Std()),
	)
	a.processor = svc.Processor()

	var sink core.NotificationSink
	if cfg.Queue.NotificationsToBlob {
		sink = core.BlobSink{Store: blobs}
	}
	a.dispatcher = svc.Dispatcher(sink)

	a.daemon = daemon.New(store, a.queue, leases, daemon.Config{
		Interval:   cfg.Daemon.PollInterval.Std(),
		LeaseKey:   cfg.Daemon.LeaseKey,
		LeaseTTL:   cfg.Daemon.LeaseTTL.Std(),
		StaleAfter: cfg.Daemon.StaleAfter.Std(),
	}, daemon.WithLogger(log.Named("daemon")), daemon.WithSweeper(a.dispatcher))

	a.router = ops.NewRouter(ops.Deps{
		Gatherer:    reg,
		DeadLetters: deadLetters,
		Requests:    svc,
		Leader:      a.daemon.Leader,
		Health: func(ctx context.Context) error {
			return store.View(ctx, func(domain.TransactionView) error { return nil })
		},
	})
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Ops.Addr)
	if err != nil {
		return fmt.Errorf("ops listener: %w", err)
	}
	srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.daemon.RunWhileLeader(ctx, daemon.DefaultFollowInterval, func(ctx context.Context) error {
			return a.processor.Run(ctx, a.queue)
		})
	})
	g.Go(func() error {
		return a.daemon.RunWhileLeader(ctx, daemon.DefaultFollowInterval, func(ctx context.Context) error {
			return a.dispatcher.Run(ctx, a.queue, a.cfg.Queue.NotificationConcurrency)
		})
	})
	g.Go(func() error { return a.daemon.Run(ctx) })
	g.Go(func() error {
		a.log.Info("ops listener started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	a.log.Info("permitcored started", "storage", a.cfg.Storage.Driver, "blob", a.cfg.Blob.Driver, "redis", a.cfg.Redis.Addr != "")
	err = g.Wait()
	a.log.Info("permitcored stopped")
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
