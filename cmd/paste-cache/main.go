// Command paste-cache is a pastebin server whose pastes expire after a
// chosen lifetime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/paste-cache/allocator"
	"github.com/wolfeidau/paste-cache/backend"
	"github.com/wolfeidau/paste-cache/expiry"
	"github.com/wolfeidau/paste-cache/ledger"
	"github.com/wolfeidau/paste-cache/paste"
	"github.com/wolfeidau/paste-cache/server"
	"github.com/wolfeidau/paste-cache/sweep"
	"github.com/wolfeidau/paste-cache/telemetry"
)

var version = "dev"

type cli struct {
	Config kong.ConfigFlag `help:"Load configuration from a JSON file." short:"c"`

	Address        string `help:"Address to listen on." default:":8000" env:"PASTEBIN_ADDRESS"`
	ExposableURL   string `help:"Public base URL paste links are built from (default: request host)." env:"PASTEBIN_EXPOSABLE_URL"`
	Storage        string `help:"Storage directory path." default:"./data" env:"PASTEBIN_STORAGE" type:"path"`
	MaxConnections int    `help:"Maximum concurrent connections, 0 for unlimited." default:"1024"`
	AdminToken     string `help:"Bearer token required for delete, stats and sweep endpoints." env:"PASTEBIN_ADMIN_TOKEN"`
	Compress       bool   `help:"Store pastes zstd-compressed at rest." negatable:"" default:"true"`

	Allocator struct {
		ExpectedItems uint    `help:"Expected number of live pastes." default:"1606208"`
		FalsePositive float64 `help:"Membership filter false positive rate." default:"0.01"`
		IDLength      int     `help:"Identifier length." default:"4"`
		RebuildEvery  int64   `help:"Uploads between forced membership rebuilds, 0 disables." default:"500"`
	} `embed:"" prefix:"allocator-"`

	Expiry struct {
		CleanupInterval time.Duration `help:"How often expired keys are evicted." default:"2h"`
	} `embed:"" prefix:"expiry-"`

	Sweep struct {
		Schedule    string `help:"Cron schedule for the recurring ledger sweep." default:"0 2 * * *"`
		Timezone    string `help:"Time zone the schedule is evaluated in." default:"UTC"`
		Grace       int    `help:"Days a bucket is kept past its date by recurring sweeps." default:"7"`
		Concurrency int    `help:"Buckets swept in parallel at startup." default:"4"`
		Keep        int    `help:"Sweep results kept in the journal." default:"100"`
	} `embed:"" prefix:"sweep-"`

	Metrics struct {
		Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
		OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	} `embed:"" prefix:"metrics-"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("paste-cache"),
		kong.Description("A pastebin whose pastes expire."),
		kong.Configuration(kong.JSON, "/etc/paste-cache.json", "~/.paste-cache.json"),
		kong.UsageOnError(),
	)
	if err := run(c); err != nil {
		kctx.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	loc, err := time.LoadLocation(c.Sweep.Timezone)
	if err != nil {
		return fmt.Errorf("invalid sweep timezone: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.Metrics.OTLPEndpoint,
		EnablePrometheus: c.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	// Blob storage
	fsBackend, err := backend.NewFilesystem(filepath.Join(c.Storage, "upload"))
	if err != nil {
		return fmt.Errorf("creating filesystem backend: %w", err)
	}
	var blobs backend.Backend = fsBackend
	if c.Compress {
		compressed, err := backend.NewCompressed(fsBackend)
		if err != nil {
			return err
		}
		defer func() { _ = compressed.Close() }()
		blobs = compressed
	}
	blobs = backend.NewInstrumentedBackend(blobs, "filesystem")

	deletions, err := ledger.New(filepath.Join(c.Storage, "deletions"), blobs,
		ledger.WithLogger(logger.With("component", "ledger")))
	if err != nil {
		return fmt.Errorf("creating deletion ledger: %w", err)
	}

	alloc := allocator.New(blobs, allocator.Config{
		ExpectedItems:     c.Allocator.ExpectedItems,
		FalsePositiveRate: c.Allocator.FalsePositive,
		IDLength:          c.Allocator.IDLength,
		RebuildEvery:      c.Allocator.RebuildEvery,
	},
		allocator.WithLogger(logger.With("component", "allocator")),
		allocator.WithExcluded(server.ReservedIDs...),
	)

	cache := expiry.New(expiry.Config{
		CleanupInterval: c.Expiry.CleanupInterval,
		Logger:          logger.With("component", "expiry"),
	})

	journal, err := sweep.OpenJournal(filepath.Join(c.Storage, "sweep.db"),
		sweep.WithJournalLogger(logger.With("component", "journal")),
		sweep.WithKeep(c.Sweep.Keep),
	)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	sweeper := sweep.New(deletions, alloc, cache, sweep.Config{
		Schedule:    c.Sweep.Schedule,
		Location:    loc,
		Grace:       c.Sweep.Grace,
		Concurrency: c.Sweep.Concurrency,
	},
		sweep.WithLogger(logger.With("component", "sweep")),
		sweep.WithMetrics(telemetry.Meter()),
		sweep.WithJournal(journal),
	)

	// Purge elapsed buckets and reseed in-memory state before serving.
	if _, err := sweeper.Startup(ctx); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}

	cache.Start(ctx)
	defer cache.Stop()

	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sweeper.Stop(stopCtx); err != nil {
			logger.Warn("sweep still running at shutdown", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:        c.Address,
		PublicURL:      c.ExposableURL,
		MaxConnections: c.MaxConnections,
		AdminToken:     c.AdminToken,
		Logger:         logger,
	}, server.Components{
		Pastes:    paste.New(blobs, deletions, alloc, cache, paste.WithLogger(logger.With("component", "paste"))),
		Cache:     cache,
		Allocator: alloc,
		Sweeper:   sweeper,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"storage", c.Storage,
		"version", version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
