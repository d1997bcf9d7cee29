// Package main wires the scheduler process together: config, WAL replay,
// the job store, the worker client, the pipelines, the scheduler loop, and
// the HTTP API, then runs until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zombar/folio/archival"
	"github.com/zombar/folio/config"
	"github.com/zombar/folio/derivation"
	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/httpapi"
	"github.com/zombar/folio/logging"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/pipeline"
	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/scheduler"
	"github.com/zombar/folio/videoenc"
	"github.com/zombar/folio/wal"
	"github.com/zombar/folio/workerclient"
	"github.com/zombar/folio/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses flags, builds every collaborator, and blocks serving HTTP and
// running the scheduler loop until an interrupt or SIGTERM is received.
func run() error {
	fs := flag.NewFlagSet("folio-scheduler", flag.ExitOnError)

	configFile := fs.String("config", "", "optional YAML config file overlaying the defaults")
	listenAddr := fs.String("listen", "", "HTTP bind address (overrides config)")
	storageRoot := fs.String("storage-root", "", "root directory for queue.log, images/, animations/ (overrides config)")
	workerURL := fs.String("worker-url", "", "node-graph worker base URL (overrides config)")
	databaseDSN := fs.String("database-dsn", "", "Postgres DSN (overrides config)")
	logLevel := fs.String("log-level", "", "debug|info|warn|error (overrides config)")
	env := fs.String("env", "development", "logger environment: development|production")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := config.Default()
	if err := cfg.LoadFile(*configFile); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *storageRoot != "" {
		cfg.StorageRoot = *storageRoot
	}
	if *workerURL != "" {
		cfg.WorkerBaseURL = *workerURL
	}
	if *databaseDSN != "" {
		cfg.DatabaseDSN = *databaseDSN
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(*env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	queueLogPath := filepath.Join(cfg.StorageRoot, "queue.log")
	walLog, err := wal.Open(queueLogPath)
	if err != nil {
		return fmt.Errorf("failed to open queue WAL: %w", err)
	}
	defer walLog.Close() //nolint:errcheck

	q, err := queue.Replay(queueLogPath, walLog)
	if err != nil {
		return fmt.Errorf("failed to replay queue WAL: %w", err)
	}

	store, err := repository.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close() //nolint:errcheck
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	worker := workerclient.New(cfg.WorkerBaseURL)

	composer := workflow.NewComposer()

	encoder := videoenc.New(cfg.FFmpegPath)
	if err := encoder.Probe(ctx); err != nil {
		log.Warn("ffmpeg probe failed; animation encoding will be degraded", zap.Error(err))
	}

	var archiver archival.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archival.NewS3Archiver(ctx, cfg.GetArchiveBucketName())
		if err != nil {
			return fmt.Errorf("failed to initialize archival: %w", err)
		}
		archiver = s3Archiver
	}

	bus := eventbus.New()
	stats := metrics.NewMetrics()
	derivePolicy := derivation.New(store, q, rand.New(rand.NewSource(time.Now().UnixNano())))

	pipelineDeps := pipeline.Deps{
		Worker:       worker,
		Composer:     composer,
		Store:        store,
		Bus:          bus,
		Metrics:      stats,
		StorageRoot:  cfg.StorageRoot,
		StillTimeout: cfg.WorkerStillTimeout,
		AnimTimeout:  cfg.WorkerAnimTimeout,
		PollInterval: cfg.WorkerPollInterval,
		Encoder:      encoder,
		Archiver:     archiver,
		Derive:       derivePolicy.MaybeDerive,
	}
	imagePipeline := pipeline.NewImagePipeline(pipelineDeps)
	animationPipeline := pipeline.NewAnimationPipeline(pipelineDeps)

	sched := scheduler.New(scheduler.Config{
		Queue:         q,
		Store:         store,
		ImagePipeline: imagePipeline,
		AnimPipeline:  animationPipeline,
		Bus:           bus,
		Metrics:       stats,
		Log:           log,
	})

	schedErrCh := make(chan error, 1)
	go func() {
		schedErrCh <- sched.Run(ctx)
	}()

	router := httpapi.New(httpapi.Deps{
		Store:       store,
		Queue:       q,
		Bus:         bus,
		Metrics:     stats,
		Encoder:     encoder,
		Log:         log,
		StorageRoot: cfg.StorageRoot,
	})
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Mux(),
	}

	httpErrCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-schedErrCh:
		if err != nil {
			log.Error("scheduler exited unexpectedly", zap.Error(err))
		}
	case err := <-httpErrCh:
		if err != nil {
			log.Error("http server exited unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}

	return nil
}
