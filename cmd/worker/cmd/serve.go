package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/cmd/worker/service"
	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/archive"
	"github.com/alphauslabs/ferry/internal/config"
	"github.com/alphauslabs/ferry/internal/database"
	_ "github.com/alphauslabs/ferry/internal/database/badger"   // Register badger provider
	_ "github.com/alphauslabs/ferry/internal/database/postgres" // Register postgres provider
	_ "github.com/alphauslabs/ferry/internal/database/spanner"  // Register spanner provider
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/instance"
	"github.com/alphauslabs/ferry/internal/logging"
	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/queue/natsqueue"
	"github.com/alphauslabs/ferry/internal/staging"
	"github.com/alphauslabs/ferry/internal/telemetry"
	"github.com/alphauslabs/ferry/internal/tracking"
)

var (
	port          string
	instancesFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	Long:  `Start the worker: consume tracker messages and drive exports and imports through their states.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&port, "port", "", "Port for /health and /metrics (overrides SERVER_PORT)")
	serveCmd.Flags().StringVar(&instancesFile, "instances", "", "Instance registry YAML (overrides INSTANCES_CONFIG)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if instancesFile != "" {
		os.Setenv("INSTANCES_CONFIG", instancesFile)
	}
	cfg, err := config.LoadFromEnv(config.RoleWorker)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if port != "" {
		cfg.ServerPort = port
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Infof("Starting worker %s", cfg.Worker.ID)

	ctx := context.Background()

	entries, err := config.LoadInstances(cfg.InstancesFile)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	registry := instance.NewRegistry(entries, apiclient.Options{})
	logger.Infof("Loaded %d instance(s) from %s", len(registry.List()), cfg.InstancesFile)

	api, closeTracking, err := newTracking(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTracking()

	q, err := natsqueue.Connect(ctx, natsqueue.Config{
		URL:      cfg.Queue.URL,
		Name:     "ferry-worker-" + cfg.Worker.ID,
		Stream:   cfg.Queue.Stream,
		Prefix:   cfg.Queue.Prefix,
		Durable:  cfg.Queue.Durable,
		Prefetch: cfg.Queue.Prefetch,
		AckWait:  cfg.Queue.AckWait,
	}, logger)
	if err != nil {
		return err
	}
	defer q.Close()
	logger.Infof("Connected to queue %s (stream %s, durable %s, prefetch %d)",
		cfg.Queue.URL, cfg.Queue.Stream, cfg.Queue.Durable, cfg.Queue.Prefetch)

	area, err := staging.NewArea(cfg.Worker.StagingDir)
	if err != nil {
		return fmt.Errorf("failed to prepare staging area: %w", err)
	}

	keyDir := filepath.Join(area.Root(), ".keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("failed to create key dir: %w", err)
	}
	transferer, err := archive.NewTransferer(ctx, cfg.Archive, keyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create archive transferer: %w", err)
	}
	logger.Infof("Archive backend: %s", cfg.Archive.Backend)

	metrics := telemetry.NewMetrics()
	tp, shutdownTracer, err := telemetry.NewTracerProvider(cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}
	defer shutdownTracer(context.Background())

	ackMode, err := queue.ParseAckMode(cfg.Queue.AckMode)
	if err != nil {
		return err
	}

	workerService, err := service.NewWorkerService(cfg.Worker, ackMode, service.Deps{
		Tracking:  api,
		Instances: registry,
		Archive:   transferer,
		Staging:   area,
		Publisher: q,
		Metrics:   metrics,
		Tracer:    tp,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger.Infof("Worker identity: %s (lanes=%d, lease_ttl=%s, heartbeat=%s)",
		cfg.Worker.ID, cfg.Worker.Lanes, cfg.Worker.LeaseTTL, cfg.Worker.HeartbeatInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerService.StartStuckSweeper(sigCtx)

	go func() {
		logger.Infof("Worker listening on %s", addr)
		logger.Infof("  • GET  /health")
		logger.Infof("  • GET  /metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- workerService.Run(sigCtx, q)
	}()

	select {
	case <-sigCtx.Done():
		logger.Infof("Shutdown signal received, gracefully shutting down...")
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Errorf("Consumer stopped: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}

	logger.Infof("Worker stopped")
	return nil
}

// newTracking returns the tracking API client, or a store-backed one when no
// tracking URL is configured.
func newTracking(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (tracking.API, func(), error) {
	if cfg.Tracking.URL != "" {
		logger.Infof("Using tracking API at %s", cfg.Tracking.URL)
		client := tracking.NewClient(cfg.Tracking.URL, cfg.Tracking.Token, apiclient.Options{
			RequestsPerSecond: cfg.Tracking.RequestsPerSecond,
		})
		return client, func() {}, nil
	}

	store, err := database.NewStore(ctx, database.Config{
		Provider:  cfg.Database.Provider,
		ProjectID: cfg.Database.ProjectID,
		Instance:  cfg.Database.Instance,
		Database:  cfg.Database.Database,
		URL:       cfg.Database.URL,
		Path:      cfg.Database.Path,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database client: %w", err)
	}
	codec, err := idcodec.New(cfg.IDSecret)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create id codec: %w", err)
	}
	logger.Infof("Using %s tracking store directly", cfg.Database.Provider)
	return tracking.NewLocal(store, codec), func() { store.Close() }, nil
}
