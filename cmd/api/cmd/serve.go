package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/cmd/api/middleware"
	"github.com/alphauslabs/ferry/cmd/api/service"
	"github.com/alphauslabs/ferry/internal/adminrpc"
	"github.com/alphauslabs/ferry/internal/config"
	"github.com/alphauslabs/ferry/internal/database"
	_ "github.com/alphauslabs/ferry/internal/database/badger"   // Register badger provider
	_ "github.com/alphauslabs/ferry/internal/database/postgres" // Register postgres provider
	_ "github.com/alphauslabs/ferry/internal/database/spanner"  // Register spanner provider
	"github.com/alphauslabs/ferry/internal/galaxydb"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/logging"
	"github.com/alphauslabs/ferry/internal/queue/natsqueue"
	"github.com/alphauslabs/ferry/internal/telemetry"
	"github.com/alphauslabs/ferry/internal/tracking"
)

var (
	port string
	mode string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the API server. In orchestrator mode it serves tracking records, state
tokens, registrations and the admin RPC. In instance mode it runs next to a
Galaxy instance and serves its history exports and disk usage.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&port, "port", "", "Port to listen on (overrides SERVER_PORT)")
	serveCmd.Flags().StringVar(&mode, "mode", "", "orchestrator or instance (overrides MODE)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if mode != "" {
		os.Setenv("MODE", mode)
	}
	cfg, err := config.LoadFromEnv(config.RoleAPI)
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
	logger.Infof("Starting API in %s mode", cfg.API.Mode)

	if len(cfg.API.Keys) == 0 {
		logger.Warnf("API_KEYS is empty; every authenticated route will answer 401")
	}
	protect := middleware.BearerAuth(cfg.API.Keys, logger)

	ctx := context.Background()
	mux := http.NewServeMux()

	var endpoints []string
	switch cfg.API.Mode {
	case config.ModeOrchestrator:
		closeFn, err := registerOrchestrator(ctx, cfg, mux, protect, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		endpoints = []string{
			"GET|PATCH /{export,import}/{id}",
			"GET /{exports,imports}/",
			"GET /{export,import}/{id}/logs",
			"POST|DELETE /{export,import}/{id}/lease",
			"POST /{export,import}/{id}/requeue",
			"POST /{export,import}/{instance}/{state_id}",
			"POST /state/, GET /state/{id}",
			"POST /" + adminrpc.ServiceName + "/*",
		}

	case config.ModeInstance:
		closeFn, err := registerInstance(ctx, cfg, mux, protect, logger)
		if err != nil {
			return err
		}
		defer closeFn()
		endpoints = []string{
			"GET /info/",
			"GET /history/export/{id}, /history/export/?history_id=",
			"GET /history/exports/",
			"GET /history/download/{id}/",
			"GET /tos",
		}
	}

	metrics := telemetry.NewMetrics()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	logger.Infof("CORS allowed origins: %v", cfg.API.AllowedOrigins)
	handler := middleware.CORSMiddleware(cfg.API.AllowedOrigins)(mux)

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.ServerPort)
	// No write timeout: downloads stream archives for as long as they take.
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("API listening on %s", addr)
		logger.Infof("Available endpoints:")
		for _, e := range endpoints {
			logger.Infof("  • %s", e)
		}
		logger.Infof("  • GET  /health")
		logger.Infof("  • GET  /metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigCtx.Done()
	logger.Infof("Shutting down API gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("API stopped")
	return nil
}

func registerOrchestrator(ctx context.Context, cfg *config.Config, mux *http.ServeMux, protect func(http.Handler) http.Handler, logger *zap.SugaredLogger) (func(), error) {
	store, err := database.NewStore(ctx, database.Config{
		Provider:  cfg.Database.Provider,
		ProjectID: cfg.Database.ProjectID,
		Instance:  cfg.Database.Instance,
		Database:  cfg.Database.Database,
		URL:       cfg.Database.URL,
		Path:      cfg.Database.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database client: %w", err)
	}
	logger.Infof("Connected to %s tracking store", cfg.Database.Provider)

	codec, err := idcodec.New(cfg.IDSecret)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create id codec: %w", err)
	}
	if cfg.IDSecret == "" {
		logger.Warnf("ID_SECRET is not set; using the default id secret")
	}

	q, err := natsqueue.Connect(ctx, natsqueue.Config{
		URL:    cfg.Queue.URL,
		Name:   "ferry-api",
		Stream: cfg.Queue.Stream,
		Prefix: cfg.Queue.Prefix,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Infof("Publishing to %s (stream %s)", cfg.Queue.URL, cfg.Queue.Stream)

	svc := service.NewTrackingService(tracking.NewLocal(store, codec), q, cfg.API.StateTTL, logger)
	svc.Register(mux, protect)

	path, handler := adminrpc.NewHandler(svc, logger)
	mux.Handle(path, protect(handler))
	logger.Infof("Registered admin RPC at path: %s", path)

	return func() {
		q.Close()
		store.Close()
	}, nil
}

func registerInstance(ctx context.Context, cfg *config.Config, mux *http.ServeMux, protect func(http.Handler) http.Handler, logger *zap.SugaredLogger) (func(), error) {
	db, err := galaxydb.Open(ctx, cfg.Galaxy.DatabaseURL)
	if err != nil {
		return nil, err
	}
	codec, err := idcodec.New(cfg.IDSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create id codec: %w", err)
	}
	logger.Infof("Serving Galaxy %s from %s", cfg.Galaxy.Name, cfg.Galaxy.FileDir)

	svc := service.NewInstanceService(db, codec, service.InstanceConfig{
		Name:        cfg.Galaxy.Name,
		FileDir:     cfg.Galaxy.FileDir,
		GracePeriod: cfg.Galaxy.GracePeriod,
	}, logger)
	svc.Register(mux, protect)

	return db.Close, nil
}
