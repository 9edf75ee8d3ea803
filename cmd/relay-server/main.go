package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/secure-relay/internal/blobstore"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/database"
	"github.com/secure-relay/internal/events"
	"github.com/secure-relay/internal/logging"
	"github.com/secure-relay/internal/metrics"
	"github.com/secure-relay/internal/middleware"
	"github.com/secure-relay/internal/presence"
	"github.com/secure-relay/internal/relay"
	"github.com/secure-relay/internal/stats"
)

const serviceName = "relay-server"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Logging.Environment,
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := relay.Options{
		Logger:      logger,
		SendBuffer:  cfg.Relay.SendBuffer,
		MaxFileSize: cfg.Relay.MaxFileSize,
	}

	var statsStore stats.Store
	if cfg.Database.Enabled() {
		db, err := database.New(&cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		statsStore = database.NewStatsRepository(db)
		logger.Info("call statistics stored in postgres", "host", cfg.Database.Host)
	}
	opts.Stats = stats.NewAccumulator(statsStore)

	var mirror *presence.RedisMirror
	if cfg.Redis.Enabled() {
		host, _ := os.Hostname()
		m, err := presence.NewRedisMirror(&cfg.Redis, host+"-"+uuid.NewString()[:8], logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer m.Close()
		mirror = m
		opts.Presence = m
		logger.Info("presence mirrored to redis", "addr", cfg.Redis.Addr())
	}

	if cfg.NATS.Enabled() {
		pub, err := events.NewNATSPublisher(&cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer pub.Close()
		opts.Events = pub
		logger.Info("relay events published to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	hub := relay.NewHub(opts)
	if mirror != nil {
		go mirror.Run(ctx, hub.Counts)
	}
	server := relay.NewServer(hub, cfg.Relay, &cfg.JWT, logger)
	if mirror != nil {
		server.SetClusterPresence(mirror)
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.RecoveryMiddleware)
	router.Use(middleware.CORSMiddleware(cfg.Relay.AllowedOrigins))
	router.Use(middleware.RateLimitMiddleware(cfg.Relay.RateLimit))

	if cfg.Metrics.Enabled {
		metrics.MustRegister(serviceName)
		router.Use(middleware.MetricsMiddleware(cfg.Metrics.Path))
		router.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/ws", server.HandleWebSocket)
	router.HandleFunc("/health", server.HandleHealth).Methods(http.MethodGet)

	if cfg.MinIO.Enabled() {
		store, err := blobstore.NewMinIOStore(ctx, &cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}

		api := router.PathPrefix("/api/v1").Subrouter()
		if cfg.JWT.AccessTokenSecret != "" {
			api.Use(middleware.AuthMiddleware(&cfg.JWT))
		}
		blobstore.NewHandler(store, cfg.Relay.MaxFileSize, logger).Routes(api)
		logger.Info("attachment uploads enabled", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	// hijacked WebSocket connections are not tracked by Shutdown
	hub.CloseAll()

	logger.Info("relay server stopped")
	return nil
}
