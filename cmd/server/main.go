package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	applog "chillchat/internal/log"
	"chillchat/internal/server/api"
	"chillchat/internal/server/auth"
	"chillchat/internal/server/config"
	"chillchat/internal/server/database"
	"chillchat/internal/server/presence"
	"chillchat/internal/server/realtime"
	"chillchat/internal/server/service"
	"chillchat/internal/server/storage"
)

// repository is what the services and the janitor need from persistence.
type repository interface {
	service.Store
	storage.ShareSweeper
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger depends on config, so fall back to a plain one.
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := applog.New(cfg.Environment, cfg.Log.Level)
	logger.Info().
		Str("addr", cfg.Addr()).
		Str("database", cfg.Database.Driver).
		Str("storage", cfg.Storage.Backend).
		Bool("redis", cfg.Redis.Enabled).
		Int64("max_file_size", cfg.Shares.MaxFileSize).
		Dur("share_window", cfg.Shares.Window).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer closeRepo()

	// Object storage for share bytes
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("Share storage initialized")

	// Presence registry and cross-instance fan-out
	hub := realtime.NewHub(logger)
	var registry presence.Registry = presence.NewMemory()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
		}

		registry = presence.NewRedis(rdb)
		bus := realtime.NewRedisBus(rdb, cfg.Redis.Channel, hub, logger)
		hub.AttachBus(bus)
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Relay bus stopped")
			}
		}()
		logger.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("Redis presence and relay bus enabled")
	}

	// Services
	tokens := auth.NewTokens(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	relay := service.NewRelay(registry, hub, repo, repo, logger)
	endpoint := realtime.NewEndpoint(hub, relay, tokens.UserID, cfg.CORSOrigins, logger)

	handler := api.NewHandler(api.Services{
		Shares: service.NewShareService(repo, store, cfg.Shares, logger),
		Users:  service.NewUserService(repo, registry, logger),
		Chats:  service.NewChatService(repo, repo, logger),
		Health: repo,
		Tokens: tokens,
	}, logger)

	// Janitor
	janitor := storage.NewJanitor(repo, store, cfg.Shares.Retention, logger)
	if err := janitor.Start(ctx, cfg.Shares.JanitorSchedule); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start janitor")
	}

	// HTTP
	e := api.SetupRouter(handler, endpoint, cfg, logger)
	e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTP.WriteTimeout
	e.Server.IdleTimeout = cfg.HTTP.IdleTimeout

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("base_url", cfg.HTTP.BaseURL).Msg("Starting server")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	hub.Close()
	janitor.Stop()
	cancel()

	logger.Info().Msg("Server exited cleanly")
}

func openRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("Using in-memory database; data is lost on restart")
		return database.NewMemory(), func() {}, nil
	}

	db, err := database.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info().Msg("Database migrations complete")
	return database.NewRepository(db), db.Close, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Backend == "minio" {
		s, err := storage.NewObjectStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	s := storage.NewFileSystemStore(cfg.Path)
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	return s, nil
}
