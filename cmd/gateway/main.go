package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zentra/beacon/config"
	"github.com/zentra/beacon/internal/audience"
	"github.com/zentra/beacon/internal/delivery"
	"github.com/zentra/beacon/internal/directory"
	"github.com/zentra/beacon/internal/dispatch"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/metrics"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/retention"
	"github.com/zentra/beacon/internal/services/announcement"
	"github.com/zentra/beacon/internal/services/event"
	"github.com/zentra/beacon/internal/services/notification"
	"github.com/zentra/beacon/internal/services/websocket"
	"github.com/zentra/beacon/internal/store"
	"github.com/zentra/beacon/pkg/database"
	"github.com/zentra/beacon/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, using info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st          store.Store
		dir         directory.Directory
		publisher   fanout.Publisher
		wsHub       *websocket.Hub
		redisClient *redis.Client
	)

	if cfg.UsesPostgres() {
		db, err := database.NewPostgresPool(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer db.Close()

		redisClient, err = database.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		st = store.NewPostgres(db)
		dir = directory.NewCached(directory.NewPostgres(db), redisClient, cfg.Directory.CacheTTL)
		publisher = fanout.NewRedisPublisher(redisClient)

		// Envelopes for locally connected users arrive on their topics
		subscriber := fanout.NewSubscriber(redisClient)
		wsHub = websocket.NewHub(subscriber)
		go func() {
			if err := subscriber.Run(ctx, wsHub.Deliver); err != nil {
				log.Error().Err(err).Msg("Fanout subscriber stopped")
			}
		}()
	} else {
		log.Warn().Msg("Using in-memory store; state is lost on restart and the user directory is empty")
		st = store.NewMemory()
		dir = directory.NewStatic()
		wsHub = websocket.NewHub(nil)
		publisher = fanout.Local{Deliver: wsHub.Deliver}
	}
	go wsHub.Run(ctx)

	m := metrics.New(prometheus.DefaultRegisterer)

	resolver := &audience.Resolver{
		Targets:       st,
		Groups:        dir,
		Relationships: dir,
		Users:         dir,
		PageSize:      cfg.Dispatch.BroadcastPageSize,
	}
	engine := delivery.NewEngine(st, delivery.Config{RetryBackoff: cfg.Dispatch.RetryBackoff})
	dispatcher := dispatch.New(st, resolver, engine, publisher, m, dispatch.Config{
		TriggerTimeout:       cfg.Dispatch.TriggerTimeout,
		RuleConcurrency:      cfg.Dispatch.RuleConcurrency,
		RecipientConcurrency: cfg.Dispatch.RecipientConcurrency,
	})

	// Retention, optionally archiving to MinIO first
	var archiver retention.Archiver
	if cfg.Archive.Enabled {
		minioClient, err := storage.ConnectMinIO(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MinIO")
		}
		archiver = storage.NewArchive(minioClient, cfg.Archive.Bucket)
	}
	sweeper := retention.NewSweeper(st, archiver, m, retention.Config{
		Interval:  cfg.Retention.SweepInterval,
		BatchSize: cfg.Retention.BatchSize,
	})
	go sweeper.Start(ctx)

	// Initialize handlers
	eventHandler := event.NewHandler(event.NewService(st, dispatcher), dir)
	notificationHandler := notification.NewHandler(notification.NewService(st, publisher))

	announcements := announcement.NewService(st, resolver, publisher, m, announcement.Config{
		PublishInterval: cfg.Announcements.PublishInterval,
		BatchSize:       cfg.Announcements.BatchSize,
		Concurrency:     cfg.Dispatch.RecipientConcurrency,
	})
	go announcements.Start(ctx)
	notificationHandler.Admin = announcement.NewHandler(announcements, dir).Routes()
	wsHandler := websocket.NewHandler(wsHub, cfg.JWT.Secret, cfg.Server.AllowedOrigins)
	if redisClient != nil {
		eventHandler.TriggerMiddleware = append(eventHandler.TriggerMiddleware,
			middleware.StrictRateLimitMiddleware(redisClient, cfg.Server.TriggerPerMinute))
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestIDMiddleware)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoveryMiddleware)
	r.Use(chimiddleware.RedirectSlashes)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Origin"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
		Debug:            cfg.Environment == "development",
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
			if redisClient != nil {
				r.Use(middleware.RateLimitMiddleware(redisClient, cfg.Server.RateLimitRPS))
			}

			r.Mount("/events", eventHandler.Routes())
			r.Mount("/notifications", notificationHandler.Routes())
		})
	})

	// WebSocket endpoint (separate from API versioning)
	r.Mount("/ws", wsHandler.Routes())

	// Create HTTP server
	server := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Server.Port,
		Handler: r,
	}

	// Start server
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("store", cfg.Store.Driver).Msg("Starting Beacon gateway")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
