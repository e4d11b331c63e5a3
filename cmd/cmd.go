package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"couple-sync/internal/config"
	"couple-sync/internal/handlers"
	"couple-sync/internal/metrics"
	"couple-sync/internal/middleware"
	"couple-sync/internal/realtime"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/repository"
	"couple-sync/internal/services"
	"couple-sync/internal/sweeper"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docopt/docopt-go"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

const usage = `Couple sync server.

Usage:
    couple-sync serve [--config=<path>]
    couple-sync sweep [--config=<path>]
    couple-sync chat --server=<url> --token=<token> [--config=<path>]
    couple-sync -h | --help
    couple-sync --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file [default: config.yaml].
    --server=<url>     Gateway websocket url, e.g. ws://localhost:8080/ws
    --token=<token>    Token returned by sign in.`

func Run() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	if serve, _ := opts.Bool("serve"); serve {
		runServer(cfg)
	} else if sweep, _ := opts.Bool("sweep"); sweep {
		runSweep(cfg)
	} else if chat, _ := opts.Bool("chat"); chat {
		server, _ := opts.String("--server")
		token, _ := opts.String("--token")
		runChat(cfg, server, token)
	}
}

// openStore connects the realtime store selected by the configuration. The
// redis client is nil for the memory backend.
func openStore(ctx context.Context, cfg *config.Config) (remotestore.Store, *redis.Client) {
	if cfg.Store.Backend == "memory" {
		log.Warn().Msg("Using the in-memory store, data is lost on restart")
		return remotestore.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	return remotestore.NewRedisStore(client, cfg.Redis.Prefix), client
}

func newSweeper(cfg *config.Config, store remotestore.Store, met *metrics.Metrics) *sweeper.Sweeper {
	sw, err := sweeper.New(store, sweeper.Options{
		Retention: cfg.Sync.Retention,
		Cron:      cfg.Sync.SweepCron,
		Targets:   sweeper.CoupleTargets(store),
		Metrics:   met,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sweeper")
	}
	return sw
}

func runServer(cfg *config.Config) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Database connection established")

	store, redisClient := openStore(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(registry)

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	coupleRepo := repository.NewCoupleRepository(db)

	// Initialize services
	var revoker services.TokenRevoker
	if redisClient != nil {
		revoker = services.NewRedisRevoker(redisClient, cfg.Redis.Prefix)
	}
	authService := services.NewAuthService(accountRepo, store, revoker, cfg.JWT.Secret)
	coupleService := services.NewCoupleService(coupleRepo, accountRepo, store)

	s3Client, err := services.NewS3Client(ctx, services.S3Config{
		Region:    cfg.AWS.Region,
		AccessKey: cfg.AWS.AccessKey,
		SecretKey: cfg.AWS.SecretKey,
		Endpoint:  cfg.AWS.Endpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create S3 client")
	}
	blobs := services.NewBlobStore(s3Client, s3.NewPresignClient(s3Client), cfg.AWS.S3Bucket, cfg.AWS.PublicBase, int(cfg.Server.MaxUploadBytes))

	gateway := realtime.NewGateway(store, authService, realtime.GatewayOptions{
		Access:  services.CoupleAccess(store),
		Metrics: met,
	})
	if cfg.APNS.KeyFile != "" {
		apnsClient, err := services.NewAPNSClient(services.APNSConfig{
			KeyFile:    cfg.APNS.KeyFile,
			KeyID:      cfg.APNS.KeyID,
			TeamID:     cfg.APNS.TeamID,
			Production: cfg.APNS.Production,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create APNs client")
		}
		notifier := services.NewPartnerNotifier(apnsClient, accountRepo, store, cfg.APNS.Topic)
		gateway.OnWrite(notifier.Hook)
		log.Info().Bool("production", cfg.APNS.Production).Msg("Partner notifications enabled")
	}

	newSweeper(cfg, store, met).Start(ctx)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, accountRepo)
	coupleHandler := handlers.NewCoupleHandler(coupleService)
	imageHandler := handlers.NewImageHandler(blobs, coupleService, cfg.Server.MaxUploadBytes+1<<20)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/signup", authHandler.SignUp)
		r.Post("/auth/signin", authHandler.SignIn)
		r.Post("/auth/signout", authHandler.SignOut)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(authService))
			r.Put("/me/push-token", authHandler.UpdatePushToken)
			r.Post("/couples", coupleHandler.Pair)
			r.Get("/couples/me", coupleHandler.GetMine)
			r.Delete("/couples/{couple_id}", coupleHandler.Unpair)
			r.Post("/images", imageHandler.Upload)
			r.Post("/images/presign", imageHandler.Presign)
		})
	})

	// Realtime store gateway
	r.Handle("/ws", gateway)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("store", cfg.Store.Backend).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Websocket connections are hijacked, Shutdown does not close them
	gateway.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// runSweep performs a single sweep and exits
func runSweep(cfg *config.Config) {
	ctx := context.Background()
	store, redisClient := openStore(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	res := newSweeper(cfg, store, nil).Sweep(ctx)
	log.Info().
		Int("scanned", res.Scanned).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Msg("Sweep finished")
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
