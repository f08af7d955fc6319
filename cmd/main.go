package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"dispatch-service/internal/config"
	"dispatch-service/internal/events"
	"dispatch-service/internal/matching"
	"dispatch-service/internal/requests"
	"dispatch-service/internal/sessions"
	"dispatch-service/internal/technicians"
	"dispatch-service/internal/tracking"
	"dispatch-service/internal/users"
	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
	"dispatch-service/pkg/logger"
	rredis "dispatch-service/pkg/redis"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("dispatch-service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 1. JWT secret ──
	if err := jwt.Init(cfg.JWTSecret); err != nil {
		return err
	}

	// ── 2. PostgreSQL ──
	var pool *pgxpool.Pool
	if cfg.StorageBackend == config.BackendPostgres || cfg.LocationBackend == config.BackendPostgres {
		database, err := db.Connect(ctx, cfg.DatabaseURL, zl)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.RunMigrations(ctx, migrations.FS); err != nil {
			return err
		}
		pool = database.Pool
	}

	// ── 3. Stores ──
	var (
		requestStore requests.Store
		sessionStore sessions.Store
		historyStore sessions.HistoryStore
		accountStore users.Store
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		requestStore = requests.NewPostgresStore(pool)
		sessionStore = sessions.NewPostgresStore(pool)
		historyStore = sessions.NewPostgresHistory(pool)
		accountStore = users.NewPostgresStore(pool)
	default:
		zl.Warn("using in-memory storage; data is lost on restart")
		requestStore = requests.NewMemoryStore()
		sessionStore = sessions.NewMemoryStore()
		historyStore = sessions.NewMemoryHistory()
		accountStore = users.NewMemoryStore()
	}

	var locationStore technicians.LocationStore
	switch cfg.LocationBackend {
	case config.BackendRedis:
		redisClient, err := rredis.NewClient(ctx, cfg.RedisAddr, zl)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locationStore = technicians.NewRedisStore(redisClient)
	case config.BackendPostgres:
		locationStore = technicians.NewPostgresStore(pool)
	default:
		locationStore = technicians.NewMemoryStore()
	}

	// ── 4. Events (+ Kafka) ──
	bus := events.NewBus(zl)
	publisher := events.Multi{bus}
	var kafkaClient *kafka.Client
	if cfg.KafkaEnabled {
		kafkaClient = kafka.NewClient(cfg.KafkaBrokers, zl)
		defer kafkaClient.Close()
		if err := kafkaClient.EnsureTopics(ctx, kafka.TopicRequestCreated, kafka.TopicTransitions); err != nil {
			return err
		}
		publisher = append(publisher, events.NewKafkaPublisher(kafkaClient))
	}

	// ── 5. Services ──
	techSvc := technicians.NewService(locationStore, zl)
	userSvc := users.NewService(accountStore, techSvc, zl)
	if err := userSvc.EnsureOperator(ctx, cfg.Operator.Email, cfg.Operator.Password); err != nil {
		return err
	}
	finder := matching.NewFinder(locationStore, matching.Config{
		RadiusKm:   cfg.Match.RadiusKm,
		MaxResults: cfg.Match.MaxResults,
	}, zl)
	sessionSvc := sessions.NewService(sessionStore, historyStore, publisher, zl)

	deps := requests.Deps{
		Store:     requestStore,
		Finder:    finder,
		Locations: locationStore,
		Sessions:  sessionSvc,
		Verifier:  userSvc,
		Events:    publisher,
	}
	if kafkaClient != nil {
		deps.Announcer = kafkaClient
	}
	coordinator := requests.NewCoordinator(deps, zl)

	// ── 6. WebSocket hub + location ingest ──
	wsHub := tracking.NewHub(bus, zl)
	ingestor := tracking.NewIngestor(locationStore, sessionSvc, wsHub, zl)

	// ── 7. Background consumers ──
	if kafkaClient != nil {
		requests.NewDispatcher(coordinator, zl).Start(ctx, kafkaClient)
	}

	// ── 8. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logger.Middleware(zl))
	r.Use(chimw.Recoverer)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dispatch-service"}`))
	})

	r.Mount("/users", users.NewHandler(userSvc).Routes())
	r.Mount("/technicians", technicians.NewHandler(techSvc).Routes())
	r.Mount("/matching", matching.NewHandler(finder).Routes())
	r.Mount("/requests", requests.NewHandler(coordinator).Routes())
	r.Mount("/sessions", sessions.NewHandler(sessionSvc).Routes())
	r.Mount("/locations", tracking.NewHandler(ingestor).Routes())
	r.Mount("/ws", wsHub.Routes())

	// ── 9. Start server ──
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		zl.Info("dispatch-service listening",
			zap.String("port", cfg.Port),
			zap.String("storage", cfg.StorageBackend),
			zap.String("locations", cfg.LocationBackend),
			zap.Bool("kafka", kafkaClient != nil))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// ── 10. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	zl.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	cancel() // stop consumers
	return srv.Shutdown(shutCtx)
}
