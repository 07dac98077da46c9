package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-session/internal/backend"
	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/device"
	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/geo"
	httpapi "github.com/example/ride-session/internal/http"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/presenter"
	"github.com/example/ride-session/internal/routing"
	"github.com/example/ride-session/internal/session"
	"github.com/example/ride-session/internal/storage"
)

func main() {
	cfg, err := config.LoadSessionConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("session host failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.SessionConfig, logger *slog.Logger) error {
	checks := map[string]func(context.Context) error{}

	var (
		users storage.UserStore
		trips storage.TripStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps.DB(), "migrations", logger); err != nil {
				return err
			}
		}
		users, trips = ps, ps
		checks["postgres"] = ps.DB().PingContext
	} else {
		ms := storage.NewMemoryStore()
		seedDemoUsers(ms)
		users, trips = ms, ms
		logger.Info("using in-memory store with demo users")
	}

	var (
		source  geo.Source
		drivers httpapi.DriverSink
	)
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		rg.MaxAge = cfg.MarkerTTL
		source, drivers = rg, rg.Upsert
		checks["redis"] = rg.Ping
		if len(cfg.KafkaBrokers) > 0 {
			kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic)
			defer kp.Close()
			drivers = kp.PublishLocation
		}
	} else {
		idx := geo.NewIndex()
		idx.MaxAge = cfg.MarkerTTL
		source = idx
		drivers = func(_ context.Context, p models.DriverPosition) error {
			idx.Upsert(p)
			return nil
		}
	}

	bus, closeBus, err := tripBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	client := &backend.Client{
		Users:   users,
		Trips:   trips,
		Drivers: &geo.Feed{Source: source, Interval: cfg.DriverPollEvery, Limit: cfg.DriverLimit, Logger: logger},
		Bus:     bus,
		Logger:  logger.With("component", "backend"),
		Timeout: cfg.BackendTimeout,
	}

	places := routing.Provider{
		Searcher: routing.NewCachedSearcher(
			routing.NewNominatimSearcher(cfg.NominatimURL, cfg.UserAgent, cfg.SearchLimit),
			routing.NewCache(cfg.SearchCacheTTL),
			routing.WithLogger(logger),
		),
		Router: routing.NewOSRMRouter(cfg.OSRMURL),
	}

	dev := device.NewSimulator(models.NotDetermined, logger.With("component", "device"))
	ws := presenter.NewWSRegistry(logger.With("component", "ws"))
	defer ws.Close()
	recent := presenter.NewRecent(200)

	loop := eventloop.New()
	orch := session.New(loop, session.Deps{
		Users:     client,
		Location:  dev,
		Locator:   dev,
		Drivers:   client,
		Places:    places,
		Trips:     client,
		Presenter: presenter.Fanout{ws, recent, presenter.Log{Logger: logger, Level: slog.LevelDebug}},
		Menu: session.MenuFunc(func(s session.Session) {
			logger.Info("menu requested", "uid", s.User.UID, "role", s.Role().String())
		}),
		Logger: logger,
	}, session.Config{
		RadiusKm:         cfg.RadiusKm,
		Accuracy:         cfg.Accuracy,
		MarkerTTL:        cfg.MarkerTTL,
		DispatchRadiusKm: cfg.DispatchRadiusKm,
		SearchSpanKm:     cfg.SearchSpanKm,
	})

	api := httpapi.NewServer(orch, dev, ws, recent, logger)
	api.Drivers = drivers
	api.Checks = checks
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		logger.Info("ride-session listening", "addr", cfg.HTTPAddr, "trip_bus", cfg.TripBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func tripBus(cfg config.SessionConfig, logger *slog.Logger) (ingest.TripBus, func(), error) {
	switch cfg.TripBus {
	case "kafka":
		kb := ingest.NewKafkaTripBus(cfg.KafkaBrokers, cfg.TripTopic, logger.With("component", "kafka"))
		return kb, func() { _ = kb.Close() }, nil
	case "amqp":
		ab, err := ingest.NewAMQPTripBus(cfg.AMQPURL, cfg.AMQPExchange, logger.With("component", "amqp"))
		if err != nil {
			return nil, nil, fmt.Errorf("amqp: %w", err)
		}
		return ab, func() { _ = ab.Close() }, nil
	default:
		return ingest.NewMemoryBus(64), func() {}, nil
	}
}

// migrate applies every .sql file in dir in name order. The statements are
// idempotent so re-running is safe.
func migrate(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("migration %s: %w", f, err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", f, err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}

func seedDemoUsers(ms *storage.MemoryStore) {
	ms.PutUserRecord("rider-1", map[string]any{"fullname": "Demo Rider", "email": "rider@example.com", "accountType": 0})
	ms.PutUserRecord("driver-1", map[string]any{"fullname": "Demo Driver", "email": "driver@example.com", "accountType": 1})
}
