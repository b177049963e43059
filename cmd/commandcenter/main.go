// Command commandcenter runs the command intake API together with the outbox
// dispatcher, the command consumer, and the ledger retry worker. Each worker
// can be switched off through configuration so the roles can be split across
// processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/circuitbreaker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/config"
	"github.com/tbourn/command-relay/internal/consumer"
	"github.com/tbourn/command-relay/internal/dispatcher"
	httpapi "github.com/tbourn/command-relay/internal/http"
	"github.com/tbourn/command-relay/internal/ledger"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/observability"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/services"
	"github.com/tbourn/command-relay/internal/sysutil"
	"github.com/tbourn/command-relay/internal/throttle"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 20 * time.Second

// worker is the lifecycle shared by the background components.
type worker interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("commandcenter stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("commandcenter stopped")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	log.Logger = log.With().Str("service", cfg.Commands.ServiceName).Str("version", version).Logger()
}

func run(ctx context.Context, cfg config.Config) error {
	lg := log.Logger

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.Outbox.WorkerID)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if sysutil.IsTruthy(os.Getenv("MIGRATE_ONLY")) {
		lg.Info().Str("driver", cfg.Database.Driver).Msg("migrations applied")
		return nil
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	tr, err := openTransport(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer tr.close()

	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)
	codec := commands.NewCodec()

	cmdSvc := &services.CommandService{
		DB:             db,
		Registry:       registry,
		Codec:          codec,
		Log:            lg.With().Str("component", "intake").Logger(),
		DefaultTopic:   cfg.Commands.Topic,
		MaxRetries:     cfg.Outbox.MaxRetries,
		LedgerAttempts: cfg.Ledger.MaxAttempts,
	}

	var (
		workers  []worker
		breakers *circuitbreaker.Registry
	)

	if cfg.Outbox.DispatcherEnabled {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			HalfOpenRequests: uint32(cfg.Breaker.HalfOpenRequests),
		}, lg, rec.BreakerListener())

		d := newDispatcher(cfg, db, cmdSvc, tr, breakers, rec, lg)
		workers = append(workers, d)
	}

	if cfg.Commands.ConsumerEnabled {
		mux := consumer.NewMux()
		registerHandlers(mux, lg.With().Str("component", "handlers").Logger())

		l := ledger.New(db, ledger.Config{
			WorkerID:      cfg.Outbox.WorkerID,
			MaxAttempts:   cfg.Ledger.MaxAttempts,
			Backoff:       retry.Backoff{Base: cfg.Ledger.BaseDelay, Max: cfg.Ledger.MaxBackoff},
			LockTimeout:   cfg.Ledger.LockTimeout,
			RetryBatch:    cfg.Ledger.RetryBatch,
			RetryInterval: cfg.Ledger.RetryInterval,
		}, ledger.WithMetrics(rec), ledger.WithLogger(lg.With().Str("component", "ledger").Logger()))

		c := consumer.New(consumer.Config{
			ServiceName:   cfg.Commands.ServiceName,
			Topic:         cfg.Commands.Topic,
			BatchSize:     cfg.Commands.BatchSize,
			MaxBatchBytes: cfg.Commands.MaxBatchBytes,
			PollInterval:  cfg.Commands.PollInterval,
			Retry: retry.Policy{
				MaxRetries: cfg.Commands.MaxRetries,
				Backoff:    retry.Backoff{Base: cfg.Commands.RetryBackoff, Max: cfg.Commands.RetryBackoffMax},
				Schedule:   cfg.Commands.RetrySchedule,
			},
		}, tr.src, tr.dlqPub, l.Guard(mux.Route),
			consumer.WithCodec(codec),
			consumer.WithMetrics(rec),
			consumer.WithLogger(lg.With().Str("component", "consumer").Logger()),
		)
		workers = append(workers, c, l.NewRetryWorker(mux.Route, codec))
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	deps := httpapi.Deps{DB: db, Commands: cmdSvc, Config: cfg}
	if breakers != nil {
		deps.Breakers = breakers
	}
	httpapi.RegisterRoutes(r, deps)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	for i, w := range workers {
		if err := w.Start(ctx); err != nil {
			shutdownWorkers(workers[:i], lg)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info().Str("addr", srv.Addr).Str("broker", cfg.Broker.Kind).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(sctx)
		shutdownWorkers(workers, lg)
		return err
	})
	return g.Wait()
}

// shutdownWorkers stops workers in reverse start order, each with its own
// grace period.
func shutdownWorkers(workers []worker, lg zerolog.Logger) {
	for i := len(workers) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := workers[i].Shutdown(ctx); err != nil {
			lg.Warn().Err(err).Msg("worker shutdown")
		}
		cancel()
	}
}

// loadRegistry reads the route table from COMMAND_ROUTES_PATH, or routes every
// known command to this service.
func loadRegistry(cfg config.Config) (*services.StaticRegistry, error) {
	if cfg.Commands.RoutesPath != "" {
		reg, err := services.LoadStaticRegistry(cfg.Commands.RoutesPath)
		if err != nil {
			return nil, fmt.Errorf("load routes: %w", err)
		}
		return reg, nil
	}
	self := sysutil.FirstNonEmpty(cfg.Commands.ServiceName, "commandcenter")
	return services.NewStaticRegistry(services.RegistryFile{
		DefaultTopic: cfg.Commands.Topic,
		Routes: []services.Route{
			{CommandName: commands.NameMobileCheckinStart, TargetService: self, RequiredModules: []string{"reservations"}},
			{CommandName: commands.NameHousekeepingTaskAssign, TargetService: self, RequiredModules: []string{"housekeeping"}},
			{CommandName: commands.NameBillingInvoiceAdjust, TargetService: self, RequiredModules: []string{"billing"}},
		},
	})
}

// newDispatcher builds the outbox dispatcher. Dead-letter events go through
// the transport's DLQ publisher so COMMANDS_DLQ_TOPIC applies to them.
func newDispatcher(cfg config.Config, db *gorm.DB, cmdSvc *services.CommandService, tr *transport, breakers *circuitbreaker.Registry, rec *metrics.Recorder, lg zerolog.Logger) *dispatcher.Dispatcher {
	return dispatcher.New(dispatcher.Config{
		WorkerID:     cfg.Outbox.WorkerID,
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		LockTimeout:  cfg.Outbox.LockTimeout,
		Backoff:      retry.Backoff{Base: cfg.Outbox.Backoff, Max: cfg.Outbox.BackoffMax},
		MaxRetries:   cfg.Outbox.MaxRetries,
		MaxTenants:   cfg.Outbox.MaxTenants,
	}, db, cmdSvc, tr.pub,
		dispatcher.WithDeadLetterPublisher(tr.dlqPub),
		dispatcher.WithThrottler(throttle.New(throttle.Config{
			MinSpacing:      cfg.Throttle.MinSpacing,
			MaxJitter:       cfg.Throttle.MaxJitter,
			CleanupInterval: cfg.Throttle.CleanupInterval,
			IdleTTL:         cfg.Throttle.IdleTTL,
		})),
		dispatcher.WithBreakers(breakers),
		dispatcher.WithMetrics(rec),
		dispatcher.WithLogger(lg.With().Str("component", "dispatcher").Logger()),
	)
}
