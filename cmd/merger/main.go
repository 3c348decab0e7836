package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/fleet-merger/internal/app/correlation"
	"github.com/ahrav/fleet-merger/internal/app/merger"
	"github.com/ahrav/fleet-merger/internal/app/reporting"
	"github.com/ahrav/fleet-merger/internal/config"
	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/kafka"
	"github.com/ahrav/fleet-merger/internal/infra/storage/memory"
	"github.com/ahrav/fleet-merger/internal/infra/storage/postgres"
	"github.com/ahrav/fleet-merger/pkg/common"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
	"github.com/ahrav/fleet-merger/pkg/common/otel"
	"github.com/ahrav/fleet-merger/pkg/metrics"
)

const serviceType = "merger"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := run(cfg, hostname); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"app":      serviceType,
	}

	return logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.LogLevel),
		cfg.ServiceName,
		otel.GetTraceID,
		logEvents,
		metadata,
		logger.WithOTelExport(cfg.ServiceName, nil),
	)
}

// run wires the service and blocks until a shutdown signal or a fatal error.
// A non-nil return means the process should exit with a failure status.
func run(cfg *config.Config, hostname string) error {
	log := newLogger(cfg, hostname)
	sarama.Logger = logger.NewStdLogger(log.With("component", "sarama"), logger.LevelDebug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return err
	}
	defer telemetryTeardown(context.Background())

	tracer := tp.Tracer(cfg.ServiceName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.HealthAddr, ready)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthServer.Server().Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Error shutting down health server", "error", err)
		}
	}()

	mergerMetrics, err := merger.NewMergerMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		return err
	}

	drivers := memory.NewDriverStore()
	trucks := memory.NewTruckStore()
	times := memory.NewTimeAggregateStore()
	positions := memory.NewPositionAggregateStore()
	state := metrics.StateSources{Drivers: drivers, Trucks: trucks, Times: times, Positions: positions}

	ledger, closeLedger, err := newLedger(ctx, cfg.Ledger, tracer, log)
	if err != nil {
		log.Error(ctx, "failed to create session ledger", "error", err, "kind", cfg.Ledger.Kind)
		return err
	}
	defer closeLedger()
	switch l := ledger.(type) {
	case metrics.Sizer:
		state.Ledger = l
	case metrics.Counter:
		state.DurableLedger = l
	}

	if err := metrics.RegisterStateGauges(prometheus.DefaultRegisterer, state); err != nil {
		log.Error(ctx, "failed to register state gauges", "error", err)
		return err
	}
	go func() {
		if err := common.RunMetricsServer(cfg.MetricsAddr); err != nil {
			log.Error(ctx, "metrics server error", "error", err)
		}
	}()

	clientCfg := &kafka.ClientConfig{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.GroupID,
		ClientID:      fmt.Sprintf("%s-%s", cfg.Kafka.ClientID, uuid.New().String()),
		CommitOffsets: cfg.Kafka.CommitOffsets,
	}
	client, err := kafka.Connect(ctx, clientCfg, kafka.ConnectConfig{
		InitialInterval: cfg.Kafka.Connect.InitialInterval,
		MaxElapsedTime:  cfg.Kafka.Connect.MaxElapsedTime,
	}, log)
	if err != nil {
		log.Error(ctx, "failed to connect to kafka", "error", err, "brokers", cfg.Kafka.Brokers)
		return err
	}
	defer client.Close()

	topics := map[fleet.Stream]string{
		fleet.StreamEntity:   cfg.Kafka.Topics.Entity,
		fleet.StreamTime:     cfg.Kafka.Topics.Time,
		fleet.StreamPosition: cfg.Kafka.Topics.Position,
	}
	sources := make(map[fleet.Stream]events.MessageSource, len(topics))
	for stream, topic := range topics {
		src, err := kafka.NewTopicSource(client, clientCfg, topic, log, mergerMetrics, tracer)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			log.Error(ctx, "failed to create topic source", "error", err, "topic", topic)
			return err
		}
		sources[stream] = src
	}

	eventBus, err := kafka.NewEventBus(client, kafka.TopicConfig{ReportTopic: cfg.Kafka.Topics.Report}, log, mergerMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to create event bus", "error", err)
		return err
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error(context.Background(), "Failed to close event bus", "error", err)
		}
	}()

	svc, err := merger.New(merger.Deps{
		Sources: sources,
		Bus:     eventBus,
		Stores: correlation.Stores{
			Drivers:   drivers,
			Trucks:    trucks,
			Times:     times,
			Positions: positions,
		},
		Ledger:      ledger,
		PollTimeout: cfg.Kafka.PollTimeout,
		Emitter: reporting.Config{
			MaxRetries:      cfg.Emitter.MaxRetries,
			InitialInterval: cfg.Emitter.InitialInterval,
			MaxInterval:     cfg.Emitter.MaxInterval,
			RateLimit:       cfg.Emitter.RateLimit,
			Burst:           cfg.Emitter.Burst,
		},
		Logger:  log,
		Tracer:  tracer,
		Metrics: mergerMetrics,
	})
	if err != nil {
		log.Error(ctx, "failed to create merger", "error", err)
		return err
	}

	ready.Store(true)
	log.Info(ctx, "Merger started", "brokers", cfg.Kafka.Brokers, "ledger", cfg.Ledger.Kind)

	err = svc.Run(ctx)
	ready.Store(false)
	if err != nil {
		log.Error(context.Background(), "Merger stopped on fatal error", "error", err)
		return err
	}

	log.Info(context.Background(), "Merger shutdown complete")
	return nil
}

// newLedger builds the configured emitted-session ledger and returns a
// function releasing its resources.
func newLedger(
	ctx context.Context,
	cfg config.LedgerConfig,
	tracer trace.Tracer,
	log *logger.Logger,
) (fleet.SessionLedger, func(), error) {
	switch cfg.Kind {
	case config.LedgerMemory:
		return memory.NewSessionLedger(memory.WithMaxSize(cfg.MaxSize)), func() {}, nil

	case config.LedgerPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing db config: %w", err)
		}
		poolCfg.MinConns = 1
		poolCfg.MaxConns = 8
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening db: %w", err)
		}
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")

		return postgres.NewSessionLedger(pool, tracer), pool.Close, nil
	}

	return nil, nil, fmt.Errorf("%w: unknown ledger kind %q", config.ErrInvalidConfig, cfg.Kind)
}

// runMigrations applies all up migrations from db/migrations using a
// connection borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MERGER_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file:///app/db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
