// Package reporting publishes completed Reports to the report topic.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/pkg/common"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// ErrEmissionExhausted is returned when a Report could not be published
// within the retry budget. It is fatal for the service.
var ErrEmissionExhausted = errors.New("report emission retries exhausted")

// Config bounds the publish retries of the Emitter.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RateLimit caps publishes per second; zero disables the limit.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the retry budget used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Metrics defines the measurements recorded by the Emitter.
type Metrics interface {
	IncPublishRetry(ctx context.Context)
	IncEmissionExhausted(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) IncPublishRetry(context.Context)      {}
func (noopMetrics) IncEmissionExhausted(context.Context) {}

var _ fleet.ReportEmitter = (*Emitter)(nil)

// Emitter publishes Reports keyed by driver_id through an EventBus.
type Emitter struct {
	bus     events.EventBus
	cfg     Config
	limiter *common.RateLimiter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewEmitter creates an Emitter publishing to bus.
func NewEmitter(bus events.EventBus, cfg Config, log *logger.Logger, tracer trace.Tracer, metrics Metrics) *Emitter {
	defaults := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	e := &Emitter{
		bus:     bus,
		cfg:     cfg,
		logger:  log.With("component", "report_emitter"),
		tracer:  tracer,
		metrics: metrics,
	}
	if cfg.RateLimit > 0 {
		e.limiter = common.NewRateLimiter(cfg.RateLimit, cfg.Burst)
	}
	return e
}

// retryPolicy bounds the publish attempts to 1+MaxRetries. WithMaxRetries
// treats zero as unlimited, so a zero or negative budget stops after the
// first attempt.
func (e *Emitter) retryPolicy() backoff.BackOff {
	if e.cfg.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.cfg.InitialInterval
	expBackoff.MaxInterval = e.cfg.MaxInterval
	expBackoff.MaxElapsedTime = 0
	return backoff.WithMaxRetries(expBackoff, uint64(e.cfg.MaxRetries))
}

// Emit publishes r, retrying transient failures with exponential backoff.
// When the budget is spent it returns an error wrapping ErrEmissionExhausted;
// a canceled ctx ends the retries with ctx.Err().
func (e *Emitter) Emit(ctx context.Context, r fleet.Report) error {
	ctx, span := e.tracer.Start(ctx, "report_emitter.emit",
		trace.WithAttributes(
			attribute.String("driver_id", r.DriverID),
			attribute.String("truck_id", r.TruckID),
		),
	)
	defer span.End()

	env := events.EventEnvelope{
		Type:      events.EventTypeReportCompleted,
		Key:       r.DriverID,
		Timestamp: time.Now(),
		Payload:   r,
	}

	policy := backoff.WithContext(e.retryPolicy(), ctx)

	attempts := 0
	operation := func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		attempts++
		err := e.bus.Publish(ctx, env, events.WithKey(r.DriverID))
		if err != nil && attempts <= e.cfg.MaxRetries && ctx.Err() == nil {
			e.metrics.IncPublishRetry(ctx)
			e.logger.Warn(ctx, "Report publish failed, retrying",
				"driver_id", r.DriverID,
				"attempt", attempts,
				"error", err,
			)
		}
		return err
	}

	err := backoff.Retry(operation, policy)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "emission canceled")
		return fmt.Errorf("emit report for driver %s: %w", r.DriverID, ctxErr)
	}

	span.SetStatus(codes.Error, "emission exhausted")
	e.metrics.IncEmissionExhausted(ctx)
	e.logger.Error(ctx, "Report emission exhausted",
		"driver_id", r.DriverID,
		"truck_id", r.TruckID,
		"attempts", attempts,
		"error", err,
	)
	return fmt.Errorf("%w: driver %s after %d attempts: %v", ErrEmissionExhausted, r.DriverID, attempts, err)
}
