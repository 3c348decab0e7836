// Package ingestion runs one polling loop per input topic: poll a record,
// classify it, apply it to the correlation engine and re-check completion.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/app/correlation"
	"github.com/ahrav/fleet-merger/internal/app/reporting"
	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// Classifier parses raw payloads into typed events.
type Classifier interface {
	Classify(stream fleet.Stream, payload []byte) (fleet.Event, error)
}

// Correlator is the part of the correlation engine a worker drives.
type Correlator interface {
	Apply(ctx context.Context, ev fleet.Event) (fleet.PartialKey, error)
	TryComplete(ctx context.Context, key fleet.PartialKey) (correlation.Outcome, error)
}

// Metrics defines the measurements recorded by a Worker.
type Metrics interface {
	IncMessageRejected(ctx context.Context, stream fleet.Stream, reason string)
	IncAnomaly(ctx context.Context, stream fleet.Stream, reason string)
	IncHandlerPanic(ctx context.Context, stream fleet.Stream)
}

type noopMetrics struct{}

func (noopMetrics) IncMessageRejected(context.Context, fleet.Stream, string) {}
func (noopMetrics) IncAnomaly(context.Context, fleet.Stream, string)         {}
func (noopMetrics) IncHandlerPanic(context.Context, fleet.Stream)            {}

// Rejection reasons reported to Metrics.
const (
	ReasonMalformed     = "malformed"
	ReasonUnknown       = "unknown_event"
	ReasonIncomplete    = "incomplete_event"
	ReasonTruckConflict = "truck_conflict"
	ReasonApply         = "apply_failed"
	ReasonCorrelate     = "correlate_failed"
)

// Worker consumes a single topic. Per-message failures are logged and
// counted; only a poll failure or an exhausted emission ends Run with an
// error.
type Worker struct {
	source      events.MessageSource
	stream      fleet.Stream
	pollTimeout time.Duration

	classifier Classifier
	correlator Correlator

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewWorker creates a worker reading source as stream.
func NewWorker(
	source events.MessageSource,
	stream fleet.Stream,
	pollTimeout time.Duration,
	classifier Classifier,
	correlator Correlator,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) *Worker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{
		source:      source,
		stream:      stream,
		pollTimeout: pollTimeout,
		classifier:  classifier,
		correlator:  correlator,
		logger:      log.With("component", "ingestion_worker", "stream", string(stream), "topic", source.Topic()),
		tracer:      tracer,
		metrics:     metrics,
	}
}

// Run polls until ctx is canceled, which ends it with a nil error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "Ingestion worker started", "poll_timeout", w.pollTimeout)
	defer w.logger.Info(context.WithoutCancel(ctx), "Ingestion worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := w.source.Poll(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll topic %s: %w", w.source.Topic(), err)
		}
		if msg == nil {
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle processes one record. It returns an error only when the service
// must stop.
func (w *Worker) handle(ctx context.Context, msg *events.Message) (err error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := w.tracer.Start(ctx, "ingestion_worker.handle",
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int64("partition", int64(msg.Partition)),
			attribute.Int64("offset", msg.Offset),
		),
	)
	defer span.End()

	logr := logger.NewLoggerContext(w.logger.With("partition", msg.Partition, "offset", msg.Offset))

	defer func() {
		if r := recover(); r != nil {
			w.metrics.IncHandlerPanic(ctx, w.stream)
			span.SetStatus(codes.Error, "handler panic")
			logr.Error(ctx, "Recovered from panic while handling message",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = nil
		}
	}()

	ev, err := w.classifier.Classify(w.stream, msg.Value)
	if err != nil {
		reason := rejectionReason(err)
		span.RecordError(err)
		w.metrics.IncMessageRejected(ctx, w.stream, reason)
		logr.Warn(ctx, "Rejected message", "reason", reason, "error", err)
		return nil
	}
	logr.Add("event_kind", string(ev.Kind()))

	key, err := w.correlator.Apply(ctx, ev)
	if err != nil {
		reason := ReasonApply
		if errors.Is(err, fleet.ErrTruckConflict) {
			reason = ReasonTruckConflict
		}
		span.RecordError(err)
		w.metrics.IncAnomaly(ctx, w.stream, reason)
		logr.Warn(ctx, "Event not applied", "reason", reason, "error", err)
		return nil
	}

	outcome, err := w.correlator.TryComplete(ctx, key)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, reporting.ErrEmissionExhausted) {
			span.SetStatus(codes.Error, "emission exhausted")
			return fmt.Errorf("topic %s offset %d: %w", msg.Topic, msg.Offset, err)
		}
		w.metrics.IncAnomaly(ctx, w.stream, ReasonCorrelate)
		logr.Error(ctx, "Completion check failed", "key", key.ID, "error", err)
		return nil
	}

	logr.Debug(ctx, "Message handled", "key_kind", key.Kind.String(), "key", key.ID, "outcome", outcome.String())
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, fleet.ErrMalformedPayload):
		return ReasonMalformed
	case errors.Is(err, fleet.ErrUnknownEvent):
		return ReasonUnknown
	case errors.Is(err, fleet.ErrIncompleteEvent):
		return ReasonIncomplete
	default:
		return ReasonMalformed
	}
}
