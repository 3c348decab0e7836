// Package correlation joins the four entity stores into Reports. Every store
// update is followed by TryComplete for the key it touched; a session whose
// eight facts are all present is published exactly once and then reset.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// Outcome is the result of a TryComplete call.
type Outcome int

const (
	// OutcomeIncomplete means the session still misses facts, or the key
	// cannot be resolved to a (driver, truck) pair yet.
	OutcomeIncomplete Outcome = iota
	// OutcomeEmitted means a Report was published.
	OutcomeEmitted
	// OutcomeDuplicate means the session was complete but its Report had
	// already been published.
	OutcomeDuplicate
)

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeEmitted:
		return "emitted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Metrics defines the measurements recorded by the Engine.
type Metrics interface {
	IncTruckConflict(ctx context.Context)
	IncReportEmitted(ctx context.Context)
	IncDuplicateSuppressed(ctx context.Context)
	ObserveTryCompleteLatency(ctx context.Context, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncTruckConflict(context.Context)                         {}
func (noopMetrics) IncReportEmitted(context.Context)                         {}
func (noopMetrics) IncDuplicateSuppressed(context.Context)                   {}
func (noopMetrics) ObserveTryCompleteLatency(context.Context, time.Duration) {}

// Stores groups the entity stores owned by the Engine.
type Stores struct {
	Drivers   fleet.DriverStore
	Trucks    fleet.TruckStore
	Times     fleet.TimeAggregateStore
	Positions fleet.PositionAggregateStore
}

// Engine routes classified events to their store and detects completed
// sessions. It is safe for concurrent use by one goroutine per input topic.
type Engine struct {
	stores  Stores
	ledger  fleet.SessionLedger
	emitter fleet.ReportEmitter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewEngine creates an Engine over the given stores.
func NewEngine(
	stores Stores,
	ledger fleet.SessionLedger,
	emitter fleet.ReportEmitter,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		stores:  stores,
		ledger:  ledger,
		emitter: emitter,
		logger:  log.With("component", "correlation_engine"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Apply writes the event into its store and returns the key it touched. A
// time marker that contradicts the truck already bound to its driver is
// dropped and reported as fleet.ErrTruckConflict.
func (e *Engine) Apply(ctx context.Context, ev fleet.Event) (fleet.PartialKey, error) {
	ctx, span := e.tracer.Start(ctx, "correlation_engine.apply",
		trace.WithAttributes(attribute.String("event_kind", string(ev.Kind()))),
	)
	defer span.End()

	switch v := ev.(type) {
	case fleet.Driver:
		e.stores.Drivers.Upsert(v)
	case fleet.Truck:
		e.stores.Trucks.Upsert(v)
	case fleet.TimeMarker:
		if _, err := e.stores.Times.Upsert(v); err != nil {
			span.RecordError(err)
			if errors.Is(err, fleet.ErrTruckConflict) {
				span.SetStatus(codes.Error, "truck conflict")
				e.metrics.IncTruckConflict(ctx)
				e.logger.Warn(ctx, "Discarded time marker bound to another truck",
					"driver_id", v.DriverID,
					"truck_id", v.TruckID,
					"slot", v.Slot,
					"error", err,
				)
			}
			return v.Key(), err
		}
	case fleet.PositionMarker:
		if _, err := e.stores.Positions.Upsert(v); err != nil {
			span.RecordError(err)
			return v.Key(), err
		}
	default:
		return fleet.PartialKey{}, fmt.Errorf("%w: %T", fleet.ErrUnknownEvent, ev)
	}

	return ev.Key(), nil
}

// session is the consistent view of one (driver, truck) pair read from the
// stores. The reads are not atomic across stores; TryComplete tolerates that
// because every later update triggers a new attempt.
type session struct {
	driverID  string
	truckID   string
	driver    fleet.Driver
	truck     fleet.Truck
	times     fleet.TimeAggregate
	positions fleet.PositionAggregate
}

// TryComplete checks whether the session reachable from key is complete and,
// if so, publishes its Report once. An error from the emitter is returned
// after releasing the session claim so a later update can emit it again.
func (e *Engine) TryComplete(ctx context.Context, key fleet.PartialKey) (Outcome, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "correlation_engine.try_complete",
		trace.WithAttributes(
			attribute.String("key_kind", key.Kind.String()),
			attribute.String("key_id", key.ID),
		),
	)
	defer func() {
		span.End()
		e.metrics.ObserveTryCompleteLatency(ctx, time.Since(start))
	}()

	sess, ok := e.resolve(key)
	if !ok {
		return OutcomeIncomplete, nil
	}
	span.SetAttributes(
		attribute.String("driver_id", sess.driverID),
		attribute.String("truck_id", sess.truckID),
	)

	report, err := fleet.NewReport(sess.driver, sess.truck, sess.times, sess.positions)
	if err != nil {
		return OutcomeIncomplete, nil
	}

	sessionKey := report.SessionKey()
	seen, err := e.ledger.SeenAndRecord(ctx, sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger claim failed")
		return OutcomeIncomplete, fmt.Errorf("claim session %s: %w", sessionKey, err)
	}
	if seen {
		span.AddEvent("duplicate_session")
		e.metrics.IncDuplicateSuppressed(ctx)
		e.reset(ctx, sess)
		return OutcomeDuplicate, nil
	}

	if err := e.emitter.Emit(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		if uerr := e.ledger.Unrecord(context.WithoutCancel(ctx), sessionKey); uerr != nil {
			e.logger.Error(ctx, "Failed to release session claim", "session", sessionKey.String(), "error", uerr)
		}
		return OutcomeIncomplete, fmt.Errorf("emit report for session %s: %w", sessionKey, err)
	}

	e.metrics.IncReportEmitted(ctx)
	e.logger.Info(ctx, "Report emitted",
		"driver_id", sess.driverID,
		"truck_id", sess.truckID,
		"start", sessionKey.Start,
		"end", sessionKey.End,
	)
	e.reset(ctx, sess)
	span.SetStatus(codes.Ok, "report emitted")

	return OutcomeEmitted, nil
}

// resolve reads the session reachable from key. It reports false when the
// key cannot be resolved to a pair whose aggregates are both complete and
// whose driver and truck are both known. A truck key may be referenced by
// several drivers; each is tried in ScanForReferences order and the first
// that resolves wins.
func (e *Engine) resolve(key fleet.PartialKey) (session, bool) {
	switch key.Kind {
	case fleet.KeyKindDriver:
		agg, ok := e.stores.Times.Get(key.ID)
		if !ok {
			return session{}, false
		}
		truckID, ok := agg.TruckID()
		if !ok {
			return session{}, false
		}
		return e.resolvePair(key.ID, truckID, agg)

	case fleet.KeyKindTruck:
		for _, driverID := range e.stores.Times.ScanForReferences(key.ID) {
			agg, ok := e.stores.Times.Get(driverID)
			if !ok {
				continue
			}
			if bound, ok := agg.TruckID(); !ok || bound != key.ID {
				continue
			}
			if s, ok := e.resolvePair(driverID, key.ID, agg); ok {
				return s, true
			}
		}
		return session{}, false

	default:
		return session{}, false
	}
}

// resolvePair completes the session for a driver whose time aggregate is
// bound to truckID.
func (e *Engine) resolvePair(driverID, truckID string, times fleet.TimeAggregate) (session, bool) {
	s := session{driverID: driverID, truckID: truckID, times: times}
	if !s.times.Complete() {
		return s, false
	}

	var ok bool
	if s.positions, ok = e.stores.Positions.Get(s.truckID); !ok || !s.positions.Complete() {
		return s, false
	}
	if s.driver, ok = e.stores.Drivers.Get(s.driverID); !ok {
		return s, false
	}
	if s.truck, ok = e.stores.Trucks.Get(s.truckID); !ok {
		return s, false
	}
	return s, true
}

// reset clears the aggregates a Report was built from, unless a newer marker
// already changed them.
func (e *Engine) reset(ctx context.Context, s session) {
	timesReset := e.stores.Times.DeleteIfUnchanged(s.driverID, s.times)
	positionsReset := e.stores.Positions.DeleteIfUnchanged(s.truckID, s.positions)
	e.logger.Debug(ctx, "Session reset",
		"driver_id", s.driverID,
		"truck_id", s.truckID,
		"times_reset", timesReset,
		"positions_reset", positionsReset,
	)
}
