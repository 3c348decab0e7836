// Package merger wires the ingestion workers, the correlation engine and the
// report emitter into one runnable service.
package merger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/fleet-merger/internal/app/correlation"
	"github.com/ahrav/fleet-merger/internal/app/ingestion"
	"github.com/ahrav/fleet-merger/internal/app/reporting"
	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/serialization"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

// Deps holds everything the service needs. Sources must contain one entry
// per stream; the service takes ownership of them and closes them when Run
// returns.
type Deps struct {
	Sources map[fleet.Stream]events.MessageSource
	Bus     events.EventBus
	Stores  correlation.Stores
	Ledger  fleet.SessionLedger

	PollTimeout time.Duration
	Emitter     reporting.Config

	Logger  *logger.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Service runs one ingestion worker per input stream.
type Service struct {
	sources map[fleet.Stream]events.MessageSource
	workers []*ingestion.Worker
	logger  *logger.Logger
}

// streams lists the input streams in start order.
var streams = []fleet.Stream{fleet.StreamEntity, fleet.StreamTime, fleet.StreamPosition}

// New assembles the service.
func New(deps Deps) (*Service, error) {
	for _, s := range streams {
		if deps.Sources[s] == nil {
			return nil, fmt.Errorf("no message source for stream %s", s)
		}
	}
	if deps.PollTimeout <= 0 {
		return nil, errors.New("poll timeout must be positive")
	}

	// Typed nil pointers must not reach the components as non-nil interfaces.
	var (
		engineMetrics    correlation.Metrics
		emitterMetrics   reporting.Metrics
		ingestionMetrics ingestion.Metrics
	)
	if deps.Metrics != nil {
		engineMetrics, emitterMetrics, ingestionMetrics = deps.Metrics, deps.Metrics, deps.Metrics
	}

	log := deps.Logger.With("component", "merger")
	emitter := reporting.NewEmitter(deps.Bus, deps.Emitter, deps.Logger, deps.Tracer, emitterMetrics)
	engine := correlation.NewEngine(deps.Stores, deps.Ledger, emitter, deps.Logger, deps.Tracer, engineMetrics)
	classifier := serialization.NewClassifier()

	svc := &Service{sources: deps.Sources, logger: log}
	for _, s := range streams {
		svc.workers = append(svc.workers, ingestion.NewWorker(
			deps.Sources[s], s, deps.PollTimeout, classifier, engine,
			deps.Logger, deps.Tracer, ingestionMetrics,
		))
	}
	return svc, nil
}

// Run starts the workers and blocks until ctx is canceled or a worker fails.
// A failing worker cancels the others; its error is returned.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error { return w.Run(gctx) })
	}

	s.logger.Info(ctx, "Merger running", "workers", len(s.workers))
	err := g.Wait()

	for stream, src := range s.sources {
		if cerr := src.Close(); cerr != nil {
			s.logger.Warn(context.WithoutCancel(ctx), "Failed to close source", "stream", string(stream), "error", cerr)
		}
	}

	if err != nil {
		s.logger.Error(context.WithoutCancel(ctx), "Merger stopped on fatal error", "error", err)
		return err
	}
	s.logger.Info(context.WithoutCancel(ctx), "Merger stopped")
	return nil
}
