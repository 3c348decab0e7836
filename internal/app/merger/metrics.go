package merger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/fleet-merger/internal/app/correlation"
	"github.com/ahrav/fleet-merger/internal/app/ingestion"
	"github.com/ahrav/fleet-merger/internal/app/reporting"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/kafka"
)

var (
	_ kafka.EventBusMetrics = (*Metrics)(nil)
	_ correlation.Metrics   = (*Metrics)(nil)
	_ reporting.Metrics     = (*Metrics)(nil)
	_ ingestion.Metrics     = (*Metrics)(nil)
)

// Metrics records the service's OpenTelemetry instruments. One value serves
// every component.
type Metrics struct {
	// Bus metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Ingestion metrics.
	messagesRejected metric.Int64Counter
	anomalies        metric.Int64Counter
	handlerPanics    metric.Int64Counter

	// Correlation metrics.
	truckConflicts       metric.Int64Counter
	reportsEmitted       metric.Int64Counter
	duplicatesSuppressed metric.Int64Counter
	tryCompleteLatency   metric.Float64Histogram

	// Emission metrics.
	publishRetries     metric.Int64Counter
	emissionsExhausted metric.Int64Counter
}

const namespace = "fleet_merger"

// NewMergerMetrics creates the instruments on mp.
func NewMergerMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.messagesPublished, "messages_published_total", "Total number of messages published"},
		{&m.messagesConsumed, "messages_consumed_total", "Total number of messages consumed"},
		{&m.publishErrors, "publish_errors_total", "Total number of publish errors"},
		{&m.consumeErrors, "consume_errors_total", "Total number of consume errors"},
		{&m.messagesRejected, "messages_rejected_total", "Total number of payloads rejected by the classifier"},
		{&m.anomalies, "anomalies_total", "Total number of events that could not be applied or correlated"},
		{&m.handlerPanics, "handler_panics_total", "Total number of panics recovered while handling a message"},
		{&m.truckConflicts, "truck_conflicts_total", "Total number of time markers discarded for naming another truck"},
		{&m.reportsEmitted, "reports_emitted_total", "Total number of reports published"},
		{&m.duplicatesSuppressed, "duplicates_suppressed_total", "Total number of completed sessions already reported"},
		{&m.publishRetries, "publish_retries_total", "Total number of report publish retries"},
		{&m.emissionsExhausted, "emissions_exhausted_total", "Total number of reports whose retry budget ran out"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if m.tryCompleteLatency, err = meter.Float64Histogram(
		"try_complete_duration_seconds",
		metric.WithDescription("Time taken to check and emit a session"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *Metrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *Metrics) IncMessageRejected(ctx context.Context, stream fleet.Stream, reason string) {
	m.messagesRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", string(stream)),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) IncAnomaly(ctx context.Context, stream fleet.Stream, reason string) {
	m.anomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", string(stream)),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) IncHandlerPanic(ctx context.Context, stream fleet.Stream) {
	m.handlerPanics.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", string(stream))))
}

func (m *Metrics) IncTruckConflict(ctx context.Context)       { m.truckConflicts.Add(ctx, 1) }
func (m *Metrics) IncReportEmitted(ctx context.Context)       { m.reportsEmitted.Add(ctx, 1) }
func (m *Metrics) IncDuplicateSuppressed(ctx context.Context) { m.duplicatesSuppressed.Add(ctx, 1) }
func (m *Metrics) IncPublishRetry(ctx context.Context)        { m.publishRetries.Add(ctx, 1) }
func (m *Metrics) IncEmissionExhausted(ctx context.Context)   { m.emissionsExhausted.Add(ctx, 1) }

func (m *Metrics) ObserveTryCompleteLatency(ctx context.Context, d time.Duration) {
	m.tryCompleteLatency.Record(ctx, d.Seconds())
}
