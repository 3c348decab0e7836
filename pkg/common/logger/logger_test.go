package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
)

// recordingExporter keeps every log record exported by the SDK.
type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func (e *recordingExporter) snapshot() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesServiceTraceAndMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "merger", func(context.Context) string { return "trace-1" },
		Events{}, map[string]string{"hostname": "host-a"})

	log.Debug(context.Background(), "dropped")
	log.With("stream", "time").Info(context.Background(), "message handled", "offset", 7)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "message handled", lines[0]["msg"])
	assert.Equal(t, "merger", lines[0]["service"])
	assert.Equal(t, "host-a", lines[0]["hostname"])
	assert.Equal(t, "time", lines[0]["stream"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.Equal(t, float64(7), lines[0]["offset"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLogger_ErrorEvent(t *testing.T) {
	t.Parallel()

	var (
		buf bytes.Buffer
		got []Record
	)
	log := NewWithEvents(&buf, LevelDebug, "merger", nil, Events{
		Error: func(_ context.Context, r Record) { got = append(got, r) },
	})

	log.Info(context.Background(), "fine")
	log.Error(context.Background(), "emission exhausted", "driver_id", "D1")

	require.Len(t, got, 1)
	assert.Equal(t, "emission exhausted", got[0].Message)
	assert.Equal(t, LevelError, got[0].Level)
	assert.Equal(t, "D1", got[0].Attributes["driver_id"])
	assert.Len(t, decodeLines(t, &buf), 2)
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "merger", nil))
	lc.Add("stream", "position")
	lc.Debug(context.Background(), "polled")
	lc.Add("truck_id", "T1")
	lc.Warn(context.Background(), "anomaly")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "truck_id")
	assert.Equal(t, "position", lines[1]["stream"])
	assert.Equal(t, "T1", lines[1]["truck_id"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]Level{
		"debug":   LevelDebug,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_OTelExportCarriesTraceContext(t *testing.T) {
	t.Parallel()

	exporter := &recordingExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "merger", nil, Events{}, nil, WithOTelExport("merger", provider))

	traceID := trace.TraceID{0x0a, 0x0b, 0x0c, 0x01}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	log.Debug(ctx, "below level")
	log.With("stream", "time").Warn(ctx, "truck conflict", "driver_id", "D1")

	records := exporter.snapshot()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "truck conflict", rec.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, rec.Severity())
	assert.Equal(t, traceID, rec.TraceID())

	attrs := map[string]string{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	assert.Equal(t, "merger", attrs["service"])
	assert.Equal(t, "time", attrs["stream"])
	assert.Equal(t, "D1", attrs["driver_id"])

	// The JSON sink still receives the same record.
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "truck conflict", lines[0]["msg"])
}
