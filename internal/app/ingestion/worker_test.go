package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/fleet-merger/internal/app/correlation"
	"github.com/ahrav/fleet-merger/internal/app/reporting"
	"github.com/ahrav/fleet-merger/internal/domain/events"
	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/eventbus/serialization"
	"github.com/ahrav/fleet-merger/pkg/common/logger"
)

type pollResult struct {
	msg *events.Message
	err error
}

// scriptedSource replays results in order and then idles until ctx ends.
type scriptedSource struct {
	mu      sync.Mutex
	results []pollResult
	polls   int
}

func newScriptedSource(payloads ...string) *scriptedSource {
	s := &scriptedSource{}
	for i, p := range payloads {
		s.results = append(s.results, pollResult{msg: &events.Message{Topic: "test_topic", Offset: int64(i), Value: []byte(p)}})
	}
	return s
}

func (s *scriptedSource) Topic() string { return "test_topic" }
func (s *scriptedSource) Close() error  { return nil }

func (s *scriptedSource) Poll(ctx context.Context, timeout time.Duration) (*events.Message, error) {
	s.mu.Lock()
	s.polls++
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return r.msg, r.err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *scriptedSource) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results) == 0
}

type mockCorrelator struct{ mock.Mock }

func (m *mockCorrelator) Apply(ctx context.Context, ev fleet.Event) (fleet.PartialKey, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(fleet.PartialKey), args.Error(1)
}

func (m *mockCorrelator) TryComplete(ctx context.Context, key fleet.PartialKey) (correlation.Outcome, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(correlation.Outcome), args.Error(1)
}

type recordingMetrics struct {
	mu       sync.Mutex
	rejected map[string]int
	anomaly  map[string]int
	panics   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{rejected: map[string]int{}, anomaly: map[string]int{}}
}

func (r *recordingMetrics) IncMessageRejected(_ context.Context, _ fleet.Stream, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *recordingMetrics) IncAnomaly(_ context.Context, _ fleet.Stream, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomaly[reason]++
}

func (r *recordingMetrics) IncHandlerPanic(context.Context, fleet.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics++
}

type panickingClassifier struct{ calls int }

func (p *panickingClassifier) Classify(fleet.Stream, []byte) (fleet.Event, error) {
	p.calls++
	if p.calls == 1 {
		panic("boom")
	}
	return fleet.Truck{TruckID: "T1", Immatriculation: "ABC-123"}, nil
}

func newTestWorker(src events.MessageSource, stream fleet.Stream, c Classifier, corr Correlator, m Metrics) *Worker {
	return NewWorker(src, stream, 5*time.Millisecond, c, corr, logger.Noop(), noop.NewTracerProvider().Tracer("test"), m)
}

// runUntilDrained runs w until src has handed out every scripted result,
// then cancels and returns Run's error.
func runUntilDrained(t *testing.T, w *Worker, src *scriptedSource) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, src.drained, time.Second, time.Millisecond)
	// One more poll guarantees the last record was fully handled.
	src.mu.Lock()
	polls := src.polls
	src.mu.Unlock()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.polls > polls
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestWorker_BadPayloadsDoNotStopTheLoop(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		`not json`,
		`{"type_":"trailer"}`,
		`{"type_":"driver","driver_id":"D1"}`,
		`{"type_":"truck","truck_id":"T1","immatriculation":"ABC-123"}`,
	)
	corr := new(mockCorrelator)
	corr.On("Apply", mock.Anything, fleet.Truck{TruckID: "T1", Immatriculation: "ABC-123"}).Return(fleet.TruckKey("T1"), nil).Once()
	corr.On("TryComplete", mock.Anything, fleet.TruckKey("T1")).Return(correlation.OutcomeIncomplete, nil).Once()

	metrics := newRecordingMetrics()
	w := newTestWorker(src, fleet.StreamEntity, serialization.NewClassifier(), corr, metrics)

	require.NoError(t, runUntilDrained(t, w, src))

	corr.AssertExpectations(t)
	assert.Equal(t, map[string]int{ReasonMalformed: 1, ReasonUnknown: 1, ReasonIncomplete: 1}, metrics.rejected)
}

func TestWorker_TruckConflictIsAnomaly(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(`{"type_":"rest","timestamp":"12:00","driver_id":"D1","truck_id":"T2"}`)
	corr := new(mockCorrelator)
	corr.On("Apply", mock.Anything, mock.Anything).
		Return(fleet.DriverKey("D1"), errors.Join(fleet.ErrTruckConflict)).Once()

	metrics := newRecordingMetrics()
	w := newTestWorker(src, fleet.StreamTime, serialization.NewClassifier(), corr, metrics)

	require.NoError(t, runUntilDrained(t, w, src))
	corr.AssertNotCalled(t, "TryComplete", mock.Anything, mock.Anything)
	assert.Equal(t, 1, metrics.anomaly[ReasonTruckConflict])
}

func TestWorker_EmissionExhaustedIsFatal(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		`{"type_":"end","truck_id":"T1","latitude":45.76,"longitude":4.83,"timestamp":"17:00"}`,
		`{"type_":"start","truck_id":"T9","latitude":1,"longitude":1,"timestamp":"08:00"}`,
	)
	corr := new(mockCorrelator)
	corr.On("Apply", mock.Anything, mock.Anything).Return(fleet.TruckKey("T1"), nil).Once()
	corr.On("TryComplete", mock.Anything, fleet.TruckKey("T1")).
		Return(correlation.OutcomeIncomplete, reporting.ErrEmissionExhausted).Once()

	w := newTestWorker(src, fleet.StreamPosition, serialization.NewClassifier(), corr, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, reporting.ErrEmissionExhausted))
	corr.AssertExpectations(t)
}

func TestWorker_NonFatalCorrelationError(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(`{"type_":"truck","truck_id":"T1","immatriculation":"ABC-123"}`)
	corr := new(mockCorrelator)
	corr.On("Apply", mock.Anything, mock.Anything).Return(fleet.TruckKey("T1"), nil).Once()
	corr.On("TryComplete", mock.Anything, mock.Anything).
		Return(correlation.OutcomeIncomplete, errors.New("ledger unavailable")).Once()

	metrics := newRecordingMetrics()
	w := newTestWorker(src, fleet.StreamEntity, serialization.NewClassifier(), corr, metrics)

	require.NoError(t, runUntilDrained(t, w, src))
	assert.Equal(t, 1, metrics.anomaly[ReasonCorrelate])
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(`{}`, `{}`)
	corr := new(mockCorrelator)
	corr.On("Apply", mock.Anything, mock.Anything).Return(fleet.TruckKey("T1"), nil).Once()
	corr.On("TryComplete", mock.Anything, mock.Anything).Return(correlation.OutcomeIncomplete, nil).Once()

	metrics := newRecordingMetrics()
	w := newTestWorker(src, fleet.StreamEntity, &panickingClassifier{}, corr, metrics)

	require.NoError(t, runUntilDrained(t, w, src))
	assert.Equal(t, 1, metrics.panics)
	corr.AssertExpectations(t)
}

func TestWorker_PollErrorEndsRun(t *testing.T) {
	t.Parallel()

	pollErr := errors.New("source closed")
	src := &scriptedSource{results: []pollResult{{err: pollErr}}}
	w := newTestWorker(src, fleet.StreamEntity, serialization.NewClassifier(), new(mockCorrelator), nil)

	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, pollErr))
}

func TestWorker_StopsOnCancelWhileIdle(t *testing.T) {
	t.Parallel()

	src := newScriptedSource()
	w := newTestWorker(src, fleet.StreamTime, serialization.NewClassifier(), new(mockCorrelator), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NoError(t, w.Run(ctx))
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Greater(t, src.polls, 1, "idle timeouts keep the loop polling")
}
