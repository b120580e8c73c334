package stream

import (
	"bytes"
	"context"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-online-rls/errs"
	"github.com/n0madic/go-online-rls/pretrain"
	rfmapper "github.com/n0madic/go-online-rls/rf-mapper"
	"github.com/n0madic/go-online-rls/rrls"
	"github.com/n0madic/go-online-rls/transport"
)

type harness struct {
	src  *transport.ChanSource
	pred *transport.ChanSink
	perf *transport.ChanSink
	loop *Loop
}

func newHarness(t *testing.T, settings Settings, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		src:  transport.NewChanSource(16),
		pred: transport.NewChanSink(16),
		perf: transport.NewChanSink(16),
	}
	loop, err := New(settings, h.src, h.pred, h.perf, opts...)
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *harness) push(t *testing.T, msgs ...[]float64) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, h.src.Push(context.Background(), m))
	}
}

func drain(ch chan []float64) [][]float64 {
	var out [][]float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func scalarSettings(t *testing.T) Settings {
	t.Helper()
	m, err := rfmapper.New(1, 1, rfmapper.Linear, []rfmapper.Projection{{W: []float64{1}}})
	require.NoError(t, err)
	return Settings{DIn: 1, T: 1, Lambda: 1, Mapper: m}
}

func TestNew(t *testing.T) {
	src, sink := transport.NewChanSource(1), transport.NewChanSink(1)

	_, err := New(Settings{DIn: 0, T: 1}, src, sink, sink)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
	_, err = New(Settings{DIn: 1, T: 1}, nil, sink, sink)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
	_, err = New(Settings{DIn: 1, T: 1, Lambda: -1}, src, sink, sink)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)

	m, _ := rfmapper.New(2, 1, rfmapper.Linear, []rfmapper.Projection{{W: []float64{1, 1}}})
	_, err = New(Settings{DIn: 3, T: 1, Mapper: m}, src, sink, sink)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)

	loop, err := New(Settings{DIn: 2, T: 1}, src, sink, sink)
	require.NoError(t, err)
	assert.Equal(t, Configured, loop.State())
}

func TestScalarScenarioEndToEnd(t *testing.T) {
	h := newHarness(t, scalarSettings(t))
	h.push(t, []float64{1, 2}, []float64{2, 4})
	require.NoError(t, h.src.Close())

	require.NoError(t, h.loop.Run(context.Background()))
	assert.Equal(t, Closed, h.loop.State())

	preds := drain(h.pred.C)
	require.Len(t, preds, 2)
	assert.InDelta(t, 0, preds[0][0], 1e-12, "first prediction sees no data")
	assert.InDelta(t, 2, preds[1][0], 1e-12)

	scores := drain(h.perf.C)
	require.Len(t, scores, 2)
	assert.InDelta(t, 4, scores[0][0], 1e-12)
	assert.InDelta(t, 4, scores[1][0], 1e-12, "(4 + (4-2)²) / 2")

	var buf bytes.Buffer
	require.NoError(t, h.loop.Snapshot(&buf))
	est, err := rrls.Load(&buf)
	require.NoError(t, err)
	assert.InDelta(t, 10.0/6.0, est.Weights().At(0, 0), 1e-12)

	stats := h.loop.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, uint64(2), stats.NUpdates)
	assert.Equal(t, "closed", stats.State)
}

func TestMalformedSamplesAreDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, scalarSettings(t), WithMetrics(metrics))

	h.push(t,
		[]float64{1},
		[]float64{1, 2, 3},
		[]float64{math.NaN(), 1},
		[]float64{1, 2},
	)
	require.NoError(t, h.src.Close())
	require.NoError(t, h.loop.Run(context.Background()))

	stats := h.loop.Stats()
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.NUpdates)

	// the one valid sample is scored exactly as if it were first
	preds := drain(h.pred.C)
	require.Len(t, preds, 1)
	assert.Equal(t, 0.0, preds[0][0])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.processed))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dropped.WithLabelValues(ReasonDimension)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dropped.WithLabelValues(ReasonMalformed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.nmse.WithLabelValues("0")))
	assert.Equal(t, float64(Closed), testutil.ToFloat64(metrics.state))
}

func TestPredictionIgnoresOwnTarget(t *testing.T) {
	settings := Settings{DIn: 2, T: 1, Lambda: 0.5}
	history := [][]float64{{1, 0, 1}, {0, 1, -1}, {1, 1, 0.5}}

	run := func(last []float64) [][]float64 {
		h := newHarness(t, settings)
		h.push(t, history...)
		h.push(t, last)
		require.NoError(t, h.src.Close())
		require.NoError(t, h.loop.Run(context.Background()))
		return drain(h.pred.C)
	}

	a := run([]float64{0.3, 0.7, 10})
	b := run([]float64{0.3, 0.7, -1e6})
	require.Len(t, a, 4)
	assert.Equal(t, a, b)
}

func TestCommands(t *testing.T) {
	h := newHarness(t, scalarSettings(t))

	assert.Equal(t, []string{"Available commands are:", "help", "quit"}, h.loop.Respond("help"))
	assert.Equal(t, []string{"Invalid command, type [help] for a list of accepted commands."}, h.loop.Respond("reset"))
	assert.Equal(t, Configured, h.loop.State(), "invalid commands change nothing")

	assert.Equal(t, []string{"Quitting."}, h.loop.Respond(" QUIT "))
	select {
	case <-h.loop.Done():
	default:
		t.Fatal("quit did not signal the loop")
	}
}

func TestQuitUnblocksWaitingLoop(t *testing.T) {
	h := newHarness(t, scalarSettings(t))

	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.loop.State() == Running }, 2*time.Second, time.Millisecond)
	h.loop.Respond("quit")

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after quit")
	}
	assert.Equal(t, Closed, h.loop.State())

	_, open := <-h.pred.C
	assert.False(t, open, "sinks are closed on shutdown")
}

// enteredSink reports the first Send before handing it to the wrapped sink.
type enteredSink struct {
	transport.Sink
	entered chan struct{}
	once    sync.Once
}

func (s *enteredSink) Send(ctx context.Context, v []float64) error {
	s.once.Do(func() { close(s.entered) })
	return s.Sink.Send(ctx, v)
}

func TestStopWhileEmitBlocked(t *testing.T) {
	tests := []struct {
		name string
		sink func(t *testing.T) transport.Sink
	}{
		{
			name: "unbuffered channel",
			sink: func(t *testing.T) transport.Sink { return transport.NewChanSink(0) },
		},
		{
			name: "stalled stream reader",
			sink: func(t *testing.T) transport.Sink {
				a, b := net.Pipe()
				t.Cleanup(func() { b.Close() })
				return transport.NewLineSink(a, a)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := transport.NewChanSource(1)
			pred := &enteredSink{Sink: tt.sink(t), entered: make(chan struct{})}
			loop, err := New(scalarSettings(t), src, pred, transport.Discard{})
			require.NoError(t, err)
			require.NoError(t, src.Push(context.Background(), []float64{1, 2}))

			errc := make(chan error, 1)
			go func() { errc <- loop.Run(context.Background()) }()

			select {
			case <-pred.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("prediction was never emitted")
			}
			loop.Stop()

			select {
			case err := <-errc:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatalf("Run still blocked after Stop, state %s", loop.State())
			}

			stats := loop.Stats()
			assert.Equal(t, "closed", stats.State)
			assert.Equal(t, uint64(1), stats.Processed, "the interrupted sample is still absorbed")
			assert.Equal(t, uint64(1), stats.NUpdates)
		})
	}
}

// gateSink blocks every Send until release is closed, whatever its context.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateSink) Send(context.Context, []float64) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func (s *gateSink) Close() error { return nil }

func TestStopReportsClosing(t *testing.T) {
	src := transport.NewChanSource(1)
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	loop, err := New(scalarSettings(t), src, gate, transport.Discard{})
	require.NoError(t, err)
	require.NoError(t, src.Push(context.Background(), []float64{1, 2}))

	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()
	<-gate.entered
	assert.Equal(t, Running, loop.State())

	loop.Respond("quit")
	assert.Equal(t, Closing, loop.State())
	assert.Equal(t, "closing", loop.Stats().State)
	assert.Error(t, loop.Close(), "Close refuses while the last iteration runs")

	close(gate.release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Closed, loop.State())
	assert.NoError(t, loop.Close())
}

func TestContextCancelStopsLoop(t *testing.T) {
	h := newHarness(t, scalarSettings(t))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx) }()

	h.push(t, []float64{1, 2})
	require.Eventually(t, func() bool { return h.loop.Stats().Processed == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Closed, h.loop.State())
}

func TestRunOnlyOnce(t *testing.T) {
	h := newHarness(t, scalarSettings(t))
	require.NoError(t, h.src.Close())
	require.NoError(t, h.loop.Run(context.Background()))

	assert.Error(t, h.loop.Run(context.Background()))
	est, _ := rrls.New(1, 1)
	assert.Error(t, h.loop.Prime(est, []float64{1}))
}

func TestPretrainedLoop(t *testing.T) {
	h := newHarness(t, scalarSettings(t))

	ds := &pretrain.Dataset{X: [][]float64{{1}, {2}}, Y: [][]float64{{2}, {4}}}
	res, err := pretrain.Pretrain(ds, nil, 1)
	require.NoError(t, err)
	require.NoError(t, h.loop.Pretrain(res))
	assert.Equal(t, Pretrained, h.loop.State())

	h.push(t, []float64{3, 6})
	require.NoError(t, h.src.Close())
	require.NoError(t, h.loop.Run(context.Background()))

	preds := drain(h.pred.C)
	require.Len(t, preds, 1)
	assert.InDelta(t, 3*10.0/6.0, preds[0][0], 1e-12)

	// variance of {2, 4} is 1
	scores := drain(h.perf.C)
	assert.InDelta(t, 1.0, scores[0][0], 1e-12)
	assert.Equal(t, uint64(3), h.loop.Stats().NUpdates)
}

func TestPrimeValidation(t *testing.T) {
	h := newHarness(t, scalarSettings(t))

	wrong, _ := rrls.New(2, 1)
	assert.ErrorIs(t, h.loop.Prime(wrong, []float64{1}), errs.ErrConfigInvalid)

	est, _ := rrls.New(1, 1)
	assert.ErrorIs(t, h.loop.Prime(est, []float64{1, 1}), errs.ErrConfigInvalid)
	assert.NoError(t, h.loop.Prime(est, []float64{0}))
	assert.Equal(t, []int{0}, h.loop.Stats().Degenerate)
}

func TestCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	h := newHarness(t, scalarSettings(t), WithCheckpoint(path, 2))

	h.push(t, []float64{1, 2}, []float64{2, 4}, []float64{3, 6})
	require.NoError(t, h.src.Close())
	require.NoError(t, h.loop.Run(context.Background()))

	est, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), est.NUpdates(), "final checkpoint covers every sample")
}

type memRecorder struct {
	mu    sync.Mutex
	steps []uint64
	score [][]float64
}

func (m *memRecorder) Record(_ context.Context, step uint64, _, _, score []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
	m.score = append(m.score, score)
	return nil
}

func TestRecorder(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, scalarSettings(t), WithRecorder(rec, "run-1"))

	h.push(t, []float64{1, 2}, []float64{9}, []float64{2, 4})
	require.NoError(t, h.src.Close())
	require.NoError(t, h.loop.Run(context.Background()))

	assert.Equal(t, []uint64{1, 2}, rec.steps)
	assert.InDelta(t, 4, rec.score[0][0], 1e-12)
	assert.Equal(t, "run-1", h.loop.Stats().RunID)
}

func TestCloseWithoutRun(t *testing.T) {
	h := newHarness(t, scalarSettings(t))
	require.NoError(t, h.loop.Close())
	assert.Equal(t, Closed, h.loop.State())
	_, open := <-h.perf.C
	assert.False(t, open)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "State(9)", State(9).String())
}
