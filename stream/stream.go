// Package stream runs the online regression loop: every incoming sample is
// mapped, predicted, scored against its target and only then absorbed by the
// estimator, so each reported error is a true out-of-sample error.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/n0madic/go-online-rls/errs"
	"github.com/n0madic/go-online-rls/perf"
	"github.com/n0madic/go-online-rls/pretrain"
	"github.com/n0madic/go-online-rls/rrls"
	"github.com/n0madic/go-online-rls/transport"
)

// State is the loop lifecycle state.
type State int32

const (
	Configured State = iota // validated, empty estimator
	Pretrained              // estimator and variances installed
	Running
	Closing // finishing the last iteration, releasing endpoints
	Closed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Pretrained:
		return "pretrained"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FeatureMapper maps raw inputs into the estimator's feature space.
// *rfmapper.Mapper satisfies it.
type FeatureMapper interface {
	MapInto(dst, x []float64) error
	OutDim() int
}

// Recorder receives every processed sample. *recorder.Run satisfies it.
type Recorder interface {
	Record(ctx context.Context, step uint64, yhat, y, score []float64) error
}

// Settings fixes the loop dimensions.
type Settings struct {
	DIn    int
	T      int
	Lambda float64
	// Mapper is optional; without it inputs are fed to the estimator as is.
	Mapper FeatureMapper
}

// D returns the estimator input dimension.
func (s Settings) D() int {
	if s.Mapper != nil {
		return s.Mapper.OutDim()
	}
	return s.DIn
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithRecorder records every processed sample under runID.
func WithRecorder(rec Recorder, runID string) Option {
	return func(l *Loop) {
		l.recorder = rec
		l.runID = runID
	}
}

// WithCheckpoint writes an estimator snapshot to path every n updates
// (n <= 0 disables periodic snapshots) and once more on shutdown.
func WithCheckpoint(path string, every int) Option {
	return func(l *Loop) {
		l.checkpointPath = path
		l.checkpointEvery = every
	}
}

// Loop owns the estimator and the I/O endpoints of one streaming run.
type Loop struct {
	settings Settings
	d        int

	src      transport.Source
	pred     transport.Sink
	perfSink transport.Sink

	mu      sync.RWMutex // guards est and tracker replacement before Run
	est     *rrls.Estimator
	tracker *perf.Tracker

	logger          *zap.Logger
	metrics         *Metrics
	recorder        Recorder
	runID           string
	checkpointPath  string
	checkpointEvery int

	state     atomic.Int32
	stopping  atomic.Bool
	active    atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	processed atomic.Uint64
	dropped   atomic.Uint64

	features []float64
}

// New validates the settings and creates a loop holding an empty estimator
// with unit variances.
func New(settings Settings, src transport.Source, pred, perfSink transport.Sink, opts ...Option) (*Loop, error) {
	if settings.DIn <= 0 || settings.T <= 0 {
		return nil, fmt.Errorf("%w: d_in=%d t=%d must be positive", errs.ErrConfigInvalid, settings.DIn, settings.T)
	}
	if src == nil || pred == nil || perfSink == nil {
		return nil, fmt.Errorf("%w: source and sinks are required", errs.ErrConfigInvalid)
	}
	d := settings.D()
	if d <= 0 {
		return nil, fmt.Errorf("%w: feature dimension must be positive, got %d", errs.ErrConfigInvalid, d)
	}
	if m, ok := settings.Mapper.(interface{ InDim() int }); ok && m.InDim() != settings.DIn {
		return nil, fmt.Errorf("%w: mapper expects %d inputs, d_in is %d", errs.ErrConfigInvalid, m.InDim(), settings.DIn)
	}
	if settings.Lambda == 0 {
		settings.Lambda = 1
	}

	est, err := rrls.New(d, settings.T, rrls.WithLambda(settings.Lambda))
	if err != nil {
		return nil, err
	}
	tracker, err := perf.New(perf.DefaultVariance(settings.T))
	if err != nil {
		return nil, err
	}

	l := &Loop{
		settings: settings,
		d:        d,
		src:      src,
		pred:     pred,
		perfSink: perfSink,
		est:      est,
		tracker:  tracker,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
		features: make([]float64, d),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("module", "stream"))
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	l.setState(Configured)
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.state.Set(float64(s))
}

// Pretrain installs a pretraining result.
func (l *Loop) Pretrain(res *pretrain.Result) error {
	if res == nil {
		return errors.New("nil pretraining result")
	}
	return l.Prime(res.Estimator, res.Variance)
}

// Prime replaces the estimator and the normalizing variances. It is only
// allowed before Run.
func (l *Loop) Prime(est *rrls.Estimator, variance []float64) error {
	if s := l.State(); s != Configured && s != Pretrained {
		return fmt.Errorf("cannot prime a loop in state %s", s)
	}
	if d, t := est.Dims(); d != l.d || t != l.settings.T {
		return fmt.Errorf("%w: estimator is %dx%d, loop needs %dx%d", errs.ErrConfigInvalid, d, t, l.d, l.settings.T)
	}
	tracker, err := perf.New(variance)
	if err != nil {
		return err
	}
	if tracker.Dim() != l.settings.T {
		return fmt.Errorf("%w: %d variances for %d outputs", errs.ErrConfigInvalid, tracker.Dim(), l.settings.T)
	}
	if warn := tracker.Warning(); warn != nil {
		l.logger.Warn("normalizing with raw squared error", zap.Error(warn))
	}

	l.mu.Lock()
	l.est = est
	l.tracker = tracker
	l.mu.Unlock()

	l.setState(Pretrained)
	return nil
}

// Stop asks the loop to finish the iteration in progress and shut down. A
// running loop reports Closing from then on. Stop returns immediately and is
// safe to call from any goroutine, any number of times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		if l.state.CompareAndSwap(int32(Running), int32(Closing)) {
			l.metrics.state.Set(float64(Closing))
		}
		close(l.done)
	})
}

// Done is closed when Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run processes samples until the source is exhausted, Stop is called or ctx
// is cancelled. Sources and sinks are closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Configured), int32(Running)) &&
		!l.state.CompareAndSwap(int32(Pretrained), int32(Running)) {
		return fmt.Errorf("cannot run a loop in state %s", l.State())
	}
	l.active.Store(true)
	defer l.active.Store(false)
	l.metrics.state.Set(float64(Running))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.logger.Info("streaming started",
		zap.Int("d_in", l.settings.DIn),
		zap.Int("d", l.d),
		zap.Int("t", l.settings.T))

	err := l.loop(ctx)
	l.shutdown()
	return err
}

func (l *Loop) loop(ctx context.Context) error {
	msgLen := l.settings.DIn + l.settings.T
	for !l.stopping.Load() {
		msg, err := l.src.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrDimensionMismatch):
				l.drop(ReasonMalformed, err)
				continue
			case errors.Is(err, io.EOF):
				l.logger.Info("input exhausted")
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}

		if len(msg) != msgLen {
			l.drop(ReasonDimension, fmt.Errorf("%w: message has %d values, expected %d",
				errs.ErrDimensionMismatch, len(msg), msgLen))
			continue
		}
		if err := checkFinite(msg); err != nil {
			l.drop(ReasonMalformed, err)
			continue
		}

		if err := l.step(ctx, msg[:l.settings.DIn], msg[l.settings.DIn:]); err != nil {
			if errors.Is(err, errs.ErrDimensionMismatch) {
				l.drop(ReasonDimension, err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func checkFinite(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: value %d is not finite", errs.ErrDimensionMismatch, i)
		}
	}
	return nil
}

// step runs one test-then-train iteration. The estimator is updated even if
// an emission is interrupted, so a stop never leaves a sample half absorbed.
func (l *Loop) step(ctx context.Context, x, y []float64) error {
	start := time.Now()

	l.mu.RLock()
	est, tracker := l.est, l.tracker
	l.mu.RUnlock()

	features := x
	if l.settings.Mapper != nil {
		if err := l.settings.Mapper.MapInto(l.features, x); err != nil {
			return err
		}
		features = l.features
	}

	yhat, err := est.Predict(features)
	if err != nil {
		return err
	}
	sendErr := l.pred.Send(ctx, yhat)

	score, err := tracker.Score(yhat, y)
	if err != nil {
		return err
	}
	if sendErr == nil {
		sendErr = l.perfSink.Send(ctx, score)
	}

	if err := est.Update(features, y); err != nil {
		return err
	}
	n := l.processed.Add(1)

	l.metrics.processed.Inc()
	l.metrics.observeScore(score)
	l.metrics.iteration.Observe(time.Since(start).Seconds())

	if ce := l.logger.Check(zap.DebugLevel, "sample processed"); ce != nil {
		ce.Write(
			zap.Uint64("step", n),
			zap.Float64s("prediction", yhat),
			zap.Float64s("target", y),
			zap.Float64s("nmse", score))
	}

	if l.recorder != nil {
		if err := l.recorder.Record(context.WithoutCancel(ctx), n, yhat, y, score); err != nil {
			l.logger.Warn("recording sample failed", zap.Uint64("step", n), zap.Error(err))
		}
	}
	if l.checkpointPath != "" && l.checkpointEvery > 0 && n%uint64(l.checkpointEvery) == 0 {
		if err := l.writeCheckpoint(); err != nil {
			l.logger.Warn("periodic checkpoint failed", zap.Error(err))
		}
	}

	if sendErr != nil {
		return fmt.Errorf("emit: %w", sendErr)
	}
	return nil
}

func (l *Loop) drop(reason string, err error) {
	l.dropped.Add(1)
	l.metrics.dropped.WithLabelValues(reason).Inc()
	l.logger.Warn("sample dropped", zap.String("reason", reason), zap.Error(err))
}

// shutdown moves through Closing to Closed, releasing the endpoints once.
func (l *Loop) shutdown() {
	l.closeOnce.Do(func() {
		l.setState(Closing)
		l.Stop()

		if l.checkpointPath != "" {
			if err := l.writeCheckpoint(); err != nil {
				l.logger.Error("final checkpoint failed", zap.Error(err))
			} else {
				l.logger.Info("checkpoint written", zap.String("path", l.checkpointPath))
			}
		}

		if err := errors.Join(l.src.Close(), l.pred.Close(), l.perfSink.Close()); err != nil {
			l.logger.Warn("closing endpoints", zap.Error(err))
		}

		l.setState(Closed)
		l.logger.Info("streaming stopped",
			zap.Uint64("processed", l.processed.Load()),
			zap.Uint64("dropped", l.dropped.Load()))
	})
}

// Close releases the endpoints of a loop that was never run. It is a no-op
// after Run has returned.
func (l *Loop) Close() error {
	if l.active.Load() {
		return errors.New("loop is running, use Stop")
	}
	l.shutdown()
	return nil
}

// Snapshot writes the estimator state in gob form. It is safe to call while
// the loop is running.
func (l *Loop) Snapshot(w io.Writer) error {
	l.mu.RLock()
	est := l.est
	l.mu.RUnlock()
	return est.Save(w)
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	State      string    `json:"state"`
	RunID      string    `json:"run_id,omitempty"`
	Processed  uint64    `json:"processed"`
	Dropped    uint64    `json:"dropped"`
	NUpdates   uint64    `json:"n_updates"`
	NMSE       []float64 `json:"nmse"`
	RMSE       []float64 `json:"rmse"`
	Degenerate []int     `json:"degenerate_dims,omitempty"`
}

// Stats returns the current counters and errors.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	est, tracker := l.est, l.tracker
	l.mu.RUnlock()

	return Stats{
		State:      l.State().String(),
		RunID:      l.runID,
		Processed:  l.processed.Load(),
		Dropped:    l.dropped.Load(),
		NUpdates:   est.NUpdates(),
		NMSE:       tracker.Current(),
		RMSE:       tracker.RMSE(),
		Degenerate: tracker.DegenerateDims(),
	}
}
