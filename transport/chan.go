package transport

import (
	"context"
	"io"
	"sync"

	"github.com/n0madic/go-online-rls/errs"
)

// ChanSource delivers messages pushed by Push. Closing the source ends the
// stream with io.EOF once the queue is drained.
type ChanSource struct {
	ch   chan []float64
	once sync.Once
}

// NewChanSource returns a source with the given queue capacity.
func NewChanSource(capacity int) *ChanSource {
	return &ChanSource{ch: make(chan []float64, capacity)}
}

// Push queues one message, blocking while the queue is full.
func (s *ChanSource) Push(ctx context.Context, v []float64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- v:
		return nil
	}
}

// Receive implements Source.
func (s *ChanSource) Receive(ctx context.Context) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	}
}

// Close implements Source. Push must not be called after Close.
func (s *ChanSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// ChanSink forwards every vector to C.
type ChanSink struct {
	C chan []float64

	mu     sync.Mutex
	closed bool
}

// NewChanSink returns a sink with the given buffer capacity.
func NewChanSink(capacity int) *ChanSink {
	return &ChanSink{C: make(chan []float64, capacity)}
}

// Send implements Sink. The vector is copied.
func (s *ChanSink) Send(ctx context.Context, v []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrClosed
	}

	cp := make([]float64, len(v))
	copy(cp, v)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.C <- cp:
		return nil
	}
}

// Close implements Sink and closes C. It waits for a Send in progress.
func (s *ChanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	return nil
}
