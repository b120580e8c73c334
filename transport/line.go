package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/n0madic/go-online-rls/errs"
)

type lineItem struct {
	text string
	err  error
}

// LineSource parses newline-delimited messages from a reader. Reading happens
// on a background goroutine so that Receive can return as soon as its context
// is cancelled.
type LineSource struct {
	r     io.Reader
	c     io.Closer
	items chan lineItem
	done  chan struct{}
	once  sync.Once
}

// NewLineSource starts reading r. Close closes c, which may be nil.
func NewLineSource(r io.Reader, c io.Closer) *LineSource {
	s := &LineSource{
		r:     r,
		c:     c,
		items: make(chan lineItem),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *LineSource) readLoop() {
	defer close(s.items)

	scan := bufio.NewScanner(s.r)
	scan.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scan.Scan() {
		select {
		case s.items <- lineItem{text: scan.Text()}:
		case <-s.done:
			return
		}
	}

	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.items <- lineItem{err: err}:
	case <-s.done:
	}
}

// Receive returns the next non-empty, non-comment message. Parse failures
// wrap errs.ErrDimensionMismatch and do not end the stream.
func (s *LineSource) Receive(ctx context.Context) ([]float64, error) {
	for {
		select {
		case <-s.done:
			return nil, errs.ErrClosed
		default:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, errs.ErrClosed
		case it, ok := <-s.items:
			if !ok {
				return nil, io.EOF
			}
			if it.err != nil {
				return nil, it.err
			}
			if isSkippable(it.text) {
				continue
			}
			return ParseLine(it.text)
		}
	}
}

// Close stops the reader. It is safe to call more than once.
func (s *LineSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.c != nil {
			err = s.c.Close()
		}
	})
	return err
}

// waiter is implemented by writers that need a peer before the first write.
type waiter interface {
	Wait(ctx context.Context) error
}

// writeDeadliner is implemented by connections whose blocked writes can be
// released with a deadline.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// LineSink writes one formatted line per Send and flushes it immediately.
// A Send blocked on a slow reader returns when its context is done: writers
// with write deadlines are released by an expired deadline, any other
// writer is closed.
type LineSink struct {
	mu     sync.Mutex
	w      io.Writer
	bw     *bufio.Writer
	c      io.Closer
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewLineSink writes to w. Close closes c, which may be nil.
func NewLineSink(w io.Writer, c io.Closer) *LineSink {
	return &LineSink{w: w, bw: bufio.NewWriter(w), c: c}
}

// Send writes v as one line.
func (s *LineSink) Send(ctx context.Context, v []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wt, ok := s.w.(waiter); ok {
		if err := wt.Wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrClosed
	}

	release := s.interruptOn(ctx)
	err := s.writeLine(v)
	release()

	if err != nil && ctx.Err() != nil {
		// drop whatever the interrupted write left buffered
		s.bw.Reset(s.w)
		return ctx.Err()
	}
	return err
}

func (s *LineSink) writeLine(v []float64) error {
	if _, err := s.bw.WriteString(FormatLine(v)); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return s.bw.Flush()
}

// interruptOn arms the release of a blocked write for when ctx is done and
// returns the function that disarms it.
func (s *LineSink) interruptOn(ctx context.Context) func() {
	// clearing also drops a deadline left by an earlier cancelled Send;
	// writers that reject deadlines (regular files) fall through
	if d, ok := s.w.(writeDeadliner); ok && d.SetWriteDeadline(time.Time{}) == nil {
		if ctx.Done() == nil {
			return func() {}
		}
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetWriteDeadline(time.Now())
		})
		return func() { stop() }
	}
	if s.c == nil || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { s.closeWriter() })
	return func() { stop() }
}

func (s *LineSink) closeWriter() error {
	s.closeOnce.Do(func() {
		if s.c != nil {
			s.closeErr = s.c.Close()
		}
	})
	return s.closeErr
}

// Close flushes and closes the underlying writer.
func (s *LineSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.bw.Flush()
	return errors.Join(err, s.closeWriter())
}

// Discard is a Sink that drops everything.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(context.Context, []float64) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }
