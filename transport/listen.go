package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/n0madic/go-online-rls/errs"
)

// listenConn accepts a single peer on a listener and then behaves like the
// accepted connection. Reads and writes before the peer arrives block.
type listenConn struct {
	ln    net.Listener
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	conn net.Conn
	err  error
}

func listenOne(address string) (*listenConn, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	lc := &listenConn{
		ln:    ln,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go lc.accept()
	return lc, nil
}

func (lc *listenConn) accept() {
	conn, err := lc.ln.Accept()
	// one peer only
	lc.ln.Close()

	lc.mu.Lock()
	select {
	case <-lc.done:
		// closed while accepting
		if conn != nil {
			conn.Close()
		}
		conn, err = nil, errs.ErrClosed
	default:
	}
	lc.conn, lc.err = conn, err
	lc.mu.Unlock()
	close(lc.ready)
}

// Addr returns the listening address.
func (lc *listenConn) Addr() net.Addr { return lc.ln.Addr() }

// Wait blocks until a peer has connected.
func (lc *listenConn) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lc.done:
		return errs.ErrClosed
	case <-lc.ready:
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.err
}

func (lc *listenConn) peer() (net.Conn, error) {
	if err := lc.Wait(context.Background()); err != nil {
		return nil, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.conn, nil
}

func (lc *listenConn) Read(p []byte) (int, error) {
	conn, err := lc.peer()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (lc *listenConn) Write(p []byte) (int, error) {
	conn, err := lc.peer()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// SetWriteDeadline applies to the accepted peer. Before a peer arrives
// writes wait in Wait, which honours its context instead.
func (lc *listenConn) SetWriteDeadline(t time.Time) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.conn == nil {
		return nil
	}
	return lc.conn.SetWriteDeadline(t)
}

func (lc *listenConn) Close() error {
	var err error
	lc.once.Do(func() {
		close(lc.done)
		err = lc.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		lc.mu.Lock()
		if lc.conn != nil {
			err = errors.Join(err, lc.conn.Close())
		}
		lc.mu.Unlock()
	})
	return err
}
