package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/n0madic/go-online-rls/errs"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in      string
		want    []float64
		wantErr bool
	}{
		{in: "1 2 3", want: []float64{1, 2, 3}},
		{in: "1,2,3", want: []float64{1, 2, 3}},
		{in: "  1.5\t-2e3 , 0 ", want: []float64{1.5, -2000, 0}},
		{in: "(0.1 0.2)", want: []float64{0.1, 0.2}},
		{in: "[4, 5]", want: []float64{4, 5}},
		{in: "", want: []float64{}},
		{in: "1 two 3", wantErr: true},
		{in: "1 NaN", wantErr: true},
		{in: "Inf", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseLine(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, errs.ErrDimensionMismatch, "ParseLine(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseLine(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseLine(%q)", tt.in)
	}
}

func TestFormatLine(t *testing.T) {
	assert.Equal(t, "1 0.5 -3e-10 1.3333333333333333", FormatLine([]float64{1, 0.5, -3e-10, 4.0 / 3}))
	assert.Equal(t, "", FormatLine(nil))

	v, err := ParseLine(FormatLine([]float64{0.1, 1e300, -7}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 1e300, -7}, v)
}

func TestLineSource(t *testing.T) {
	src := NewLineSource(strings.NewReader("# header\n1 2\n\n3,4\nbad\n5 6\n"), nil)
	defer src.Close()
	ctx := context.Background()

	v, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, v)

	v, err = src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, v)

	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)

	v, err = src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6}, v)

	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineSourceCancelUnblocks(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewLineSource(pr, pr)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := src.Receive(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	_, err := src.Receive(context.Background())
	assert.ErrorIs(t, err, errs.ErrClosed)
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestLineSink(t *testing.T) {
	var buf bytes.Buffer
	cc := &closeCounter{}
	sink := NewLineSink(&buf, cc)
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, []float64{1.5, 2}))
	require.NoError(t, sink.Send(ctx, []float64{-1}))
	assert.Equal(t, "1.5 2\n-1\n", buf.String())

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, cc.n)
	assert.ErrorIs(t, sink.Send(ctx, []float64{0}), errs.ErrClosed)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLineSink(&buf, nil).Send(cancelled, []float64{1}), context.Canceled)
}

func TestLineSinkSendReturnsOnCancelWhilePeerStalls(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sink := NewLineSink(a, a)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sink.Send(ctx, []float64{1, 2}) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Send stayed blocked after its context expired")
	}

	// the expired deadline is cleared for the next Send
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := io.ReadAtLeast(b, buf, 2)
		got <- string(buf[:n])
	}()
	require.NoError(t, sink.Send(context.Background(), []float64{3}))
	assert.Equal(t, "3\n", <-got)

	require.NoError(t, sink.Close())
}

func TestLineSinkClosesWriterWithoutDeadlines(t *testing.T) {
	pr, pw := io.Pipe()
	sink := NewLineSink(pw, pw)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sink.Send(ctx, []float64{1}) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Send stayed blocked after its context expired")
	}

	_, err := pr.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF, "writer is closed on cancel")
	assert.NoError(t, sink.Close())
}

func TestListenConnForwardsWriteDeadline(t *testing.T) {
	lc, err := listenOne("127.0.0.1:0")
	require.NoError(t, err)
	defer lc.Close()

	// nothing to forward to yet
	require.NoError(t, lc.SetWriteDeadline(time.Now()))

	conn, err := net.Dial("tcp", lc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, lc.Wait(context.Background()))

	require.NoError(t, lc.SetWriteDeadline(time.Now().Add(-time.Second)))
	_, err = lc.Write([]byte("x\n"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		uri     string
		want    Endpoint
		wantErr bool
	}{
		{uri: "-", want: Endpoint{Scheme: "stdio", Target: "-"}},
		{uri: "stdout", want: Endpoint{Scheme: "stdio", Target: "stdout"}},
		{uri: "discard", want: Endpoint{Scheme: "discard"}},
		{uri: "out/pred.txt", want: Endpoint{Scheme: "file", Target: "out/pred.txt"}},
		{uri: "file:///tmp/x.txt", want: Endpoint{Scheme: "file", Target: "/tmp/x.txt", Query: url.Values{}}},
		{uri: "tcp://127.0.0.1:9000", want: Endpoint{Scheme: "tcp", Target: "127.0.0.1:9000", Query: url.Values{}}},
		{uri: "tcp-listen://:9001", want: Endpoint{Scheme: "tcp-listen", Target: ":9001", Query: url.Values{}}},
		{
			uri:  "serial:///dev/ttyUSB0?baud=9600&parity=E",
			want: Endpoint{Scheme: "serial", Target: "/dev/ttyUSB0", Query: url.Values{"baud": {"9600"}, "parity": {"E"}}},
		},
		{uri: "", wantErr: true},
		{uri: "udp://host:1", wantErr: true},
		{uri: "tcp://", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseEndpoint(tt.uri)
		if tt.wantErr {
			assert.ErrorIs(t, err, errs.ErrConfigInvalid, "ParseEndpoint(%q)", tt.uri)
			continue
		}
		require.NoError(t, err, "ParseEndpoint(%q)", tt.uri)
		assert.Equal(t, tt.want, got, "ParseEndpoint(%q)", tt.uri)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	sink, err := OpenSink("file://" + path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, []float64{1, 2, 3}))
	require.NoError(t, sink.Send(ctx, []float64{4}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1 2 3\n4\n", string(data))

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()
	v, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v)
}

func TestOpenErrors(t *testing.T) {
	_, err := OpenSource("discard")
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
	_, err = OpenSource("stdout")
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
	_, err = OpenSink("stdin")
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
	_, err = OpenSource(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	sink, err := OpenSink("discard")
	require.NoError(t, err)
	assert.NoError(t, sink.Send(context.Background(), []float64{1}))
}

func TestTCPListenSourceWithDialSink(t *testing.T) {
	lc, err := listenOne("127.0.0.1:0")
	require.NoError(t, err)
	src := NewLineSource(lc, lc)
	defer src.Close()

	sink, err := OpenSink("tcp://" + lc.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sink.Send(ctx, []float64{1, 2}))
	require.NoError(t, sink.Send(ctx, []float64{3, 4}))

	v, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, v)
	v, err = src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, v)

	require.NoError(t, sink.Close())
	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPListenSinkWaitsForPeer(t *testing.T) {
	lc, err := listenOne("127.0.0.1:0")
	require.NoError(t, err)
	sink := NewLineSink(lc, lc)

	// Send honours the context while no peer is connected
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Send(short, []float64{1}), context.DeadlineExceeded)

	conn, err := net.Dial("tcp", lc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, sink.Send(context.Background(), []float64{7, 8}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(conn, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "7 8\n", string(buf[:n]))

	require.NoError(t, sink.Close())
}

func TestListenCloseBeforePeer(t *testing.T) {
	lc, err := listenOne("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, lc.Close())

	assert.ErrorIs(t, lc.Wait(context.Background()), errs.ErrClosed)
}

func TestChanTransports(t *testing.T) {
	ctx := context.Background()
	src := NewChanSource(2)
	require.NoError(t, src.Push(ctx, []float64{1}))
	require.NoError(t, src.Close())

	v, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, v)
	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	sink := NewChanSink(1)
	in := []float64{2, 3}
	require.NoError(t, sink.Send(ctx, in))
	in[0] = 99
	assert.Equal(t, []float64{2, 3}, <-sink.C)

	require.NoError(t, sink.Close())
	_, open := <-sink.C
	assert.False(t, open)
	assert.ErrorIs(t, sink.Send(ctx, []float64{1}), errs.ErrClosed)
}

func TestSerialMode(t *testing.T) {
	tests := []struct {
		name    string
		query   url.Values
		want    serial.Mode
		wantErr bool
	}{
		{
			name: "defaults",
			want: serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name:  "even parity two stop bits",
			query: url.Values{"baud": {"9600"}, "data": {"7"}, "stop": {"2"}, "parity": {"even"}},
			want:  serial.Mode{BaudRate: 9600, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.TwoStopBits},
		},
		{
			name:  "short parity name",
			query: url.Values{"baud": {"57600"}, "stop": {"1.5"}, "parity": {"O"}},
			want:  serial.Mode{BaudRate: 57600, DataBits: 8, Parity: serial.OddParity, StopBits: serial.OnePointFiveStopBits},
		},
		{
			name:  "mark parity",
			query: url.Values{"parity": {"mark"}},
			want:  serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.MarkParity, StopBits: serial.OneStopBit},
		},
		{name: "bad baud", query: url.Values{"baud": {"fast"}}, wantErr: true},
		{name: "negative baud", query: url.Values{"baud": {"-1"}}, wantErr: true},
		{name: "bad data bits", query: url.Values{"data": {"9"}}, wantErr: true},
		{name: "bad stop bits", query: url.Values{"stop": {"3"}}, wantErr: true},
		{name: "bad parity", query: url.Values{"parity": {"x"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := serialMode(tt.query)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *mode)
		})
	}
}
