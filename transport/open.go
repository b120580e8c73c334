package transport

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/n0madic/go-online-rls/errs"
)

// Endpoint is a parsed transport URI.
type Endpoint struct {
	Scheme string // stdio, file, tcp, tcp-listen, serial, discard
	Target string // path or host:port
	Query  url.Values
}

// ParseEndpoint parses one of:
//
//	-, stdin, stdout, stderr
//	discard
//	file:///path/to/file   (or a bare path)
//	tcp://host:port        dial
//	tcp-listen://host:port accept one peer
//	serial:///dev/ttyUSB0?baud=115200&data=8&stop=1&parity=N
func ParseEndpoint(uri string) (Endpoint, error) {
	uri = strings.TrimSpace(uri)
	switch uri {
	case "":
		return Endpoint{}, fmt.Errorf("%w: empty transport URI", errs.ErrConfigInvalid)
	case "-", "stdin", "stdout", "stderr":
		return Endpoint{Scheme: "stdio", Target: uri}, nil
	case "discard":
		return Endpoint{Scheme: "discard"}, nil
	}

	if !strings.Contains(uri, "://") {
		return Endpoint{Scheme: "file", Target: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: transport URI %q: %w", errs.ErrConfigInvalid, uri, err)
	}
	ep := Endpoint{Scheme: u.Scheme, Query: u.Query()}
	switch u.Scheme {
	case "file", "serial":
		ep.Target = u.Host + u.Path
	case "tcp", "tcp-listen":
		ep.Target = u.Host
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported transport scheme %q", errs.ErrConfigInvalid, u.Scheme)
	}
	if ep.Target == "" {
		return Endpoint{}, fmt.Errorf("%w: transport URI %q has no target", errs.ErrConfigInvalid, uri)
	}
	return ep, nil
}

// OpenSource opens a sample source for uri.
func OpenSource(uri string) (Source, error) {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}

	var rc io.ReadCloser
	switch ep.Scheme {
	case "stdio":
		if ep.Target != "-" && ep.Target != "stdin" {
			return nil, fmt.Errorf("%w: %s is not readable", errs.ErrConfigInvalid, ep.Target)
		}
		return NewLineSource(os.Stdin, nil), nil
	case "discard":
		return nil, fmt.Errorf("%w: discard cannot be used as a source", errs.ErrConfigInvalid)
	case "file":
		rc, err = os.Open(ep.Target)
	case "tcp":
		rc, err = net.Dial("tcp", ep.Target)
	case "tcp-listen":
		rc, err = listenOne(ep.Target)
	case "serial":
		rc, err = openSerial(ep.Target, ep.Query)
	}
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", uri, err)
	}
	return NewLineSource(rc, rc), nil
}

// OpenSink opens a vector sink for uri.
func OpenSink(uri string) (Sink, error) {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}

	var wc io.WriteCloser
	switch ep.Scheme {
	case "stdio":
		switch ep.Target {
		case "stdin":
			return nil, fmt.Errorf("%w: stdin is not writable", errs.ErrConfigInvalid)
		case "stderr":
			return NewLineSink(os.Stderr, nil), nil
		}
		return NewLineSink(os.Stdout, nil), nil
	case "discard":
		return Discard{}, nil
	case "file":
		wc, err = os.OpenFile(ep.Target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	case "tcp":
		wc, err = net.Dial("tcp", ep.Target)
	case "tcp-listen":
		wc, err = listenOne(ep.Target)
	case "serial":
		wc, err = openSerial(ep.Target, ep.Query)
	}
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", uri, err)
	}
	return NewLineSink(wc, wc), nil
}
