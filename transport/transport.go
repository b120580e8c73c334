// Package transport moves numeric vectors in and out of the streaming loop.
// Every transport speaks the same line format: one message per line, values
// separated by spaces, tabs or commas, optionally wrapped in () or [].
package transport

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/n0madic/go-online-rls/errs"
)

// Source delivers one sample message per Receive. Receive blocks until a
// message arrives, the context is cancelled or the source is exhausted
// (io.EOF).
type Source interface {
	Receive(ctx context.Context) ([]float64, error)
	Close() error
}

// Sink accepts one output vector per Send.
type Sink interface {
	Send(ctx context.Context, v []float64) error
	Close() error
}

// ParseLine splits a message into its values. A malformed or non-finite value
// is reported as errs.ErrDimensionMismatch so the sample is dropped like any
// other ill-shaped message.
func ParseLine(line string) ([]float64, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "([")
	line = strings.TrimRight(line, ")]")

	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: value %d is not a finite number: %q", errs.ErrDimensionMismatch, i, f)
		}
		out[i] = v
	}
	return out, nil
}

// FormatLine renders v with the shortest exact representation of each value,
// separated by single spaces, without a trailing newline.
func FormatLine(v []float64) string {
	var b strings.Builder
	for i, x := range v {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	return b.String()
}

// isSkippable reports blank and comment lines.
func isSkippable(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, "#")
}
