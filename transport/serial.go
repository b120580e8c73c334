package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

const defaultBaudRate = 115200

var stopBitsByName = map[string]serial.StopBits{
	"1":   serial.OneStopBit,
	"1.5": serial.OnePointFiveStopBits,
	"2":   serial.TwoStopBits,
}

var parityByName = map[string]serial.Parity{
	"n": serial.NoParity, "none": serial.NoParity,
	"o": serial.OddParity, "odd": serial.OddParity,
	"e": serial.EvenParity, "even": serial.EvenParity,
	"m": serial.MarkParity, "mark": serial.MarkParity,
	"s": serial.SpaceParity, "space": serial.SpaceParity,
}

// serialMode reads the baud, data, stop and parity query parameters of a
// serial:// endpoint. Missing parameters give 115200 8N1.
func serialMode(q url.Values) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: defaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	if s := q.Get("baud"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("serial baud=%q: want a positive integer", s)
		}
		mode.BaudRate = v
	}
	if s := q.Get("data"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 5 || v > 8 {
			return nil, fmt.Errorf("serial data=%q: want 5 to 8 bits", s)
		}
		mode.DataBits = v
	}
	if s := q.Get("stop"); s != "" {
		bits, ok := stopBitsByName[s]
		if !ok {
			return nil, fmt.Errorf("serial stop=%q: want 1, 1.5 or 2", s)
		}
		mode.StopBits = bits
	}
	if s := q.Get("parity"); s != "" {
		p, ok := parityByName[strings.ToLower(s)]
		if !ok {
			return nil, fmt.Errorf("serial parity=%q: want none, odd, even, mark or space", s)
		}
		mode.Parity = p
	}
	return mode, nil
}

func openSerial(path string, q url.Values) (serial.Port, error) {
	mode, err := serialMode(q)
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}
