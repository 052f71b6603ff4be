package link

import (
	"bytes"
	"fmt"
	"io"
)

// MaxFrameSize bounds the accumulator. A stream that never produces a
// delimiter (wrong baud rate, line noise) would otherwise grow it without
// limit.
const MaxFrameSize = 4096

// Framer splits a byte stream on a delimiter. It reads one byte at a time
// so that no bytes belonging to the next frame are ever buffered.
type Framer struct {
	r     io.Reader
	delim []byte
	stop  <-chan struct{}
	one   [1]byte
}

// NewFramer returns a framer reading from r. Closing stop makes a pending
// ReadFrame return ErrStopped after the current read returns.
func NewFramer(r io.Reader, delim []byte, stop <-chan struct{}) *Framer {
	return &Framer{r: r, delim: delim, stop: stop}
}

// ReadFrame blocks until a delimiter arrives and returns the frame with
// the delimiter stripped. Zero-byte reads are retried. On stop, the
// partial frame is returned together with ErrStopped.
func (f *Framer) ReadFrame() ([]byte, error) {
	var acc []byte
	for {
		select {
		case <-f.stop:
			return StripDelimiter(acc, f.delim), ErrStopped
		default:
		}

		n, err := f.r.Read(f.one[:])
		if n == 1 {
			acc = append(acc, f.one[0])
			if bytes.HasSuffix(acc, f.delim) {
				return StripDelimiter(acc, f.delim), nil
			}
			if len(acc) > MaxFrameSize {
				return nil, fmt.Errorf("link: no delimiter within %d bytes", MaxFrameSize)
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// AppendDelimiter terminates payload for the wire.
func AppendDelimiter(payload, delim []byte) []byte {
	out := make([]byte, 0, len(payload)+len(delim))
	out = append(out, payload...)
	return append(out, delim...)
}

// StripDelimiter removes the trailing delimiter and any leading ones left
// over from back-to-back delimiters.
func StripDelimiter(frame, delim []byte) []byte {
	if len(delim) == 0 {
		return frame
	}
	frame = bytes.TrimSuffix(frame, delim)
	for bytes.HasPrefix(frame, delim) {
		frame = frame[len(delim):]
	}
	return frame
}
