package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Delimiter terminates every frame on the wire, in both protocols.
const Delimiter = ';'

var (
	// ErrUnknownTag is wrapped by DecodeError when the discriminator is
	// not one of the known variants.
	ErrUnknownTag = errors.New("unknown message tag")

	// ErrDelimiterInPayload is returned when an encoded payload contains
	// the frame delimiter. Nothing on either side escapes it, so such a
	// frame would be split in two by the receiver.
	ErrDelimiterInPayload = errors.New("payload contains frame delimiter")

	// ErrUnsupported is returned when a codec cannot encode a variant.
	ErrUnsupported = errors.New("message not supported by codec")
)

// DecodeError reports a frame that could not be turned into a Message.
type DecodeError struct {
	Codec string
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s decode of %d bytes: %v", e.Codec, len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MalformedCommandError reports a known ASCII keyword with an argument
// that does not parse.
type MalformedCommandError struct {
	Keyword  string
	Argument string
	Err      error
}

func (e *MalformedCommandError) Error() string {
	return fmt.Sprintf("protocol: malformed %s argument %q: %v", e.Keyword, e.Argument, e.Err)
}

func (e *MalformedCommandError) Unwrap() error { return e.Err }

// Codec converts between frame payloads (delimiter already stripped) and
// messages.
type Codec interface {
	Name() string
	// Decode returns (nil, nil) for frames that are well formed but carry
	// nothing to dispatch.
	Decode(frame []byte) (Message, error)
	Encode(m Message) ([]byte, error)
}

// ByName returns the codec for a configured protocol name.
func ByName(name string) (Codec, error) {
	switch name {
	case "binary", "msgpack", "":
		return Binary{}, nil
	case "ascii", "legacy":
		return ASCII{}, nil
	}
	return nil, fmt.Errorf("protocol: unknown protocol %q", name)
}

// Frame encodes m and appends the delimiter.
func Frame(c Codec, m Message) ([]byte, error) {
	payload, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(payload, Delimiter) >= 0 {
		return nil, fmt.Errorf("protocol: %s %s: %w", c.Name(), m.Tag(), ErrDelimiterInPayload)
	}
	return append(payload, Delimiter), nil
}
