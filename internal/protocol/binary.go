package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Binary is the MessagePack protocol. Each message is an array whose
// first element is the variant tag followed by the fields in declaration
// order:
//
//	["SensorState", altitude, temperature, [ox,oy,oz], [ax,ay,az], [lx,ly,lz]]
//	["Message", text]
//	["FlightStats", current_alt, max_accel, max_temp, max_alt, survivability]
//
// Trailing fields may be omitted by the sender and decode to zero.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (b Binary) Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	var err error
	switch v := m.(type) {
	case Telemetry:
		err = encodeTelemetry(enc, v)
	case LogMessage:
		err = encodeHeader(enc, TagLogMessage, 1)
		if err == nil {
			err = enc.EncodeString(v.Text)
		}
	case FlightStats:
		err = encodeFlightStats(enc, v)
	default:
		return nil, fmt.Errorf("protocol: binary encode %s: %w", m.Tag(), ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: binary encode %s: %w", m.Tag(), err)
	}
	return buf.Bytes(), nil
}

func encodeHeader(enc *msgpack.Encoder, tag string, fields int) error {
	if err := enc.EncodeArrayLen(fields + 1); err != nil {
		return err
	}
	return enc.EncodeString(tag)
}

func encodeTelemetry(enc *msgpack.Encoder, t Telemetry) error {
	if err := encodeHeader(enc, TagTelemetry, 5); err != nil {
		return err
	}
	if err := enc.EncodeFloat64(t.Altitude); err != nil {
		return err
	}
	if err := enc.EncodeFloat64(t.Temperature); err != nil {
		return err
	}
	for _, v := range []Vec3{t.Orientation, t.Acceleration, t.LinearAccel} {
		if err := encodeVec3(enc, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeFlightStats(enc *msgpack.Encoder, s FlightStats) error {
	if err := encodeHeader(enc, TagFlightStats, 5); err != nil {
		return err
	}
	for _, f := range []float64{s.CurrentAltitude, s.MaxAcceleration, s.MaxTemperature, s.MaxAltitude, s.SurvivabilityRating} {
		if err := enc.EncodeFloat64(f); err != nil {
			return err
		}
	}
	return nil
}

func encodeVec3(enc *msgpack.Encoder, v Vec3) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	for _, f := range v {
		if err := enc.EncodeFloat64(f); err != nil {
			return err
		}
	}
	return nil
}

func (b Binary) Decode(frame []byte) (Message, error) {
	m, err := decodeBinary(frame)
	if err != nil {
		return nil, &DecodeError{Codec: b.Name(), Frame: frame, Err: err}
	}
	return m, nil
}

func decodeBinary(frame []byte) (Message, error) {
	r := bytes.NewReader(frame)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("expected array: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("expected tagged array, got length %d", n)
	}
	tag, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("tag: %w", err)
	}
	fields := n - 1

	var m Message
	switch tag {
	case TagTelemetry:
		m, err = decodeTelemetry(dec, fields)
	case TagLogMessage:
		m, err = decodeLogMessage(dec, fields)
	case TagFlightStats:
		m, err = decodeFlightStats(dec, fields)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes", tag, r.Len())
	}
	return m, nil
}

func decodeTelemetry(dec *msgpack.Decoder, fields int) (Message, error) {
	if fields > 5 {
		return nil, fmt.Errorf("expected at most 5 fields, got %d", fields)
	}
	var t Telemetry
	floats := []*float64{&t.Altitude, &t.Temperature}
	vecs := []*Vec3{&t.Orientation, &t.Acceleration, &t.LinearAccel}
	for i := 0; i < fields; i++ {
		var err error
		if i < len(floats) {
			*floats[i], err = dec.DecodeFloat64()
		} else {
			*vecs[i-len(floats)], err = decodeVec3(dec)
		}
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return t, nil
}

func decodeLogMessage(dec *msgpack.Decoder, fields int) (Message, error) {
	if fields != 1 {
		return nil, fmt.Errorf("expected 1 field, got %d", fields)
	}
	text, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return LogMessage{Text: text}, nil
}

func decodeFlightStats(dec *msgpack.Decoder, fields int) (Message, error) {
	if fields > 5 {
		return nil, fmt.Errorf("expected at most 5 fields, got %d", fields)
	}
	var s FlightStats
	dst := []*float64{&s.CurrentAltitude, &s.MaxAcceleration, &s.MaxTemperature, &s.MaxAltitude, &s.SurvivabilityRating}
	for i := 0; i < fields; i++ {
		v, err := dec.DecodeFloat64()
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		*dst[i] = v
	}
	return s, nil
}

func decodeVec3(dec *msgpack.Decoder) (Vec3, error) {
	var v Vec3
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return v, err
	}
	if n != 3 {
		return v, fmt.Errorf("expected 3 elements, got %d", n)
	}
	for i := range v {
		if v[i], err = dec.DecodeFloat64(); err != nil {
			return v, err
		}
	}
	return v, nil
}
