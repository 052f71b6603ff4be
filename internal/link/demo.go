package link

import (
	"bytes"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/groundstation/internal/protocol"
)

var errDemoClosed = errors.New("demo port closed")

// DemoPort simulates a flight computer on the other end of the radio for
// development without hardware. It emits a frame every tick and a text
// message every two seconds, and acknowledges operator commands.
type DemoPort struct {
	codec protocol.Codec
	tick  time.Duration

	mu      sync.Mutex
	pending []byte
	closed  bool
	done    chan struct{}

	t        float64 // virtual time accumulator
	nextEmit time.Time
	lastMsg  time.Time
}

// NewDemoPort returns a simulated port speaking codec.
func NewDemoPort(codec protocol.Codec) *DemoPort {
	now := time.Now()
	return &DemoPort{
		codec:    codec,
		tick:     50 * time.Millisecond,
		done:     make(chan struct{}),
		nextEmit: now,
		lastMsg:  now,
	}
}

// DemoOpener returns an Opener producing DemoPorts for codec.
func DemoOpener(codec protocol.Codec) Opener {
	return func(cfg PortConfig) (Port, error) {
		log.Printf("[demo] simulating %s (%s) with %s protocol", cfg.Path, cfg.Name, codec.Name())
		return NewDemoPort(codec), nil
	}
}

// Read behaves like a serial read with ReadTimeout: it returns buffered
// bytes, or waits for the next tick.
func (d *DemoPort) Read(p []byte) (int, error) {
	deadline := time.Now().Add(ReadTimeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, errDemoClosed
		}
		now := time.Now()
		if len(d.pending) == 0 && !now.Before(d.nextEmit) {
			d.generate(now)
			d.nextEmit = now.Add(d.tick)
		}
		if len(d.pending) > 0 {
			n := copy(p, d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			return n, nil
		}
		wait := d.nextEmit.Sub(now)
		d.mu.Unlock()

		if remaining := time.Until(deadline); remaining <= 0 {
			return 0, nil
		} else if wait > remaining {
			wait = remaining
		}
		select {
		case <-d.done:
		case <-time.After(wait):
		}
	}
}

// Write acknowledges each operator command with a text message.
func (d *DemoPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errDemoClosed
	}
	for _, frame := range bytes.Split(p, []byte{protocol.Delimiter}) {
		if len(frame) == 0 {
			continue
		}
		text := string(frame)
		if m, err := d.codec.Decode(frame); err == nil {
			if lm, ok := m.(protocol.LogMessage); ok {
				text = lm.Text
			}
		}
		log.Printf("[demo] received command %q", text)
		d.queue(protocol.LogMessage{Text: "ack " + text})
	}
	return len(p), nil
}

func (d *DemoPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}

// generate appends the frames for one tick. Caller holds d.mu.
func (d *DemoPort) generate(now time.Time) {
	d.t += 0.1
	if d.t > 400 {
		d.t = 0
	}
	v := d.t

	alt := 100 * (math.Sin(v/2) + 1)
	temp := (math.Sin(v/4) + 1) * 50

	switch d.codec.(type) {
	case protocol.ASCII:
		d.queue(protocol.FieldUpdate{Field: protocol.FieldAltitude, Value: alt})
		d.queue(protocol.FieldUpdate{Field: protocol.FieldMotorPower, Value: (math.Sin(v/2) + 1) * 50})
		d.queue(protocol.FieldUpdate{Field: protocol.FieldTemp, Value: temp})
		d.queue(protocol.FieldUpdate{Field: protocol.FieldVelocity, Value: math.Sin(v/2) * 50})
		if rand.Float64() < 0.01 {
			d.queue(protocol.FieldUpdate{Field: protocol.FieldLatch, Value: float64(rand.Intn(2))})
		}
	default:
		d.queue(protocol.Telemetry{
			Altitude:     alt,
			Temperature:  temp,
			Orientation:  protocol.Vec3{math.Mod(v*10, 360), 5 * math.Sin(v), 5 * math.Cos(v)},
			Acceleration: protocol.Vec3{rand.Float64() - 0.5, rand.Float64() - 0.5, 9.81 + 20*math.Max(0, math.Cos(v/2))},
			LinearAccel:  protocol.Vec3{0, 0, 20 * math.Max(0, math.Cos(v/2))},
		})
	}

	if now.Sub(d.lastMsg) > 2*time.Second {
		d.queue(protocol.LogMessage{Text: "hi"})
		d.lastMsg = now
	}
}

// queue frames m. Frames whose encoding contains the delimiter are
// skipped; the real firmware would send them and the receiver would drop
// the halves as decode errors.
func (d *DemoPort) queue(m protocol.Message) {
	var frame []byte
	var err error
	if _, ascii := d.codec.(protocol.ASCII); ascii && m.Tag() == protocol.TagLogMessage {
		frame, err = protocol.Frame(d.codec, protocol.LogMessage{Text: "MSG " + m.(protocol.LogMessage).Text})
	} else {
		frame, err = protocol.Frame(d.codec, m)
	}
	if err != nil {
		return
	}
	d.pending = append(d.pending, frame...)
}
