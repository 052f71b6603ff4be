package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/groundstation/internal/protocol"
)

// DefaultStaleAfter is how long the link may stay silent before the
// dashboard shows it as dead.
const DefaultStaleAfter = 2 * time.Second

// Snapshot is one immutable version of the telemetry record. Readers
// must not modify it; the State publishes a fresh copy on every change.
type Snapshot struct {
	// Sensor record, replaced whole by a Telemetry message.
	Altitude     float64       `json:"altitude"`
	Temperature  float64       `json:"temperature"`
	Orientation  protocol.Vec3 `json:"orientation"`
	Acceleration protocol.Vec3 `json:"acceleration"`
	LinearAccel  protocol.Vec3 `json:"linearAccel"`

	// Legacy ASCII fields
	MotorPower float64 `json:"motorPower"` // %
	Velocity   float64 `json:"velocity"`
	LatchOpen  bool    `json:"latchOpen"`

	Stats    protocol.FlightStats `json:"stats"`
	HasStats bool                 `json:"hasStats"`

	// Heartbeat is the time of the last dispatched message from any link.
	Heartbeat time.Time `json:"heartbeat"`
	// Links holds the last dispatched message time per port label.
	Links map[string]time.Time `json:"links,omitempty"`

	Updates uint64 `json:"updates"`
}

// Sensor returns the sensor record as a Telemetry message.
func (s *Snapshot) Sensor() protocol.Telemetry {
	return protocol.Telemetry{
		Altitude:     s.Altitude,
		Temperature:  s.Temperature,
		Orientation:  s.Orientation,
		Acceleration: s.Acceleration,
		LinearAccel:  s.LinearAccel,
	}
}

// AccelMagnitude is the plotted acceleration value.
func (s *Snapshot) AccelMagnitude() float64 { return s.Acceleration.Magnitude() }

// Staleness returns how long ago the last message arrived. A snapshot
// that never saw a message is infinitely stale.
func (s *Snapshot) Staleness(now time.Time) time.Duration {
	if s.Heartbeat.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	d := now.Sub(s.Heartbeat)
	if d < 0 {
		return 0
	}
	return d
}

// LinkStaleness is Staleness for a single port label.
func (s *Snapshot) LinkStaleness(name string, now time.Time) time.Duration {
	t, ok := s.Links[name]
	if !ok || t.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	if d := now.Sub(t); d > 0 {
		return d
	}
	return 0
}

// MarshalJSON writes non-finite readings as null so one failed sensor
// does not make the whole snapshot unencodable.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Altitude     protocol.JSONFloat   `json:"altitude"`
		Temperature  protocol.JSONFloat   `json:"temperature"`
		Orientation  protocol.Vec3        `json:"orientation"`
		Acceleration protocol.Vec3        `json:"acceleration"`
		LinearAccel  protocol.Vec3        `json:"linearAccel"`
		MotorPower   protocol.JSONFloat   `json:"motorPower"`
		Velocity     protocol.JSONFloat   `json:"velocity"`
		LatchOpen    bool                 `json:"latchOpen"`
		Stats        protocol.FlightStats `json:"stats"`
		HasStats     bool                 `json:"hasStats"`
		Heartbeat    time.Time            `json:"heartbeat"`
		Links        map[string]time.Time `json:"links,omitempty"`
		Updates      uint64               `json:"updates"`
	}{
		Altitude:     protocol.JSONFloat(s.Altitude),
		Temperature:  protocol.JSONFloat(s.Temperature),
		Orientation:  s.Orientation,
		Acceleration: s.Acceleration,
		LinearAccel:  s.LinearAccel,
		MotorPower:   protocol.JSONFloat(s.MotorPower),
		Velocity:     protocol.JSONFloat(s.Velocity),
		LatchOpen:    s.LatchOpen,
		Stats:        s.Stats,
		HasStats:     s.HasStats,
		Heartbeat:    s.Heartbeat,
		Links:        s.Links,
		Updates:      s.Updates,
	})
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Links = make(map[string]time.Time, len(s.Links)+1)
	for k, v := range s.Links {
		c.Links[k] = v
	}
	return &c
}

// State is the shared telemetry record. Writers are serialized; readers
// load the current snapshot without locking.
type State struct {
	now func() time.Time

	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[Snapshot]
}

// NewState returns an empty state. clock may be nil to use time.Now.
func NewState(clock func() time.Time) *State {
	if clock == nil {
		clock = time.Now
	}
	s := &State{now: clock}
	s.cur.Store(&Snapshot{Links: map[string]time.Time{}})
	return s
}

// Snapshot returns the current published snapshot.
func (s *State) Snapshot() *Snapshot { return s.cur.Load() }

// Apply folds msg into the state on behalf of the named link.
//
// Each variant overwrites exactly the fields it carries: Telemetry
// replaces the whole sensor record, a FieldUpdate replaces one field,
// FlightStats replaces the stats and a LogMessage touches no data field.
// Every variant stamps the heartbeat.
func (s *State) Apply(source string, msg protocol.Message) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().clone()

	switch m := msg.(type) {
	case protocol.Telemetry:
		next.Altitude = m.Altitude
		next.Temperature = m.Temperature
		next.Orientation = m.Orientation
		next.Acceleration = m.Acceleration
		next.LinearAccel = m.LinearAccel
	case protocol.FieldUpdate:
		switch m.Field {
		case protocol.FieldAltitude:
			next.Altitude = m.Value
		case protocol.FieldMotorPower:
			next.MotorPower = m.Value
		case protocol.FieldTemp:
			next.Temperature = m.Value
		case protocol.FieldVelocity:
			next.Velocity = m.Value
		case protocol.FieldLatch:
			next.LatchOpen = m.Value != 0
		default:
			return nil, fmt.Errorf("telemetry: unknown field %q", m.Field)
		}
	case protocol.FlightStats:
		next.Stats = m
		next.HasStats = true
	case protocol.LogMessage:
	default:
		return nil, fmt.Errorf("telemetry: unhandled message %T", msg)
	}

	now := s.now()
	next.Heartbeat = now
	if source != "" {
		next.Links[source] = now
	}
	next.Updates++

	s.cur.Store(next)
	return next, nil
}

// Staleness reports time since the last message, measured now.
func (s *State) Staleness() time.Duration {
	return s.Snapshot().Staleness(s.now())
}

// Stale reports whether nothing arrived within threshold.
func (s *State) Stale(threshold time.Duration) bool {
	return s.Staleness() >= threshold
}
