package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Message is the closed set of values a frame can decode to.
// The unexported marker keeps the set closed to this package.
type Message interface {
	// Tag returns the wire discriminator of the variant.
	Tag() string
	isMessage()
}

// Wire tags of the binary protocol. They match the struct names used by
// the flight computer firmware.
const (
	TagLogMessage  = "Message"
	TagTelemetry   = "SensorState"
	TagFlightStats = "FlightStats"
	TagFieldUpdate = "FieldUpdate" // ASCII protocol only, never on the binary wire
)

// Vec3 is an x/y/z triple.
type Vec3 [3]float64

// Magnitude returns the euclidean norm.
func (v Vec3) Magnitude() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func (v Vec3) String() string {
	return fmt.Sprintf("[%5.2f, %5.2f, %5.2f]", v[0], v[1], v[2])
}

// Telemetry is a full sensor snapshot sent by the flight computer.
type Telemetry struct {
	Altitude    float64 `json:"altitude"`    // m
	Temperature float64 `json:"temperature"` // °C
	Orientation Vec3    `json:"orientation"`
	// Forces on the payload
	Acceleration Vec3 `json:"acceleration"`
	// Used on board for launch detection
	LinearAccel Vec3 `json:"linearAccel"`
}

func (Telemetry) Tag() string { return TagTelemetry }
func (Telemetry) isMessage()  {}

func (t Telemetry) String() string {
	return fmt.Sprintf("altitude: %5.2f, temperature: %5.2f, orientation: %s, acceleration: %s, linear_acceleration: %s",
		t.Altitude, t.Temperature, t.Orientation, t.Acceleration, t.LinearAccel)
}

// LogMessage is free text for the operator console.
type LogMessage struct {
	Text string `json:"text"`
}

func (LogMessage) Tag() string { return TagLogMessage }
func (LogMessage) isMessage()  {}

func (m LogMessage) String() string { return m.Text }

// FlightStats is the post-flight summary computed on board.
type FlightStats struct {
	CurrentAltitude     float64 `json:"currentAltitude"`
	MaxAcceleration     float64 `json:"maxAcceleration"`
	MaxTemperature      float64 `json:"maxTemperature"`
	MaxAltitude         float64 `json:"maxAltitude"`
	SurvivabilityRating float64 `json:"survivabilityRating"` // 0..1
}

func (FlightStats) Tag() string { return TagFlightStats }
func (FlightStats) isMessage()  {}

// String is phrased to be read out loud.
func (s FlightStats) String() string {
	return fmt.Sprintf("Maximum Acceleration: %g. Maximum Temperature: %g. Maximum Altitude: %g. STEMnaut Survivability: %g percent.",
		s.MaxAcceleration, s.MaxTemperature, s.MaxAltitude, s.SurvivabilityRating*100)
}

// Field identifies a single value of the legacy ASCII protocol.
type Field string

const (
	FieldAltitude   Field = "ALT"
	FieldMotorPower Field = "MTR"
	FieldTemp       Field = "TEMP"
	FieldVelocity   Field = "VELO"
	FieldLatch      Field = "LATCH"
)

// FieldUpdate carries one legacy field. For FieldLatch, Value is 1 when
// the latch is open and 0 when closed.
type FieldUpdate struct {
	Field Field   `json:"field"`
	Value float64 `json:"value"`
}

func (FieldUpdate) Tag() string { return TagFieldUpdate }
func (FieldUpdate) isMessage()  {}

func (u FieldUpdate) String() string {
	if u.Field == FieldLatch {
		if u.Value != 0 {
			return "LATCH 1"
		}
		return "LATCH 0"
	}
	return fmt.Sprintf("%s %.3f", u.Field, u.Value)
}

// Describe renders any message as a single console line.
func Describe(m Message) string {
	switch v := m.(type) {
	case Telemetry:
		return v.String()
	case LogMessage:
		return v.String()
	case FlightStats:
		return v.String()
	case FieldUpdate:
		return v.String()
	}
	return strings.TrimSpace(fmt.Sprintf("%v", m))
}
