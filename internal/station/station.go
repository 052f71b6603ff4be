// Package station ties the radio link to the telemetry record and the
// console history the dashboard displays.
package station

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/protocol"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// Operator commands understood by the flight computer.
const (
	CmdDeploy      = "deploy"
	CmdKill        = "KILL"
	CmdTransmit    = "transmit"
	CmdEcho        = "echo"
	CmdTransmitNow = "!transmitnow"
	CmdRecover     = "!recover"
)

// ErrInvalidMotorPower is returned by MotorCommand outside 0-100.
var ErrInvalidMotorPower = errors.New("station: motor power must be 0-100")

// MotorCommand formats the motor power command.
func MotorCommand(power int) (string, error) {
	if power < 0 || power > 100 {
		return "", fmt.Errorf("%w: %d", ErrInvalidMotorPower, power)
	}
	return "DMTR " + strconv.Itoa(power), nil
}

// Sender writes operator text to the radio.
type Sender interface {
	SendText(text string) error
}

// Observer is notified of every message applied to the state.
type Observer interface {
	Observe(source string, msg protocol.Message, snap *telemetry.Snapshot)
}

// Config sizes the station history.
type Config struct {
	PlotCapacity int
	TextCapacity int
	StaleAfter   time.Duration
	Clock        func() time.Time
}

// Station owns the telemetry state and history. It is the frame handler
// of the link session.
type Station struct {
	cfg Config

	State    *telemetry.State
	Plots    *telemetry.Plots
	Serial   *telemetry.TextLog // raw stream tab
	Messages *telemetry.TextLog // message tab

	mu        sync.RWMutex
	sender    Sender
	observers []Observer
}

// New returns a station with empty history. Attach a sender before
// calling Send.
func New(cfg Config) *Station {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = telemetry.DefaultStaleAfter
	}
	return &Station{
		cfg:      cfg,
		State:    telemetry.NewState(cfg.Clock),
		Plots:    telemetry.NewPlots(cfg.PlotCapacity, cfg.Clock()),
		Serial:   telemetry.NewTextLog(cfg.TextCapacity),
		Messages: telemetry.NewTextLog(cfg.TextCapacity),
	}
}

// Attach sets the transport used by Send.
func (s *Station) Attach(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// AddObserver registers o for every applied message.
func (s *Station) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// HandleFrame implements link.Handler.
func (s *Station) HandleFrame(source string, raw []byte, msg protocol.Message) error {
	if len(raw) == 0 {
		return nil
	}
	if msg == nil {
		s.Serial.Append(string(raw) + "\n")
		return nil
	}

	switch m := msg.(type) {
	case protocol.Telemetry:
		s.Serial.Append(m.String() + "\n")
	case protocol.FieldUpdate:
		s.Serial.Append(m.String() + "\n")
	case protocol.FlightStats:
		s.Serial.Append(m.String() + "\n")
		log.Printf("[station] flight stats from %s: %s", source, m)
	case protocol.LogMessage:
		s.Serial.Append(m.Text + "\n")
		s.Messages.Append(m.Text + "\n")
	default:
		return fmt.Errorf("station: unhandled message %T", msg)
	}

	snap, err := s.State.Apply(source, msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.Observe(source, msg, snap)
	}
	return nil
}

// Send transmits operator text and echoes it to both consoles. Nothing
// is logged when the write fails.
func (s *Station) Send(text string) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return link.ErrNotRunning
	}
	if err := sender.SendText(text); err != nil {
		return err
	}
	s.Serial.Append(text + "\n")
	s.Messages.Append(text + "\n")
	log.Printf("[station] sent %q", text)
	return nil
}

// SetMotorPower sends DMTR with a validated power.
func (s *Station) SetMotorPower(power int) error {
	cmd, err := MotorCommand(power)
	if err != nil {
		return err
	}
	return s.Send(cmd)
}

// Sample copies the current state into the plots.
func (s *Station) Sample(now time.Time) {
	s.Plots.Sample(s.State.Snapshot(), now)
}

// Stale reports whether the link has been silent past the threshold.
func (s *Station) Stale() bool {
	return s.State.Stale(s.cfg.StaleAfter)
}

// StaleAfter is the configured staleness threshold.
func (s *Station) StaleAfter() time.Duration { return s.cfg.StaleAfter }

// Now reads the station clock.
func (s *Station) Now() time.Time { return s.cfg.Clock() }
