package link

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/groundstation/internal/protocol"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives every non-empty frame that decoded without error.
// msg is nil when the codec recognised the frame as ignorable.
type Handler interface {
	HandleFrame(source string, raw []byte, msg protocol.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(source string, raw []byte, msg protocol.Message) error

func (f HandlerFunc) HandleFrame(source string, raw []byte, msg protocol.Message) error {
	return f(source, raw, msg)
}

// Config configures a Session.
type Config struct {
	Ports []PortConfig
	Codec protocol.Codec

	// Echo forwards every frame read on one port verbatim to all other
	// ports.
	Echo bool

	// Opener defaults to OpenSerial.
	Opener Opener

	// YieldInterval is slept between reader iterations.
	YieldInterval time.Duration
	// ErrorBackoff is slept after a transport read error.
	ErrorBackoff time.Duration
}

type endpoint struct {
	cfg  PortConfig
	port Port
}

// Session owns the radio ports and their reader goroutines.
type Session struct {
	cfg     Config
	handler Handler
	delim   []byte

	mu    sync.Mutex
	state State
	ports []*endpoint
	stop  chan struct{}
	wg    sync.WaitGroup

	writeMu sync.Mutex
}

// NewSession validates cfg and returns a session in StateCreated.
func NewSession(cfg Config, h Handler) (*Session, error) {
	if len(cfg.Ports) == 0 {
		return nil, errors.New("link: no ports configured")
	}
	if h == nil {
		return nil, errors.New("link: nil handler")
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.Binary{}
	}
	if cfg.Opener == nil {
		cfg.Opener = OpenSerial
	}
	if cfg.YieldInterval <= 0 {
		cfg.YieldInterval = 100 * time.Microsecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 100 * time.Millisecond
	}
	for i := range cfg.Ports {
		if cfg.Ports[i].Name == "" {
			cfg.Ports[i].Name = fmt.Sprintf("port%d", i+1)
		}
	}
	return &Session{
		cfg:     cfg,
		handler: h,
		delim:   []byte{protocol.Delimiter},
		state:   StateCreated,
	}, nil
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Codec returns the codec frames are decoded with.
func (s *Session) Codec() protocol.Codec { return s.cfg.Codec }

// PortNames returns the configured port labels in write order.
func (s *Session) PortNames() []string {
	names := make([]string, len(s.cfg.Ports))
	for i, p := range s.cfg.Ports {
		names[i] = p.Name
	}
	return names
}

// Start opens every port and launches one reader per port. If any port
// fails to open, the ones already opened are closed again and the
// session stays in StateCreated so Start can be retried.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return fmt.Errorf("link: start in state %s", s.state)
	}

	eps := make([]*endpoint, 0, len(s.cfg.Ports))
	for _, pc := range s.cfg.Ports {
		port, err := s.cfg.Opener(pc)
		if err != nil {
			for _, ep := range eps {
				ep.port.Close()
			}
			return &OpenError{Port: pc.Path, Err: err}
		}
		eps = append(eps, &endpoint{cfg: pc, port: port})
	}

	s.ports = eps
	s.stop = make(chan struct{})
	s.state = StateRunning

	for _, ep := range eps {
		s.wg.Add(1)
		go s.readLoop(ep, s.stop)
	}
	log.Printf("[link] session running on %d port(s), protocol=%s echo=%v", len(eps), s.cfg.Codec.Name(), s.cfg.Echo)
	return nil
}

// Stop signals the readers, waits for all of them to exit and then
// closes the ports. Readers observe the signal within one ReadTimeout.
// Calling Stop more than once is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	case StateStopping, StateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	close(s.stop)
	eps := s.ports
	s.mu.Unlock()

	s.wg.Wait()

	// An in-flight write finishes before its port is closed.
	s.writeMu.Lock()
	var errs []error
	for _, ep := range eps {
		if err := ep.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("link: close %s: %w", ep.cfg.Path, err))
		}
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	log.Printf("[link] session closed")
	return errors.Join(errs...)
}

// Send frames m with the session codec and writes it to every port in
// configuration order. Write failures are returned as *WriteError; the
// session keeps running.
func (s *Session) Send(m protocol.Message) error {
	frame, err := protocol.Frame(s.cfg.Codec, m)
	if err != nil {
		return err
	}
	return s.write(frame, nil)
}

// SendText sends free-form operator text.
func (s *Session) SendText(text string) error {
	return s.Send(protocol.LogMessage{Text: text})
}

func (s *Session) write(frame []byte, skip *endpoint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	eps := s.ports
	s.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if ep == skip {
			continue
		}
		if _, err := ep.port.Write(frame); err != nil {
			errs = append(errs, &WriteError{Port: ep.cfg.Path, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s *Session) readLoop(ep *endpoint, stop <-chan struct{}) {
	defer s.wg.Done()

	framer := NewFramer(ep.port, s.delim, stop)
	for {
		frame, err := framer.ReadFrame()
		if errors.Is(err, ErrStopped) {
			return
		}
		if err != nil {
			log.Printf("[link] %v", &ReadError{Port: ep.cfg.Path, Err: err})
			if !sleepOrStop(stop, s.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		if len(frame) > 0 {
			s.process(ep, frame)
		}

		if !sleepOrStop(stop, s.cfg.YieldInterval) {
			return
		}
	}
}

// process decodes and dispatches one frame. Nothing that goes wrong here
// may end the reader loop.
func (s *Session) process(ep *endpoint, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[link] %s: panic handling frame % X: %v", ep.cfg.Name, frame, r)
		}
	}()

	if s.cfg.Echo && len(s.cfg.Ports) > 1 {
		if err := s.write(AppendDelimiter(frame, s.delim), ep); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Printf("[link] echo from %s failed: %v", ep.cfg.Name, err)
		}
	}

	msg, err := s.cfg.Codec.Decode(frame)
	if err != nil {
		log.Printf("[link] %s: dropping frame % X: %v", ep.cfg.Name, frame, err)
		return
	}
	if err := s.handler.HandleFrame(ep.cfg.Name, frame, msg); err != nil {
		log.Printf("[link] %s: dispatch failed: %v", ep.cfg.Name, err)
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
