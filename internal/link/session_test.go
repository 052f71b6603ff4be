package link

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/groundstation/internal/protocol"
)

var errFakeClosed = errors.New("fake port closed")

// fakePort is an in-memory serial port. Feed queues inbound bytes; reads
// with nothing queued return zero bytes after readTimeout.
type fakePort struct {
	readTimeout time.Duration

	mu       sync.Mutex
	inbound  []byte
	readErrs []error
	written  bytes.Buffer
	writeErr error
	closed   bool
	wake     chan struct{}

	// When gate is set, Write signals writing and blocks until gate is
	// closed.
	gate    chan struct{}
	writing chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{readTimeout: 20 * time.Millisecond, wake: make(chan struct{}, 1)}
}

func (p *fakePort) Feed(data string) {
	p.mu.Lock()
	p.inbound = append(p.inbound, data...)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *fakePort) FailNextRead(err error) {
	p.mu.Lock()
	p.readErrs = append(p.readErrs, err)
	p.mu.Unlock()
}

func (p *fakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errFakeClosed
		}
		if len(p.readErrs) > 0 {
			err := p.readErrs[0]
			p.readErrs = p.readErrs[1:]
			p.mu.Unlock()
			return 0, err
		}
		if len(p.inbound) > 0 {
			n := copy(b, p.inbound)
			p.inbound = p.inbound[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		select {
		case <-p.wake:
		case <-time.After(remaining):
		}
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.gate != nil {
		p.writing <- struct{}{}
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errFakeClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type dispatched struct {
	source string
	raw    string
	msg    protocol.Message
}

// recorder collects dispatched frames.
type recorder struct {
	ch  chan dispatched
	err error
}

func newRecorder() *recorder { return &recorder{ch: make(chan dispatched, 64)} }

func (r *recorder) HandleFrame(source string, raw []byte, msg protocol.Message) error {
	r.ch <- dispatched{source: source, raw: string(raw), msg: msg}
	return r.err
}

func (r *recorder) next(t *testing.T) dispatched {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	return dispatched{}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-r.ch:
		t.Fatalf("unexpected dispatch %#v", d)
	case <-time.After(wait):
	}
}

func openerFor(ports map[string]*fakePort) Opener {
	return func(cfg PortConfig) (Port, error) {
		p, ok := ports[cfg.Path]
		if !ok {
			return nil, errors.New("no such device")
		}
		return p, nil
	}
}

func startSession(t *testing.T, cfg Config, h Handler) *Session {
	t.Helper()
	s, err := NewSession(cfg, h)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestSessionDispatchesFrames(t *testing.T) {
	port := newFakePort()
	rec := newRecorder()
	startSession(t, Config{
		Ports:  []PortConfig{{Name: "sail", Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": port}),
	}, rec)

	port.Feed("ALT 12.500;")
	d := rec.next(t)
	if d.source != "sail" || d.raw != "ALT 12.500" {
		t.Fatalf("unexpected dispatch %#v", d)
	}
	if d.msg != (protocol.FieldUpdate{Field: protocol.FieldAltitude, Value: 12.5}) {
		t.Fatalf("unexpected message %#v", d.msg)
	}
}

func TestSessionSkipsEmptyFrames(t *testing.T) {
	port := newFakePort()
	rec := newRecorder()
	startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": port}),
	}, rec)

	port.Feed(";")
	rec.none(t, 100*time.Millisecond)
}

func TestSessionSurvivesBadFrames(t *testing.T) {
	port := newFakePort()
	rec := newRecorder()
	rec.err = errors.New("dispatch failed")
	startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": port}),
	}, rec)

	port.Feed("ALT banana;")
	port.Feed("TEMP 21.5;")
	d := rec.next(t)
	if d.msg != (protocol.FieldUpdate{Field: protocol.FieldTemp, Value: 21.5}) {
		t.Fatalf("unexpected message %#v", d.msg)
	}
	// A failing handler must not stop the loop either.
	port.Feed("VELO 2;")
	if d := rec.next(t); d.raw != "VELO 2" {
		t.Fatalf("unexpected dispatch %#v", d)
	}
}

func TestSessionSurvivesHandlerPanic(t *testing.T) {
	port := newFakePort()
	got := make(chan string, 4)
	h := HandlerFunc(func(source string, raw []byte, msg protocol.Message) error {
		if string(raw) == "MSG boom" {
			panic("boom")
		}
		got <- string(raw)
		return nil
	})
	startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": port}),
	}, h)

	port.Feed("MSG boom;MSG ok;")
	select {
	case raw := <-got:
		if raw != "MSG ok" {
			t.Fatalf("got %q", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader loop died after panic")
	}
}

func TestSessionSurvivesReadErrors(t *testing.T) {
	port := newFakePort()
	port.FailNextRead(errors.New("framing error"))
	port.FailNextRead(errors.New("framing error"))
	rec := newRecorder()
	startSession(t, Config{
		Ports:        []PortConfig{{Path: "/dev/a"}},
		Codec:        protocol.ASCII{},
		Opener:       openerFor(map[string]*fakePort{"/dev/a": port}),
		ErrorBackoff: time.Millisecond,
	}, rec)

	port.Feed("MSG still here;")
	if d := rec.next(t); d.msg != (protocol.LogMessage{Text: "still here"}) {
		t.Fatalf("unexpected dispatch %#v", d)
	}
}

func TestSessionSendWritesEveryPort(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	s := startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}, {Path: "/dev/b"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a, "/dev/b": b}),
	}, newRecorder())

	if err := s.SendText("deploy"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendText("DMTR 40"); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*fakePort{a, b} {
		if got := p.Written(); got != "deploy;DMTR 40;" {
			t.Fatalf("written %q", got)
		}
	}
}

func TestSessionSendBinary(t *testing.T) {
	a := newFakePort()
	s := startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.Binary{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a}),
	}, newRecorder())

	if err := s.SendText("!transmitnow"); err != nil {
		t.Fatal(err)
	}
	want, _ := protocol.Frame(protocol.Binary{}, protocol.LogMessage{Text: "!transmitnow"})
	if a.Written() != string(want) {
		t.Fatalf("written % X, want % X", a.Written(), want)
	}
}

func TestSessionWriteErrorSurfaced(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	a.writeErr = errors.New("buffer full")
	rec := newRecorder()
	s := startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}, {Path: "/dev/b"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a, "/dev/b": b}),
	}, rec)

	err := s.SendText("KILL")
	var we *WriteError
	if !errors.As(err, &we) || we.Port != "/dev/a" {
		t.Fatalf("expected *WriteError for /dev/a, got %v", err)
	}
	if b.Written() != "KILL;" {
		t.Fatalf("second port not written: %q", b.Written())
	}
	if s.State() != StateRunning {
		t.Fatalf("state %s after write error", s.State())
	}
	a.Feed("MSG alive;")
	rec.next(t)
}

func TestSessionEcho(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	rec := newRecorder()
	startSession(t, Config{
		Ports:  []PortConfig{{Name: "sail", Path: "/dev/a"}, {Name: "latch", Path: "/dev/b"}},
		Codec:  protocol.ASCII{},
		Echo:   true,
		Opener: openerFor(map[string]*fakePort{"/dev/a": a, "/dev/b": b}),
	}, rec)

	a.Feed("LATCH 1;")
	rec.next(t)
	if got := b.Written(); got != "LATCH 1;" {
		t.Fatalf("echo wrote %q to the other port", got)
	}
	if got := a.Written(); got != "" {
		t.Fatalf("echo wrote %q back to the source port", got)
	}
}

func TestSessionEchoDisabledByDefault(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	rec := newRecorder()
	startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}, {Path: "/dev/b"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a, "/dev/b": b}),
	}, rec)

	a.Feed("ALT 1;")
	rec.next(t)
	if got := b.Written(); got != "" {
		t.Fatalf("unexpected forward %q", got)
	}
}

func TestSessionOpenError(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	ports := map[string]*fakePort{"/dev/a": a}
	s, err := NewSession(Config{
		Ports:  []PortConfig{{Path: "/dev/a"}, {Path: "/dev/b"}},
		Opener: openerFor(ports),
	}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}

	err = s.Start()
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Port != "/dev/b" {
		t.Fatalf("expected *OpenError for /dev/b, got %v", err)
	}
	if !a.Closed() {
		t.Fatal("already opened port was not closed")
	}
	if s.State() != StateCreated {
		t.Fatalf("state %s after failed start", s.State())
	}

	// The device shows up; a retry succeeds.
	a.closed = false
	ports["/dev/b"] = b
	if err := s.Start(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionStopJoinsBlockedReaders(t *testing.T) {
	a, b := newFakePort(), newFakePort()
	a.readTimeout = 200 * time.Millisecond
	b.readTimeout = 200 * time.Millisecond
	s, err := NewSession(Config{
		Ports:  []PortConfig{{Path: "/dev/a"}, {Path: "/dev/b"}},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a, "/dev/b": b}),
	}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	a.Feed("partial")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*a.readTimeout {
		t.Fatalf("Stop took %v, want within one read timeout", elapsed)
	}
	if !a.Closed() || !b.Closed() {
		t.Fatal("ports not closed after Stop")
	}
	if s.State() != StateClosed {
		t.Fatalf("state %s", s.State())
	}

	// Second stop is a no-op; nothing restarts a closed session.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("Start after Stop should fail")
	}
	if err := s.SendText("x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Send after Stop: %v", err)
	}
}

func TestSessionStopWaitsForInflightWrite(t *testing.T) {
	port := newFakePort()
	port.gate = make(chan struct{})
	port.writing = make(chan struct{}, 1)
	s := startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": port}),
	}, newRecorder())

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.SendText("deploy") }()
	select {
	case <-port.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()
	time.Sleep(50 * time.Millisecond)
	if port.Closed() {
		t.Fatal("port closed under an in-flight write")
	}
	select {
	case err := <-stopErr:
		t.Fatalf("Stop returned %v before the write finished", err)
	default:
	}

	close(port.gate)
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if !port.Closed() || port.Written() != "deploy;" {
		t.Fatalf("closed %v written %q", port.Closed(), port.Written())
	}
	if err := s.SendText("late"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("send after stop: %v", err)
	}
}

func TestSessionSendBeforeStart(t *testing.T) {
	s, err := NewSession(Config{Ports: []PortConfig{{Path: "/dev/a"}}}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendText("deploy"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state %s", s.State())
	}
}

func TestSessionSendRejectsDelimiter(t *testing.T) {
	a := newFakePort()
	s := startSession(t, Config{
		Ports:  []PortConfig{{Path: "/dev/a"}},
		Codec:  protocol.ASCII{},
		Opener: openerFor(map[string]*fakePort{"/dev/a": a}),
	}, newRecorder())
	if err := s.SendText("a;b"); !errors.Is(err, protocol.ErrDelimiterInPayload) {
		t.Fatalf("expected ErrDelimiterInPayload, got %v", err)
	}
	if a.Written() != "" {
		t.Fatalf("wrote %q", a.Written())
	}
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(Config{}, newRecorder()); err == nil {
		t.Fatal("expected error without ports")
	}
	if _, err := NewSession(Config{Ports: []PortConfig{{Path: "x"}}}, nil); err == nil {
		t.Fatal("expected error without handler")
	}
	s, err := NewSession(Config{Ports: []PortConfig{{Path: "x"}, {Path: "y", Name: "latch"}}}, newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	names := s.PortNames()
	if names[0] != "port1" || names[1] != "latch" {
		t.Fatalf("names %v", names)
	}
	if s.Codec().Name() != "binary" {
		t.Fatalf("default codec %s", s.Codec().Name())
	}
}

func TestDemoPortProducesDecodableFrames(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.ASCII{}, protocol.Binary{}} {
		port := NewDemoPort(codec)
		f := NewFramer(port, []byte{protocol.Delimiter}, make(chan struct{}))
		for i := 0; i < 5; i++ {
			frame, err := f.ReadFrame()
			if err != nil {
				t.Fatalf("%s: %v", codec.Name(), err)
			}
			m, err := codec.Decode(frame)
			if err != nil || m == nil {
				t.Fatalf("%s: frame %q decoded to %v, %v", codec.Name(), frame, m, err)
			}
		}

		if _, err := port.Write([]byte("deploy;")); err != nil {
			t.Fatal(err)
		}
		port.Close()
		if _, err := port.Read(make([]byte, 1)); err == nil {
			t.Fatalf("%s: read after close should fail", codec.Name())
		}
	}
}
