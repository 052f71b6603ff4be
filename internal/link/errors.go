package link

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by ReadFrame when the stop channel closes
	// before a full frame arrived.
	ErrStopped = errors.New("link: stopped")

	// ErrNotRunning is returned by Send outside the Running state.
	ErrNotRunning = errors.New("link: session not running")
)

// OpenError means a configured device could not be opened.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string { return fmt.Sprintf("link: open %s: %v", e.Port, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// ReadError wraps a transport failure inside a reader loop.
type ReadError struct {
	Port string
	Err  error
}

func (e *ReadError) Error() string { return fmt.Sprintf("link: read %s: %v", e.Port, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a transport failure during Send.
type WriteError struct {
	Port string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("link: write %s: %v", e.Port, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }
