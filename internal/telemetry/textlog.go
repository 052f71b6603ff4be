package telemetry

import (
	"strings"
	"sync"
)

// DefaultTextCapacity is the number of lines a console tab keeps.
const DefaultTextCapacity = 100

// TextLog is a bounded rolling log of console lines. Appending past
// capacity evicts the oldest line.
type TextLog struct {
	mu    sync.RWMutex
	lines []string
	cap   int
}

func NewTextLog(capacity int) *TextLog {
	if capacity <= 0 {
		capacity = DefaultTextCapacity
	}
	return &TextLog{cap: capacity, lines: make([]string, 0, capacity)}
}

func (l *TextLog) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == l.cap {
		copy(l.lines, l.lines[1:])
		l.lines = l.lines[:l.cap-1]
	}
	l.lines = append(l.lines, line)
}

// Lines returns a copy, oldest first.
func (l *TextLog) Lines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Last returns the newest line.
func (l *TextLog) Last() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.lines) == 0 {
		return "", false
	}
	return l.lines[len(l.lines)-1], true
}

// String concatenates the lines the way the console renders them.
func (l *TextLog) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return strings.Join(l.lines, "")
}

func (l *TextLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lines)
}

func (l *TextLog) Cap() int { return l.cap }
