package telemetry

import (
	"sync"
	"time"
)

// DefaultPlotCapacity is the number of samples kept per plot.
const DefaultPlotCapacity = 600

// Ring is a fixed-capacity circular buffer of samples. Once full, each
// Push overwrites the oldest sample.
type Ring struct {
	mu    sync.RWMutex
	buf   []float64
	next  int // write cursor
	count int
}

// NewRing returns a ring holding up to capacity samples. A capacity
// below 1 is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Push(v float64) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Window returns a copy of the raw storage together with the index of
// the oldest sample and the number of valid samples. Sample i in
// chronological order is values[(offset+i)%len(values)].
func (r *Ring) Window() (values []float64, offset, count int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values = make([]float64, len(r.buf))
	copy(values, r.buf)
	if r.count < len(r.buf) {
		return values, 0, r.count
	}
	return values, r.next, r.count
}

// Values returns the valid samples oldest first.
func (r *Ring) Values() []float64 {
	buf, offset, count := r.Window()
	out := make([]float64, count)
	for i := range out {
		out[i] = buf[(offset+i)%len(buf)]
	}
	return out
}

// Last returns the newest sample.
func (r *Ring) Last() (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return 0, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Ring) Cap() int { return len(r.buf) }

// Plot names, in the order the dashboard draws them.
const (
	PlotTime         = "time"
	PlotAltitude     = "altitude"
	PlotAcceleration = "acceleration"
	PlotTemperature  = "temperature"
	PlotMotorPower   = "motorPower"
	PlotVelocity     = "velocity"
)

var plotNames = []string{
	PlotTime, PlotAltitude, PlotAcceleration, PlotTemperature, PlotMotorPower, PlotVelocity,
}

// Plots is the set of rings the dashboard graphs. All rings advance
// together, one sample per Sample call.
type Plots struct {
	start time.Time
	rings map[string]*Ring
	mu    sync.Mutex
}

// NewPlots returns empty plots. Sample times are seconds since start.
func NewPlots(capacity int, start time.Time) *Plots {
	if capacity <= 0 {
		capacity = DefaultPlotCapacity
	}
	p := &Plots{start: start, rings: make(map[string]*Ring, len(plotNames))}
	for _, name := range plotNames {
		p.rings[name] = NewRing(capacity)
	}
	return p
}

// Sample copies the current snapshot into every ring.
func (p *Plots) Sample(s *Snapshot, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rings[PlotTime].Push(now.Sub(p.start).Seconds())
	p.rings[PlotAltitude].Push(s.Altitude)
	p.rings[PlotAcceleration].Push(s.AccelMagnitude())
	p.rings[PlotTemperature].Push(s.Temperature)
	p.rings[PlotMotorPower].Push(s.MotorPower)
	p.rings[PlotVelocity].Push(s.Velocity)
}

// Ring returns the named ring, or nil.
func (p *Plots) Ring(name string) *Ring { return p.rings[name] }

// Names lists the plots in drawing order.
func (p *Plots) Names() []string {
	out := make([]string, len(plotNames))
	copy(out, plotNames)
	return out
}

// Export returns every plot oldest first. The lock keeps rings aligned
// with each other.
func (p *Plots) Export() map[string][]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]float64, len(p.rings))
	for name, r := range p.rings {
		out[name] = r.Values()
	}
	return out
}
