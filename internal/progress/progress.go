// Package progress carries explicit progress state for long-running byte
// transfers. A Progress value is owned by the operation that mutates it;
// renderers only read it.
package progress

import (
	"fmt"
	"io"
	"time"

	units "github.com/docker/go-units"
)

// UnknownTotal marks a transfer whose total size could not be determined.
// Some transports report a sentinel instead of a real length; callers must
// set Total to this value rather than passing the sentinel through.
const UnknownTotal uint64 = 0

// Progress is the state of one sequential byte-moving operation. Done only
// ever increases for the lifetime of the operation.
type Progress struct {
	Total   uint64 // bytes expected, UnknownTotal if not knowable
	Done    uint64
	Started time.Time
}

func New(total uint64) *Progress {
	return &Progress{Total: total, Started: time.Now()}
}

// Update adds n written bytes.
func (p *Progress) Update(n uint64) {
	p.Done += n
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p *Progress) Percent() float64 {
	if p.Total == UnknownTotal {
		return -1
	}
	return float64(p.Done) / float64(p.Total) * 100
}

// Throughput returns bytes per second since the operation started.
func (p *Progress) Throughput() float64 {
	elapsed := time.Since(p.Started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Done) / elapsed
}

// ETA estimates the remaining duration, or 0 when it cannot be derived.
func (p *Progress) ETA() time.Duration {
	if p.Total == UnknownTotal || p.Done == 0 || p.Done >= p.Total {
		return 0
	}
	rate := p.Throughput()
	if rate <= 0 {
		return 0
	}
	remaining := float64(p.Total - p.Done)
	return time.Duration(remaining / rate * float64(time.Second))
}

// Renderer prints single-line progress updates. It rate-limits itself so the
// copy loop is never delayed by more than the cost of formatting one line.
type Renderer struct {
	Out      io.Writer
	Interval time.Duration
	last     time.Time
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{Out: out, Interval: 500 * time.Millisecond}
}

// Render prints the current state if the interval has elapsed. Pass force to
// print unconditionally (e.g. the final line).
func (r *Renderer) Render(p *Progress, force bool) {
	now := time.Now()
	if !force && now.Sub(r.last) < r.Interval {
		return
	}
	r.last = now

	rate := units.HumanSize(p.Throughput())
	if p.Total == UnknownTotal {
		fmt.Fprintf(r.Out, "\r%s so far (%s/s)", units.BytesSize(float64(p.Done)), rate)
		return
	}
	fmt.Fprintf(r.Out, "\r%s / %s (%.1f%%, %s/s, ETA %s)",
		units.BytesSize(float64(p.Done)), units.BytesSize(float64(p.Total)),
		p.Percent(), rate, p.ETA().Round(time.Second))
}

// Finish terminates the progress line.
func (r *Renderer) Finish(p *Progress) {
	r.Render(p, true)
	fmt.Fprintln(r.Out)
}
