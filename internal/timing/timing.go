// Package timing measures the phases of a multi-step operation.
package timing

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks durations of named phases.
type Timer struct {
	start   time.Time
	last    time.Time
	phases  []Phase
	observe func(Phase)
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// WithObserver returns a Timer that also hands every phase to fn as it is
// marked.
func WithObserver(fn func(Phase)) *Timer {
	t := New()
	t.observe = fn
	return t
}

// Mark records a named phase ending now and returns its duration, the time
// since the previous mark (or since start for the first one).
func (t *Timer) Mark(name string) time.Duration {
	now := time.Now()
	p := Phase{Name: name, Duration: now.Sub(t.last)}
	t.last = now
	t.phases = append(t.phases, p)
	if t.observe != nil {
		t.observe(p)
	}
	return p.Duration
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Fields returns the phases as log fields, keyed by phase name.
func (t *Timer) Fields() logrus.Fields {
	f := make(logrus.Fields, len(t.phases)+1)
	for _, p := range t.phases {
		f[p.Name] = formatDuration(p.Duration)
	}
	f["total"] = formatDuration(t.Total())
	return f
}

// String renders "name=dur name=dur total=dur".
func (t *Timer) String() string {
	var parts []string
	for _, p := range t.phases {
		parts = append(parts, p.Name+"="+formatDuration(p.Duration))
	}
	parts = append(parts, "total="+formatDuration(t.Total()))
	return strings.Join(parts, " ")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
