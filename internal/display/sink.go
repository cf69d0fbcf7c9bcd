// Package display turns telemetry into operator-facing notifications: the
// periodic sample broadcaster and the sinks it reports to.
package display

import (
	"log"
	"math"
	"sync"
)

// Sink receives display notifications. Implementations must not block.
type Sink interface {
	// UpdateText reports the current position, rounded for display.
	UpdateText(pulse, dro float64)
	// UpdatePlot reports one plot sample with the running axis bounds.
	UpdatePlot(pulse, dro float64, b Bounds)
	// Write reports a status line such as "connect router".
	Write(msg string)
}

// Bounds are the running min/max of every displayed sample.
type Bounds struct {
	PulseLower float64 `json:"pulseLower"`
	PulseUpper float64 `json:"pulseUpper"`
	DROLower   float64 `json:"droLower"`
	DROUpper   float64 `json:"droUpper"`
}

// DefaultBounds is the initial plot range before any sample widens it.
func DefaultBounds() Bounds {
	return Bounds{PulseLower: -90, PulseUpper: 90, DROLower: -0.04, DROUpper: 0.04}
}

// Extend widens b to include the sample. Bounds never shrink.
func (b Bounds) Extend(pulse, dro float64) Bounds {
	b.PulseLower = math.Min(b.PulseLower, pulse)
	b.PulseUpper = math.Max(b.PulseUpper, pulse)
	b.DROLower = math.Min(b.DROLower, dro)
	b.DROUpper = math.Max(b.DROUpper, dro)
	return b
}

// Contains reports whether the sample lies inside b.
func (b Bounds) Contains(pulse, dro float64) bool {
	return b.PulseLower <= pulse && pulse <= b.PulseUpper &&
		b.DROLower <= dro && dro <= b.DROUpper
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Multi fans notifications out to several sinks. Sinks may be added while
// notifications are flowing.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti returns a Multi over the non-nil sinks given.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *Multi) each(fn func(Sink)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		fn(s)
	}
}

func (m *Multi) UpdateText(pulse, dro float64) {
	m.each(func(s Sink) { s.UpdateText(pulse, dro) })
}

func (m *Multi) UpdatePlot(pulse, dro float64, b Bounds) {
	m.each(func(s Sink) { s.UpdatePlot(pulse, dro, b) })
}

func (m *Multi) Write(msg string) {
	m.each(func(s Sink) { s.Write(msg) })
}

// LogSink writes status lines and position text to the standard logger.
// Plot samples are too frequent to log and are ignored.
type LogSink struct{}

func (LogSink) UpdateText(pulse, dro float64) {
	log.Printf("[display] pulse=%.2f dro=%.2f mm", pulse, dro)
}

func (LogSink) UpdatePlot(float64, float64, Bounds) {}

func (LogSink) Write(msg string) {
	log.Printf("[display] %s", msg)
}
