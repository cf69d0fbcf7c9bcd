// Package telemetry keeps the in-memory history of stage position samples
// for one session.
package telemetry

import (
	"sync"
	"time"

	"github.com/shaunagostinho/drostage/internal/protocol"
)

// Record is one position sample.
type Record struct {
	Seq       int           `json:"seq"`       // move that produced the sample
	State     protocol.Kind `json:"state"`     // Moving or Finish
	Pulse     float64       `json:"pulse"`     // motor pulse position
	DRO       float64       `json:"dro"`       // hundredths of a millimetre
	ElapsedMs int64         `json:"elapsedMs"` // since session start
}

// DROmm returns the readout position in millimetres.
func (r Record) DROmm() float64 { return r.DRO / 100 }

// Log is an append-only sample history where a Finish sample replaces the
// most recently appended entry. It has a single writer (the transport loop)
// and any number of readers.
type Log struct {
	mu      sync.RWMutex
	start   time.Time
	records []Record
	now     func() time.Time
}

// NewLog creates an empty log whose elapsed times are measured from now.
func NewLog() *Log {
	return newLogWithClock(time.Now)
}

func newLogWithClock(now func() time.Time) *Log {
	return &Log{
		start: now(),
		now:   now,
	}
}

// Record stores ev under the given sequence id and returns the stored entry.
//
// A Finish event replaces the last entry regardless of its sequence id, so an
// in-flight Moving sample collapses into the final position. With no prior
// entry it is simply appended.
func (l *Log) Record(ev protocol.Event, seq int) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Seq:       seq,
		State:     ev.Kind,
		Pulse:     ev.Pulse,
		DRO:       ev.DRO,
		ElapsedMs: l.now().Sub(l.start).Milliseconds(),
	}
	if ev.Kind == protocol.Finish && len(l.records) > 0 {
		l.records[len(l.records)-1] = rec
		return rec
	}
	l.records = append(l.records, rec)
	return rec
}

// Latest returns the most recent entry.
func (l *Log) Latest() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return Record{}, false
	}
	return l.records[len(l.records)-1], true
}

// Snapshot returns a copy of the full history in arrival order.
func (l *Log) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Started returns the session start time.
func (l *Log) Started() time.Time { return l.start }
