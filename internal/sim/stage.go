// Package sim provides a simulated stage controller that speaks the device
// protocol, for demo mode and tests.
package sim

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/drostage/internal/transport"
)

// PulsesPerMM is the simulated motor resolution.
const PulsesPerMM = 100.0

// Stage is an in-memory serial port backed by a simulated axis. Move
// commands written to it produce a stream of RR frames followed by one RF
// frame.
type Stage struct {
	readTimeout time.Duration

	// StepMM is the distance covered per reported frame and Jitter the DRO
	// noise amplitude in hundredths of a millimetre. Set both before the
	// first Write.
	StepMM float64
	Jitter float64

	mu     sync.Mutex
	cmdBuf []byte
	out    []byte
	ready  chan struct{}
	moves  []move // accepted, not yet started
	kick   chan struct{}
	closed bool
	stop   chan struct{}

	pos float64 // millimetres
}

type move struct {
	dir      float64
	interval time.Duration
	distance float64
}

// NewStage creates a stage at position zero and starts its motion worker.
func NewStage(readTimeout time.Duration) *Stage {
	s := &Stage{
		readTimeout: readTimeout,
		StepMM:      0.25,
		Jitter:      0.5,
		ready:       make(chan struct{}, 1),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	go s.worker()
	return s
}

// Open satisfies transport.Opener; name and baud are ignored.
func Open(name string, baud int, readTimeout time.Duration) (transport.Port, error) {
	return NewStage(readTimeout), nil
}

// Position returns the simulated axis position in millimetres.
func (s *Stage) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Stage) Read(b []byte) (int, error) {
	deadline := time.NewTimer(s.readTimeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(s.out) > 0 {
			n := copy(b, s.out)
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write accepts one or more '#'-terminated commands. Only move commands
// are understood; anything else is ignored. Moves run one after another in
// the order written, however many are waiting.
func (s *Stage) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.cmdBuf = append(s.cmdBuf, b...)
	queued := false
	for {
		i := bytes.IndexByte(s.cmdBuf, '#')
		if i < 0 {
			break
		}
		m, err := decodeMove(string(s.cmdBuf[:i]))
		s.cmdBuf = s.cmdBuf[i+1:]
		if err != nil {
			continue
		}
		s.moves = append(s.moves, m)
		queued = true
	}
	if queued {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return len(b), nil
}

// Queued returns the number of moves accepted but not yet started.
func (s *Stage) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.moves)
}

func (s *Stage) ResetInputBuffer() error {
	s.mu.Lock()
	s.out = s.out[:0]
	s.mu.Unlock()
	return nil
}

func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}

func (s *Stage) worker() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
		}
		for {
			m, ok := s.next()
			if !ok {
				break
			}
			if !s.run(m) {
				return
			}
		}
	}
}

func (s *Stage) next() (move, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.moves) == 0 {
		return move{}, false
	}
	m := s.moves[0]
	s.moves = s.moves[1:]
	return m, true
}

// run steps the axis through one move, reporting each step.
func (s *Stage) run(m move) bool {
	step := s.StepMM
	if step <= 0 {
		step = 0.25
	}
	remaining := m.distance
	for remaining > 1e-9 {
		d := math.Min(step, remaining)
		remaining -= d

		select {
		case <-s.stop:
			return false
		case <-time.After(m.interval):
		}

		s.mu.Lock()
		s.pos += m.dir * d
		s.emitLocked("RR")
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.emitLocked("RF")
	s.mu.Unlock()
	return true
}

func (s *Stage) emitLocked(verb string) {
	pulse := math.Round(s.pos * PulsesPerMM)
	dro := math.Round(s.pos*100 + (rand.Float64()*2-1)*s.Jitter)
	s.out = append(s.out, fmt.Sprintf("%s%.0f;%.0f!", verb, pulse, dro)...)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// decodeMove parses "L<sign><speed2><distance4>" (terminator stripped).
func decodeMove(c string) (move, error) {
	if len(c) != 8 || c[0] != 'L' {
		return move{}, fmt.Errorf("sim: not a move command: %q", c)
	}
	var m move
	switch c[1] {
	case '+':
		m.dir = 1
	case '-':
		m.dir = -1
	default:
		return move{}, fmt.Errorf("sim: bad direction in %q", c)
	}
	speed, err := strconv.Atoi(c[2:4])
	if err != nil {
		return move{}, fmt.Errorf("sim: bad speed in %q", c)
	}
	dist, err := strconv.Atoi(c[4:8])
	if err != nil {
		return move{}, fmt.Errorf("sim: bad distance in %q", c)
	}
	// Speed code 00 is fastest, 90 slowest.
	m.interval = time.Duration(10+speed/2) * time.Millisecond
	m.distance = float64(dist) / 100
	return m, nil
}
