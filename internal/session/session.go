// Package session is the operator side of the stage: it owns the telemetry
// log for the life of the process, issues move commands with sequence ids
// and manages the current serial connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/drostage/internal/display"
	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/telemetry"
	"github.com/shaunagostinho/drostage/internal/transport"
)

var (
	ErrNotConnected      = errors.New("session: not connected")
	ErrAlreadyConnected  = errors.New("session: already connected")
	ErrHomingUnsupported = errors.New("session: homing needs a limit sensor")
)

// Settings are the connection parameters supplied by configuration.
type Settings struct {
	PortName string
	BaudRate int
	Timeout  time.Duration // serial read timeout
	Open     transport.Opener
	Debug    bool
}

// Command is one operator action. The set is closed: Connect, Disconnect,
// Move and Home.
type Command interface {
	isCommand()
}

// Connect opens the serial port. An empty Port uses the configured one.
type Connect struct {
	Port string
}

// Disconnect closes the serial port.
type Disconnect struct{}

// Move sends a relative move of the stage.
type Move struct {
	Direction  protocol.Direction
	Speed      protocol.Speed
	DistanceMM float64
}

// Home drives the stage to its reference position.
type Home struct{}

func (Connect) isCommand()    {}
func (Disconnect) isCommand() {}
func (Move) isCommand()       {}
func (Home) isCommand()       {}

// link is the part of a connected transport the session drives.
type link interface {
	Send(cmd string) error
	State() transport.State
	Disconnect()
}

// Session is safe for concurrent use.
type Session struct {
	settings Settings
	log      *telemetry.Log
	sink     display.Sink
	seq      atomic.Int64

	mu sync.Mutex
	tr link

	// OnState, if set before the first Connect, observes transport state
	// changes.
	OnState func(transport.State)
}

// New starts a session with an empty telemetry log.
func New(settings Settings, sink display.Sink) *Session {
	return &Session{
		settings: settings,
		log:      telemetry.NewLog(),
		sink:     sink,
	}
}

// Dispatch runs one command.
func (s *Session) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Connect:
		return s.connect(ctx, c)
	case Disconnect:
		return s.disconnect()
	case Move:
		return s.move(c)
	case Home:
		s.notify("homing is not available on this stage")
		return ErrHomingUnsupported
	}
	return fmt.Errorf("session: unknown command %T", cmd)
}

func (s *Session) connect(ctx context.Context, c Connect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr != nil && s.tr.State() == transport.Connected {
		return ErrAlreadyConnected
	}

	name := c.Port
	if name == "" {
		name = s.settings.PortName
	}
	tr := transport.New(s.log, transport.Config{
		PortName: name,
		BaudRate: s.settings.BaudRate,
		Timeout:  s.settings.Timeout,
		Open:     s.settings.Open,
		Sink:     s.sink,
		Seq:      s.Seq,
		OnState:  s.OnState,
		Debug:    s.settings.Debug,
	})
	if _, err := tr.Connect(ctx); err != nil {
		s.tr = nil
		return err
	}
	s.tr = tr
	log.Printf("[session] connected to %s", name)
	s.notify("connect router")
	return nil
}

func (s *Session) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr == nil {
		return ErrNotConnected
	}
	s.tr.Disconnect()
	s.tr = nil
	log.Printf("[session] disconnected")
	s.notify("disconnect router")
	return nil
}

func (s *Session) move(m Move) error {
	cmd, err := protocol.EncodeMove(m.Direction, m.Speed, m.DistanceMM)
	if err != nil {
		s.notify("invalid stroke: " + err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil || s.tr.State() != transport.Connected {
		s.notify("not connected")
		return ErrNotConnected
	}
	// Frames are recorded under the current id, so it advances before the
	// command is queued. Moves hold s.mu; a failed send rolls it back.
	seq := s.seq.Add(1)
	if err := s.tr.Send(cmd); err != nil {
		s.seq.Add(-1)
		s.notify("not connected")
		return fmt.Errorf("%w: queue move %d: %v", ErrNotConnected, seq, err)
	}
	log.Printf("[session] move %d queued: %s", seq, cmd)
	return nil
}

// Close disconnects if connected.
func (s *Session) Close() {
	if err := s.disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("[session] close: %v", err)
	}
}

// State returns the state of the current connection.
func (s *Session) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return transport.Disconnected
	}
	return s.tr.State()
}

// Seq returns the sequence id of the most recent move.
func (s *Session) Seq() int { return int(s.seq.Load()) }

// Log returns the session telemetry log.
func (s *Session) Log() *telemetry.Log { return s.log }

// Records returns a copy of the telemetry history.
func (s *Session) Records() []telemetry.Record { return s.log.Snapshot() }

func (s *Session) notify(msg string) {
	if s.sink != nil {
		s.sink.Write(msg)
	}
}
