// Package transport owns the serial connection to the stage controller. A
// single loop reads telemetry frames into the session log and writes queued
// move commands between reads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/drostage/internal/display"
	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/telemetry"
)

// State is the connection state of a Transport.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrPortOpen is wrapped by every OpenError.
	ErrPortOpen = errors.New("can't open port")
	// ErrStarted is returned by a second Connect on the same Transport.
	ErrStarted = errors.New("transport already started")
	// ErrClosed is returned by Send after Disconnect or a fatal I/O error.
	ErrClosed = errors.New("transport closed")
)

// OpenError reports a failure to open or settle the port.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("transport: can't open port %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() []error { return []error{ErrPortOpen, e.Err} }

// IOError reports a read or write failure after the port was connected.
type IOError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// Config describes one connection.
type Config struct {
	PortName string
	BaudRate int
	// Timeout is the port read timeout. The port is left to settle for
	// 1.2 × Timeout after opening before stale input is flushed.
	Timeout time.Duration

	Open Opener       // defaults to OpenBugst
	Sink display.Sink // status lines and Finish text; may be nil
	// Seq returns the sequence id of the move currently in flight.
	Seq func() int
	// OnState is called after every state change.
	OnState func(State)
	// Debug logs every dropped frame.
	Debug bool
}

// DefaultTimeout is used when Config.Timeout is not positive.
const DefaultTimeout = 100 * time.Millisecond

// Transport runs the read/write loop for a single connection. It is not
// reusable: a new connection needs a new Transport.
type Transport struct {
	cfg    Config
	log    *telemetry.Log
	parser *protocol.Parser

	state   atomic.Int32
	started atomic.Bool

	qmu    sync.Mutex
	queue  []string
	closed bool

	port      Port
	closeOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	dropped   atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// New creates a disconnected transport that records into tl.
func New(tl *telemetry.Log, cfg Config) *Transport {
	if cfg.Open == nil {
		cfg.Open = OpenBugst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Seq == nil {
		cfg.Seq = func() int { return 0 }
	}
	t := &Transport{
		cfg:    cfg,
		log:    tl,
		parser: protocol.NewParser(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.Debug {
		t.parser.OnDrop = func(fe *protocol.FrameError) {
			log.Printf("[transport] %v", fe)
		}
	}
	return t
}

// Connect opens the port, lets the device settle, flushes stale input and
// starts the loop. Open failures are not retried.
func (t *Transport) Connect(ctx context.Context) (State, error) {
	if !t.started.CompareAndSwap(false, true) {
		return t.State(), ErrStarted
	}
	t.setState(Connecting)

	port, err := t.cfg.Open(t.cfg.PortName, t.cfg.BaudRate, t.cfg.Timeout)
	if err != nil {
		return t.failOpen(&OpenError{Port: t.cfg.PortName, Err: err})
	}
	t.port = port
	log.Printf("[transport] opened %s at %d baud", t.cfg.PortName, t.cfg.BaudRate)

	settle := time.Duration(float64(t.cfg.Timeout) * 1.2)
	select {
	case <-ctx.Done():
		t.closePort()
		return t.failOpen(&OpenError{Port: t.cfg.PortName, Err: ctx.Err()})
	case <-t.stop:
		t.closePort()
		return t.failOpen(&OpenError{Port: t.cfg.PortName, Err: ErrClosed})
	case <-time.After(settle):
	}

	if err := port.ResetInputBuffer(); err != nil {
		t.closePort()
		return t.failOpen(&OpenError{Port: t.cfg.PortName, Err: fmt.Errorf("flush input: %w", err)})
	}

	t.setState(Connected)
	go t.run()
	return Connected, nil
}

func (t *Transport) failOpen(err *OpenError) (State, error) {
	log.Printf("[transport] %v", err)
	t.setErr(err)
	t.markClosed()
	close(t.done)
	t.setState(Failed)
	t.notify("Can't open port")
	return Failed, err
}

// Send queues a command for transmission. It never blocks.
func (t *Transport) Send(cmd string) error {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.queue = append(t.queue, cmd)
	return nil
}

// Pending returns the number of queued, unsent commands.
func (t *Transport) Pending() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

// Disconnect stops the loop, discards queued commands and closes the port.
// It returns once the loop has exited, at most one read timeout later.
func (t *Transport) Disconnect() {
	t.stopOnce.Do(func() { close(t.stop) })
	if !t.started.Load() {
		t.markClosed()
		return
	}
	<-t.done
	if t.State() == Failed {
		t.setState(Disconnected)
	}
}

// Done is closed when the loop has exited or the connection attempt failed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// State returns the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Err returns the error that ended the connection, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	t.lastErr = err
	t.errMu.Unlock()
}

// Dropped returns the number of malformed frames discarded so far.
func (t *Transport) Dropped() int { return int(t.dropped.Load()) }

func (t *Transport) run() {
	defer close(t.done)
	defer t.closePort()
	defer t.markClosed()

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stop:
			log.Printf("[transport] stopping, %d queued command(s) discarded", t.Pending())
			t.setState(Disconnected)
			return
		default:
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.handle(buf[:n])
		}
		if err != nil {
			t.fail(&IOError{Op: "read", Err: err})
			return
		}

		if cmd, ok := t.dequeue(); ok {
			if _, err := io.WriteString(t.port, cmd); err != nil {
				t.fail(&IOError{Op: "write", Err: err})
				return
			}
			log.Printf("[transport] sent %s", cmd)
		}
	}
}

func (t *Transport) handle(data []byte) {
	events := t.parser.Parse(data)
	t.dropped.Store(int64(t.parser.Dropped()))
	for _, ev := range events {
		rec := t.log.Record(ev, t.cfg.Seq())
		if ev.Kind == protocol.Finish && t.cfg.Sink != nil {
			t.cfg.Sink.UpdateText(round2(rec.Pulse), round2(rec.DROmm()))
		}
	}
}

func (t *Transport) fail(err *IOError) {
	log.Printf("[transport] %v, disconnecting", err)
	t.setErr(err)
	t.setState(Disconnected)
	t.notify("connection lost: " + err.Err.Error())
}

func (t *Transport) dequeue() (string, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queue) == 0 {
		return "", false
	}
	cmd := t.queue[0]
	t.queue = t.queue[1:]
	return cmd, true
}

func (t *Transport) markClosed() {
	t.qmu.Lock()
	t.closed = true
	t.queue = nil
	t.qmu.Unlock()
}

func (t *Transport) closePort() {
	t.closeOnce.Do(func() {
		if t.port == nil {
			return
		}
		if err := t.port.Close(); err != nil {
			log.Printf("[transport] close %s: %v", t.cfg.PortName, err)
			return
		}
		log.Printf("[transport] closed %s", t.cfg.PortName)
	})
}

func (t *Transport) setState(s State) {
	t.state.Store(int32(s))
	if t.cfg.OnState != nil {
		t.cfg.OnState(s)
	}
}

func (t *Transport) notify(msg string) {
	if t.cfg.Sink != nil {
		t.cfg.Sink.Write(msg)
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
