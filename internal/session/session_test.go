package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/drostage/internal/display"
	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/sim"
	"github.com/shaunagostinho/drostage/internal/telemetry"
	"github.com/shaunagostinho/drostage/internal/transport"
)

type statusSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *statusSink) UpdateText(float64, float64)                 {}
func (s *statusSink) UpdatePlot(float64, float64, display.Bounds) {}
func (s *statusSink) Write(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, msg)
}

func (s *statusSink) has(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l == msg {
			return true
		}
	}
	return false
}

func (s *statusSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newSimSession(sink display.Sink) *Session {
	return New(Settings{
		PortName: "sim",
		BaudRate: 9600,
		Timeout:  5 * time.Millisecond,
		Open:     sim.Open,
	}, sink)
}

func waitFinish(t *testing.T, s *Session, seq int) telemetry.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := s.Log().Latest(); ok && r.State == protocol.Finish && r.Seq == seq {
			return r
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no Finish record for move %d", seq)
	return telemetry.Record{}
}

func TestSessionMoveLifecycle(t *testing.T) {
	sink := &statusSink{}
	s := newSimSession(sink)
	ctx := context.Background()

	if err := s.Dispatch(ctx, Connect{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if s.State() != transport.Connected {
		t.Fatalf("State() = %v", s.State())
	}
	if !sink.has("connect router") {
		t.Error("missing connect status line")
	}
	if err := s.Dispatch(ctx, Connect{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect = %v", err)
	}

	if err := s.Dispatch(ctx, Move{Direction: protocol.Plus, Speed: protocol.High, DistanceMM: 0.5}); err != nil {
		t.Fatalf("move: %v", err)
	}
	first := waitFinish(t, s, 1)
	if first.Pulse != 50 {
		t.Errorf("finish pulse = %v, want 50", first.Pulse)
	}

	if err := s.Dispatch(ctx, Move{Direction: protocol.Minus, Speed: protocol.High, DistanceMM: 0.25}); err != nil {
		t.Fatalf("move: %v", err)
	}
	second := waitFinish(t, s, 2)
	if second.Pulse != 25 {
		t.Errorf("finish pulse = %v, want 25", second.Pulse)
	}
	if s.Seq() != 2 {
		t.Errorf("Seq() = %d, want 2", s.Seq())
	}

	finishes := 0
	for _, r := range s.Records() {
		if r.State == protocol.Finish {
			finishes++
		}
	}
	if finishes != 2 {
		t.Errorf("got %d Finish records, want 2", finishes)
	}
}

func TestSessionBacklogKeepsConnection(t *testing.T) {
	sink := &statusSink{}
	s := newSimSession(sink)
	ctx := context.Background()

	if err := s.Dispatch(ctx, Connect{}); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 20; i++ {
		if err := s.Dispatch(ctx, Move{Direction: protocol.Plus, Speed: protocol.Low, DistanceMM: 99}); err != nil {
			t.Fatalf("move %d: %v", i+1, err)
		}
	}
	// One queued command is written per loop pass, so 20 passes at a 5ms
	// read timeout hand every move to the device well within this window.
	time.Sleep(400 * time.Millisecond)

	if s.State() != transport.Connected {
		t.Errorf("State() = %v after backlog, lines=%v", s.State(), sink.snapshot())
	}
	for _, l := range sink.snapshot() {
		if strings.HasPrefix(l, "connection lost") {
			t.Errorf("unexpected status line %q", l)
		}
	}
	if s.Seq() != 20 {
		t.Errorf("Seq() = %d, want 20", s.Seq())
	}
}

// closedLink reports Connected but refuses commands, as a transport does
// when its loop exits between the state check and the send.
type closedLink struct{ sent int }

func (l *closedLink) Send(string) error {
	l.sent++
	return transport.ErrClosed
}
func (l *closedLink) State() transport.State { return transport.Connected }
func (l *closedLink) Disconnect()            {}

func TestSessionFailedSendKeepsSeq(t *testing.T) {
	sink := &statusSink{}
	s := newSimSession(sink)
	l := &closedLink{}
	s.tr = l

	err := s.Dispatch(context.Background(), Move{Direction: protocol.Plus, Speed: protocol.High, DistanceMM: 1})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("move = %v, want ErrNotConnected", err)
	}
	if l.sent != 1 {
		t.Errorf("Send called %d times", l.sent)
	}
	if s.Seq() != 0 {
		t.Errorf("Seq() = %d after failed send, want 0", s.Seq())
	}
	if !sink.has("not connected") {
		t.Errorf("lines = %v", sink.snapshot())
	}
}

func TestSessionMoveRejectedBeforeSend(t *testing.T) {
	sink := &statusSink{}
	s := newSimSession(sink)
	ctx := context.Background()

	err := s.Dispatch(ctx, Move{Direction: protocol.Plus, Speed: protocol.Low, DistanceMM: 100})
	if !errors.Is(err, protocol.ErrOutOfRange) {
		t.Fatalf("move = %v, want ErrOutOfRange", err)
	}
	if err := s.Dispatch(ctx, Move{Direction: protocol.Plus, Speed: protocol.Low, DistanceMM: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("move while disconnected = %v", err)
	}
	if s.Seq() != 0 {
		t.Errorf("rejected moves advanced Seq() to %d", s.Seq())
	}
}

func TestSessionDisconnectAndReconnect(t *testing.T) {
	sink := &statusSink{}
	s := newSimSession(sink)
	ctx := context.Background()

	if err := s.Dispatch(ctx, Connect{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Dispatch(ctx, Move{Direction: protocol.Plus, Speed: protocol.High, DistanceMM: 0.25}); err != nil {
		t.Fatal(err)
	}
	waitFinish(t, s, 1)

	if err := s.Dispatch(ctx, Disconnect{}); err != nil {
		t.Fatal(err)
	}
	if s.State() != transport.Disconnected || !sink.has("disconnect router") {
		t.Errorf("after disconnect: state=%v lines=%v", s.State(), sink.lines)
	}
	if err := s.Dispatch(ctx, Disconnect{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second disconnect = %v", err)
	}

	if err := s.Dispatch(ctx, Connect{Port: "sim2"}); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Log().Len() != 1 {
		t.Errorf("log has %d records after reconnect, want history kept", s.Log().Len())
	}
}

func TestSessionConnectFailure(t *testing.T) {
	sink := &statusSink{}
	s := New(Settings{
		PortName: "/dev/ttyNOPE",
		Timeout:  5 * time.Millisecond,
		Open: func(string, int, time.Duration) (transport.Port, error) {
			return nil, errors.New("device busy")
		},
	}, sink)

	var states []transport.State
	s.OnState = func(st transport.State) { states = append(states, st) }

	err := s.Dispatch(context.Background(), Connect{})
	if !errors.Is(err, transport.ErrPortOpen) {
		t.Fatalf("connect = %v, want ErrPortOpen", err)
	}
	if s.State() != transport.Disconnected {
		t.Errorf("State() = %v", s.State())
	}
	if !sink.has("Can't open port") {
		t.Error("missing open failure status line")
	}
	if len(states) != 2 || states[0] != transport.Connecting || states[1] != transport.Failed {
		t.Errorf("states = %v", states)
	}
}

func TestSessionHome(t *testing.T) {
	s := newSimSession(nil)
	if err := s.Dispatch(context.Background(), Home{}); !errors.Is(err, ErrHomingUnsupported) {
		t.Errorf("home = %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{`{"action":"connect","port":"/dev/ttyACM0"}`, Connect{Port: "/dev/ttyACM0"}, false},
		{`{"action":"disconnect"}`, Disconnect{}, false},
		{`{"action":"move","direction":"-","speed":"low","distance":0.5}`,
			Move{Direction: protocol.Minus, Speed: protocol.Low, DistanceMM: 0.5}, false},
		{`{"action":"Home"}`, Home{}, false},
		{`{"action":"move","direction":"sideways","speed":"low","distance":1}`, nil, true},
		{`{"action":"move","direction":"+","speed":"ludicrous","distance":1}`, nil, true},
		{`{"action":"dance"}`, nil, true},
		{`not json`, nil, true},
	}
	for _, tt := range tests {
		got, err := ParseCommand([]byte(tt.in))
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCommand(%s) should fail, got %#v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCommand(%s): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
