package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Terminator ends every device frame.
const Terminator = '!'

// MaxFrameLen bounds the bytes buffered for one frame. Longer input is
// dropped up to the next terminator.
const MaxFrameLen = 256

// Kind is the telemetry verb carried by a frame.
type Kind int

const (
	// Moving is reported repeatedly while the stage is in motion ("RR").
	Moving Kind = iota
	// Finish is reported once when a move completes ("RF").
	Finish
)

func (k Kind) String() string {
	switch k {
	case Moving:
		return "Moving"
	case Finish:
		return "Finish"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText lets Kind appear as its name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is one decoded telemetry frame.
type Event struct {
	Kind  Kind
	Pulse float64 // motor pulse position
	DRO   float64 // readout position, hundredths of a millimetre
}

var (
	// ErrUnknownVerb means the frame did not start with RR or RF.
	ErrUnknownVerb = errors.New("unknown frame verb")
	// ErrBadFields means the payload was not two numeric fields separated by ';'.
	ErrBadFields = errors.New("malformed frame fields")
	// ErrFrameTooLong means no terminator arrived within MaxFrameLen bytes.
	ErrFrameTooLong = errors.New("frame too long")
)

// FrameError describes a dropped frame. It never escapes Parse; it is only
// handed to the OnDrop hook.
type FrameError struct {
	Frame string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: drop frame %q: %v", e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Parser is an incremental decoder for the '!'-terminated device stream.
// Input may arrive in chunks of any size; partial frames are carried over
// between calls. A Parser is not safe for concurrent use.
type Parser struct {
	buf      []byte
	dropped  int
	skipping bool // discarding an overlong frame

	// OnDrop, if set, is called for every discarded frame.
	OnDrop func(*FrameError)
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 64)}
}

// Parse consumes p and returns the events completed by it, in order.
// Malformed frames are dropped silently.
func (p *Parser) Parse(data []byte) []Event {
	var events []Event
	for _, b := range data {
		if p.skipping {
			if b == Terminator {
				p.skipping = false
			}
			continue
		}
		if b != Terminator {
			if len(p.buf) == MaxFrameLen {
				p.drop(&FrameError{Frame: string(p.buf[:16]) + "...", Err: ErrFrameTooLong})
				p.buf = p.buf[:0]
				p.skipping = true
				continue
			}
			p.buf = append(p.buf, b)
			continue
		}
		ev, err := decodeFrame(p.buf)
		if err != nil {
			p.drop(&FrameError{Frame: string(p.buf), Err: err})
		} else {
			events = append(events, ev)
		}
		p.buf = p.buf[:0]
	}
	return events
}

func (p *Parser) drop(fe *FrameError) {
	p.dropped++
	if p.OnDrop != nil {
		p.OnDrop(fe)
	}
}

// Dropped returns the number of frames discarded so far.
func (p *Parser) Dropped() int { return p.dropped }

// Pending returns the bytes of the frame currently being accumulated.
func (p *Parser) Pending() string { return string(p.buf) }

// Reset discards any partial frame.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.skipping = false
}

func decodeFrame(frame []byte) (Event, error) {
	if len(frame) < 2 || frame[0] != 'R' {
		return Event{}, ErrUnknownVerb
	}

	var ev Event
	switch frame[1] {
	case 'R':
		ev.Kind = Moving
	case 'F':
		ev.Kind = Finish
	default:
		return Event{}, ErrUnknownVerb
	}

	fields := strings.Split(string(frame[2:]), ";")
	if len(fields) != 2 {
		return Event{}, fmt.Errorf("%w: want 2 fields, got %d", ErrBadFields, len(fields))
	}
	pulse, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: pulse: %v", ErrBadFields, err)
	}
	dro, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: dro: %v", ErrBadFields, err)
	}
	if math.IsNaN(pulse) || math.IsInf(pulse, 0) || math.IsNaN(dro) || math.IsInf(dro, 0) {
		return Event{}, fmt.Errorf("%w: non-finite value", ErrBadFields)
	}
	ev.Pulse = pulse
	ev.DRO = dro
	return ev, nil
}
