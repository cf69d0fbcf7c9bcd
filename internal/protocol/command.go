package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Direction of travel for a move command.
type Direction int

const (
	Plus Direction = iota
	Minus
)

func (d Direction) sign() byte {
	if d == Minus {
		return '-'
	}
	return '+'
}

func (d Direction) String() string { return string(d.sign()) }

// ParseDirection accepts "+", "plus", "-" or "minus".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "plus":
		return Plus, nil
	case "-", "minus":
		return Minus, nil
	}
	return Plus, fmt.Errorf("protocol: unknown direction %q", s)
}

// Speed is the firmware speed category. Lower codes are faster.
type Speed int

const (
	High Speed = iota
	Middle
	Low
)

// Code returns the two-character speed field of a move command, or "" for
// an unknown speed.
func (s Speed) Code() string {
	switch s {
	case High:
		return "00"
	case Middle:
		return "50"
	case Low:
		return "90"
	}
	return ""
}

func (s Speed) String() string {
	switch s {
	case High:
		return "High"
	case Middle:
		return "Middle"
	case Low:
		return "Low"
	}
	return fmt.Sprintf("Speed(%d)", int(s))
}

// ParseSpeed accepts the category names, case-insensitively.
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "middle", "mid", "medium":
		return Middle, nil
	case "low":
		return Low, nil
	}
	return Low, fmt.Errorf("protocol: unknown speed %q", s)
}

// Move command limits, in millimetres and in the 4-digit wire field.
const (
	MaxDistanceMM = 99.0
	maxDistance4  = 9999
)

var (
	// ErrOutOfRange rejects distances outside [0, MaxDistanceMM].
	ErrOutOfRange = errors.New("distance out of range")
	// ErrOverflow rejects distances that do not fit the 4-digit field.
	ErrOverflow = errors.New("distance overflows command field")
	// ErrUnknownDirection and ErrUnknownSpeed reject values outside the enums.
	ErrUnknownDirection = errors.New("unknown direction")
	ErrUnknownSpeed     = errors.New("unknown speed")
)

// EncodeMove builds the move command "L<sign><speed2><distance4>#", where
// distance4 is the distance in hundredths of a millimetre, zero padded.
func EncodeMove(dir Direction, speed Speed, distanceMM float64) (string, error) {
	if dir != Plus && dir != Minus {
		return "", fmt.Errorf("protocol: %w: %d", ErrUnknownDirection, int(dir))
	}
	if speed.Code() == "" {
		return "", fmt.Errorf("protocol: %w: %v", ErrUnknownSpeed, speed)
	}
	if math.IsNaN(distanceMM) || distanceMM < 0 || distanceMM > MaxDistanceMM {
		return "", fmt.Errorf("protocol: %w: %v mm (allowed 0..%v)", ErrOutOfRange, distanceMM, MaxDistanceMM)
	}
	units := int(math.Round(distanceMM * 100))
	if units > maxDistance4 {
		return "", fmt.Errorf("protocol: %w: %d", ErrOverflow, units)
	}
	return fmt.Sprintf("L%c%s%04d#", dir.sign(), speed.Code(), units), nil
}
