package protocol

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeMove(t *testing.T) {
	tests := []struct {
		name     string
		dir      Direction
		speed    Speed
		distance float64
		want     string
		wantErr  error
	}{
		{"minus low half mm", Minus, Low, 0.5, "L-900050#", nil},
		{"plus high max", Plus, High, 99, "L+009900#", nil},
		{"middle", Plus, Middle, 12.34, "L+501234#", nil},
		{"zero", Minus, High, 0, "L-000000#", nil},
		{"half rounds away from zero", Plus, Low, 0.125, "L+900013#", nil},
		{"float artefact rounds up", Plus, Low, 0.29, "L+900029#", nil},
		{"too far", Plus, High, 100, "", ErrOutOfRange},
		{"just over", Minus, Low, 99.001, "", ErrOutOfRange},
		{"negative", Minus, Low, -1, "", ErrOutOfRange},
		{"nan", Plus, Low, math.NaN(), "", ErrOutOfRange},
		{"unknown speed", Plus, Speed(7), 1, "", ErrUnknownSpeed},
		{"negative speed", Minus, Speed(-1), 1, "", ErrUnknownSpeed},
		{"unknown direction", Direction(5), Low, 1, "", ErrUnknownDirection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeMove(tt.dir, tt.speed, tt.distance)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("EncodeMove() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeMove() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeMove() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSpeedAndDirection(t *testing.T) {
	speeds := map[string]Speed{"High": High, "middle": Middle, "LOW": Low}
	for in, want := range speeds {
		got, err := ParseSpeed(in)
		if err != nil || got != want {
			t.Errorf("ParseSpeed(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSpeed("warp"); err == nil {
		t.Error("ParseSpeed(warp) should fail")
	}

	dirs := map[string]Direction{"+": Plus, "plus": Plus, "-": Minus, "Minus": Minus}
	for in, want := range dirs {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDirection("up"); err == nil {
		t.Error("ParseDirection(up) should fail")
	}
}

func TestSpeedCode(t *testing.T) {
	codes := map[Speed]string{High: "00", Middle: "50", Low: "90", Speed(7): ""}
	for sp, want := range codes {
		if got := sp.Code(); got != want {
			t.Errorf("%v.Code() = %q, want %q", sp, got, want)
		}
	}
}
