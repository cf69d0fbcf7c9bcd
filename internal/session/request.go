package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaunagostinho/drostage/internal/protocol"
)

// Request is the JSON form of a Command, as sent by the dashboard:
//
//	{"action":"move","direction":"+","speed":"low","distance":0.5}
type Request struct {
	Action    string  `json:"action"`
	Port      string  `json:"port,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Speed     string  `json:"speed,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
}

// Command converts the request into its Command.
func (r Request) Command() (Command, error) {
	switch strings.ToLower(r.Action) {
	case "connect":
		return Connect{Port: r.Port}, nil
	case "disconnect":
		return Disconnect{}, nil
	case "move":
		dir, err := protocol.ParseDirection(r.Direction)
		if err != nil {
			return nil, err
		}
		speed, err := protocol.ParseSpeed(r.Speed)
		if err != nil {
			return nil, err
		}
		return Move{Direction: dir, Speed: speed, DistanceMM: r.Distance}, nil
	case "home":
		return Home{}, nil
	}
	return nil, fmt.Errorf("session: unknown action %q", r.Action)
}

// ParseCommand decodes a JSON request into a Command.
func ParseCommand(data []byte) (Command, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("session: decode request: %w", err)
	}
	return r.Command()
}
