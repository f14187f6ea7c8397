package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is a normalized operator input, stick axes are in [-1, 1]
// and the camera angle is in degrees.
type Command struct {
	LeftStick   Vec2    `json:"leftStickValue"`
	RightStick  Vec2    `json:"rightStickValue"`
	CameraAngle float64 `json:"cameraAngle"`
}

func ParseCommand(payload string) (c Command, err error) {
	if err = json.Unmarshal([]byte(payload), &c); err != nil {
		err = fmt.Errorf("%w: command: %v", ErrMalformed, err)
	}
	return
}

func CommandFrame(c Command) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return legacy(KindCommand, string(b)), nil
}

// TelemetryFrame encodes any value as the telemetry payload.
func TelemetryFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return legacy(KindTelemetry, string(b)), nil
}
