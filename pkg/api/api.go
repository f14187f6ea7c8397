// Package api defines the frames exchanged over the signaling socket.
//
// There are two kinds of text frames:
//
//	legacy   - KIND!payload, i.e. REGISTER!ROBOT or COMMAND!{"leftStickValue":...};
//	signal   - a JSON envelope {"type":"webrtc-signal","signalType":...,"sessionId":...,"data":...}.
//
// Legacy frames carry registration, motor commands and telemetry and are relayed
// verbatim between the two roles. Signal envelopes carry WebRTC negotiation
// messages of a session. Parse classifies a raw frame into one of
// LegacyFrame, Signal or Malformed before anything else happens with it.
package api

import (
	"bytes"
	"errors"
	"strings"
)

type Role string

const (
	RoleController Role = "CONTROLLER"
	RoleRobot      Role = "ROBOT"
)

func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

func (r Role) Valid() bool { return r == RoleController || r == RoleRobot }

// Opposite returns the role a frame of this role is relayed to.
func (r Role) Opposite() Role {
	switch r {
	case RoleController:
		return RoleRobot
	case RoleRobot:
		return RoleController
	}
	return ""
}

func (r Role) String() string { return string(r) }

// Separator splits the kind and the payload of a legacy frame.
const Separator = "!"

type Kind string

const (
	KindRegister       Kind = "REGISTER"
	KindRegistered     Kind = "REGISTERED"
	KindCommand        Kind = "COMMAND"
	KindTelemetry      Kind = "TELEMETRY"
	KindError          Kind = "ERROR"
	KindServerShutdown Kind = "SERVER_SHUTDOWN"
)

// Error payloads
const (
	TargetDisconnected = "TARGET_DISCONNECTED"
	NotRegistered      = "NOT_REGISTERED"
	Forbidden          = "FORBIDDEN"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrMalformed = errors.New("malformed")
)

type Frame interface{ frame() }

// LegacyFrame is a KIND!payload frame, Raw is kept for verbatim relaying.
type LegacyFrame struct {
	Kind    Kind
	Payload string
	Raw     []byte
}

// Malformed is a frame that can't be processed.
type Malformed struct {
	Raw []byte
	Err error
}

func (LegacyFrame) frame() {}
func (Signal) frame()      {}
func (Malformed) frame()   {}

// Parse classifies a raw frame. A frame is a signal only if it is
// a JSON object with the signal marker type, any other text is legacy.
func Parse(raw []byte) Frame {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Malformed{Raw: raw, Err: ErrMalformed}
	}
	if trimmed[0] == '{' {
		if s, ok, err := parseSignal(trimmed); ok {
			if err != nil {
				return Malformed{Raw: raw, Err: err}
			}
			return s
		}
	}
	return parseLegacy(raw)
}

func parseLegacy(raw []byte) Frame {
	kind, payload, _ := strings.Cut(string(raw), Separator)
	if kind == "" {
		return Malformed{Raw: raw, Err: ErrMalformed}
	}
	return LegacyFrame{Kind: Kind(kind), Payload: payload, Raw: raw}
}

func legacy(kind Kind, parts ...string) []byte {
	b := []byte(kind)
	for _, p := range parts {
		b = append(b, Separator...)
		b = append(b, p...)
	}
	return b
}

func RegisterFrame(role Role) []byte   { return legacy(KindRegister, role.String()) }
func RegisteredFrame(role Role) []byte { return legacy(KindRegistered, role.String()) }
func ServerShutdownFrame() []byte      { return legacy(KindServerShutdown) }
func NotRegisteredFrame() []byte       { return legacy(KindError, NotRegistered) }

// TargetDisconnectedFrame tells the sender that the role it tried to reach is absent.
func TargetDisconnectedFrame(missing Role) []byte {
	return legacy(KindError, TargetDisconnected, missing.String())
}

// ForbiddenFrame tells the sender that it can't send frames of the kind.
func ForbiddenFrame(kind Kind) []byte { return legacy(KindError, Forbidden, string(kind)) }
