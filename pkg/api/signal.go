package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openrover/teleop/pkg/config"
)

// SignalMarker is the type value of all the signal envelopes.
const SignalMarker = "webrtc-signal"

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice-candidate"
	SignalRequestVideo SignalType = "request_video"
	SignalSessionEnd   SignalType = "session-end"
	SignalError        SignalType = "error"
	SignalConnected    SignalType = "connected"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalIceCandidate, SignalRequestVideo,
		SignalSessionEnd, SignalError, SignalConnected:
		return true
	}
	return false
}

// Signal is the envelope of a WebRTC negotiation message.
// Data is kept raw so the relayed payload stays as the sender wrote it.
type Signal struct {
	Type       string          `json:"type"`
	SignalType SignalType      `json:"signalType"`
	SessionId  string          `json:"sessionId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

var ErrUnknownSignal = errors.New("unknown signal type")

// parseSignal returns ok when the frame is meant to be a signal
// and err when the signal itself is broken.
func parseSignal(raw []byte) (s Signal, ok bool, err error) {
	if json.Unmarshal(raw, &s) != nil || s.Type != SignalMarker {
		return s, false, nil
	}
	if !s.SignalType.Valid() {
		return s, true, fmt.Errorf("%w: %q", ErrUnknownSignal, s.SignalType)
	}
	return s, true, nil
}

// NewSignal makes an envelope with the data encoded as JSON.
// Raw JSON data is used as is.
func NewSignal(t SignalType, sessionId string, data any) (Signal, error) {
	s := Signal{Type: SignalMarker, SignalType: t, SessionId: sessionId}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		s.Data = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return s, err
		}
		s.Data = b
	}
	return s, nil
}

func (s Signal) Bytes() ([]byte, error) { return json.Marshal(s) }

// WithSession returns a copy of the envelope with another session id.
func (s Signal) WithSession(id string) Signal { s.SessionId = id; return s }

func (s Signal) String() string { return fmt.Sprintf("%v[%v]", s.SignalType, s.SessionId) }

// ErrorSignal makes an error envelope with the message, it can't fail.
func ErrorSignal(sessionId string, message string) Signal {
	s, _ := NewSignal(SignalError, sessionId, ErrorData{Message: message})
	return s
}

type SessionDescription struct {
	Sdp  string `json:"sdp"`
	Type string `json:"type"`
}

func (d SessionDescription) Validate() error {
	if strings.TrimSpace(d.Sdp) == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	if d.Type != "" && d.Type != "offer" && d.Type != "answer" {
		return fmt.Errorf("%w: sdp type %q", ErrMalformed, d.Type)
	}
	return nil
}

type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SdpMid        *string `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (c IceCandidate) Validate() error {
	if c.Candidate != "" && !strings.HasPrefix(c.Candidate, "candidate:") {
		return fmt.Errorf("%w: candidate %q", ErrMalformed, c.Candidate)
	}
	return nil
}

type ErrorData struct {
	Message string `json:"message"`
}

type SessionEndData struct {
	Reason string `json:"reason,omitempty"`
}

// ICEConfiguration is the peer connection config handed out to both peers.
type ICEConfiguration struct {
	IceServers           []config.IceServer `json:"iceServers"`
	IceCandidatePoolSize uint8              `json:"iceCandidatePoolSize"`
	BundlePolicy         string             `json:"bundlePolicy"`
	RtcpMuxPolicy        string             `json:"rtcpMuxPolicy"`
}

type validator interface{ Validate() error }

// Unwrap decodes the data of a signal, the data is validated when
// the type knows how to do it.
func Unwrap[T any](s Signal) (T, error) {
	var out T
	if len(s.Data) == 0 {
		return out, fmt.Errorf("%w: no data in %v", ErrMalformed, s)
	}
	if err := json.Unmarshal(s.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return out, err
		}
	}
	return out, nil
}
