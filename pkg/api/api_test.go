package api

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
		kind Kind
		sig  SignalType
	}{
		{name: "register", raw: "REGISTER!ROBOT", want: LegacyFrame{}, kind: KindRegister},
		{name: "command", raw: `COMMAND!{"leftStickValue":{"x":0,"y":1}}`, want: LegacyFrame{}, kind: KindCommand},
		{name: "no payload", raw: "SERVER_SHUTDOWN", want: LegacyFrame{}, kind: KindServerShutdown},
		{name: "unknown kind", raw: "PING!1", want: LegacyFrame{}, kind: "PING"},
		{name: "json but not a signal", raw: `{"type":"chat","text":"hi"}`, want: LegacyFrame{}, kind: `{"type":"chat","text":"hi"}`},
		{name: "broken json", raw: `{"type":"webrtc-signal"`, want: LegacyFrame{}, kind: `{"type":"webrtc-signal"`},
		{name: "offer", raw: `{"type":"webrtc-signal","signalType":"offer","sessionId":"s1","data":{"sdp":"v=0","type":"offer"}}`, want: Signal{}, sig: SignalOffer},
		{name: "request video", raw: ` {"type":"webrtc-signal","signalType":"request_video"}`, want: Signal{}, sig: SignalRequestVideo},
		{name: "unknown signal", raw: `{"type":"webrtc-signal","signalType":"bye"}`, want: Malformed{}},
		{name: "empty", raw: "  ", want: Malformed{}},
		{name: "empty kind", raw: "!x", want: Malformed{}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			switch f := Parse([]byte(test.raw)).(type) {
			case LegacyFrame:
				if _, ok := test.want.(LegacyFrame); !ok {
					t.Fatalf("unexpected legacy frame %+v", f)
				}
				if f.Kind != test.kind {
					t.Errorf("expected kind %v, got %v", test.kind, f.Kind)
				}
				if string(f.Raw) != test.raw {
					t.Errorf("raw frame was changed: %q", f.Raw)
				}
			case Signal:
				if _, ok := test.want.(Signal); !ok {
					t.Fatalf("unexpected signal %+v", f)
				}
				if f.SignalType != test.sig {
					t.Errorf("expected signal %v, got %v", test.sig, f.SignalType)
				}
			case Malformed:
				if _, ok := test.want.(Malformed); !ok {
					t.Fatalf("unexpected malformed frame %v", f.Err)
				}
			default:
				t.Fatalf("unexpected frame type %T", f)
			}
		})
	}
}

func TestLegacyBuilders(t *testing.T) {
	tests := []struct{ got, want string }{
		{string(RegisterFrame(RoleRobot)), "REGISTER!ROBOT"},
		{string(RegisteredFrame(RoleController)), "REGISTERED!CONTROLLER"},
		{string(TargetDisconnectedFrame(RoleRobot)), "ERROR!TARGET_DISCONNECTED!ROBOT"},
		{string(NotRegisteredFrame()), "ERROR!NOT_REGISTERED"},
		{string(ServerShutdownFrame()), "SERVER_SHUTDOWN"},
		{string(ForbiddenFrame(KindCommand)), "ERROR!FORBIDDEN!COMMAND"},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("expected %v, got %v", test.want, test.got)
		}
	}
}

func TestRoles(t *testing.T) {
	if r, ok := ParseRole(" robot"); !ok || r != RoleRobot {
		t.Errorf("robot role wasn't parsed: %v", r)
	}
	if _, ok := ParseRole("PILOT"); ok {
		t.Errorf("unknown role was accepted")
	}
	if RoleRobot.Opposite() != RoleController || RoleController.Opposite() != RoleRobot {
		t.Errorf("wrong opposite roles")
	}
}

func TestSignalData(t *testing.T) {
	const sdp = "v=0\r\no=- 46117317 2 IN IP4 127.0.0.1\r\ns=-\r\n"
	s, err := NewSignal(SignalOffer, "s1", SessionDescription{Sdp: sdp, Type: "offer"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := Parse(b).(Signal)
	if !ok {
		t.Fatalf("not a signal: %s", b)
	}
	if parsed.SessionId != "s1" {
		t.Errorf("wrong session %v", parsed.SessionId)
	}
	d, err := Unwrap[SessionDescription](parsed)
	if err != nil {
		t.Fatal(err)
	}
	if d.Sdp != sdp {
		t.Errorf("sdp was changed: %q", d.Sdp)
	}

	bad := []Signal{
		{Type: SignalMarker, SignalType: SignalAnswer},
		{Type: SignalMarker, SignalType: SignalAnswer, Data: []byte(`"text"`)},
		{Type: SignalMarker, SignalType: SignalAnswer, Data: []byte(`{"sdp":"","type":"answer"}`)},
		{Type: SignalMarker, SignalType: SignalAnswer, Data: []byte(`{"sdp":"v=0","type":"pranswer"}`)},
	}
	for _, s := range bad {
		if _, err := Unwrap[SessionDescription](s); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected malformed error for %s, got %v", s.Data, err)
		}
	}

	ice := Signal{Data: []byte(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)}
	c, err := Unwrap[IceCandidate](ice)
	if err != nil {
		t.Fatal(err)
	}
	if c.SdpMid == nil || *c.SdpMid != "0" || c.SdpMLineIndex == nil || *c.SdpMLineIndex != 0 {
		t.Errorf("wrong candidate %+v", c)
	}
	if _, err = Unwrap[IceCandidate](Signal{Data: []byte(`{"candidate":"garbage"}`)}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed candidate, got %v", err)
	}
}

func TestErrorSignal(t *testing.T) {
	b, _ := ErrorSignal("", "Robot not connected").Bytes()
	want := `{"type":"webrtc-signal","signalType":"error","data":{"message":"Robot not connected"}}`
	if string(b) != want {
		t.Errorf("expected %v, got %s", want, b)
	}
}

func TestCommand(t *testing.T) {
	c, err := ParseCommand(`{"leftStickValue":{"x":0,"y":1},"rightStickValue":{"x":0.5,"y":0},"cameraAngle":-30}`)
	if err != nil {
		t.Fatal(err)
	}
	if c.LeftStick.Y != 1 || c.RightStick.X != 0.5 || c.CameraAngle != -30 {
		t.Errorf("wrong command %+v", c)
	}
	if _, err = ParseCommand("nope"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed command, got %v", err)
	}
	frame, _ := CommandFrame(c)
	if f, ok := Parse(frame).(LegacyFrame); !ok || f.Kind != KindCommand {
		t.Errorf("command frame isn't legacy: %s", frame)
	}
}
