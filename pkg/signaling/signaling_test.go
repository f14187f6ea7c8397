package signaling

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
	"github.com/openrover/teleop/pkg/turn"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeConn) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

// take returns and forgets the received frames.
func (f *fakeConn) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr := f.frames
	f.frames = nil
	return fr
}

func (f *fakeConn) isClosed() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.closed }

type fakeRelay struct{}

func (fakeRelay) GetICEConfiguration() api.ICEConfiguration {
	return api.ICEConfiguration{
		IceServers:           []config.IceServer{{Urls: "stun:stun.l.google.com:19302"}},
		IceCandidatePoolSize: 10,
		BundlePolicy:         "max-bundle",
		RtcpMuxPolicy:        "require",
	}
}

func (fakeRelay) Status() turn.Status { return turn.Status{} }

type testHub struct {
	*Hub
	t   *testing.T
	now time.Time
}

func newTestHub(t *testing.T) *testHub {
	log := logger.Nop()
	reg := NewRegistry(ReplaceExisting)
	sessions := NewSessionManager(reg, fakeRelay{}.GetICEConfiguration, 5*time.Minute, nil, log)
	th := &testHub{Hub: NewHub(reg, sessions, fakeRelay{}, "", nil, log), t: t, now: time.Unix(1000, 0)}
	sessions.now = func() time.Time { return th.now }
	n := 0
	sessions.newId = func() string { n++; return "gen" + string(rune('0'+n)) }
	return th
}

func (th *testHub) connect(role api.Role) (*Client, *fakeConn) {
	conn := &fakeConn{}
	c := th.Connect(network.NewUid(), conn)
	if role != "" {
		th.send(c, "REGISTER!"+role.String())
		if fr := conn.take(); len(fr) != 1 || fr[0] != "REGISTERED!"+role.String() {
			th.t.Fatalf("registration failed: %v", fr)
		}
	}
	return c, conn
}

func (th *testHub) send(c *Client, frame string) { th.HandleMessage(c, []byte(frame)) }

func (th *testHub) signal(c *Client, t api.SignalType, sid string, data any) {
	s, err := api.NewSignal(t, sid, data)
	if err != nil {
		th.t.Fatal(err)
	}
	b, _ := s.Bytes()
	th.HandleMessage(c, b)
}

func decode(t *testing.T, frame string) api.Signal {
	t.Helper()
	s, ok := api.Parse([]byte(frame)).(api.Signal)
	if !ok {
		t.Fatalf("not a signal: %v", frame)
	}
	return s
}

func one(t *testing.T, frames []string) string {
	t.Helper()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", frames)
	}
	return frames[0]
}

const offerSdp = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"

func TestRegistrationEviction(t *testing.T) {
	th := newTestHub(t)
	first, firstConn := th.connect(api.RoleRobot)
	second, _ := th.connect(api.RoleRobot)
	_, ctrlConn := th.connect(api.RoleController)

	if robot, _ := th.reg.Get(api.RoleRobot); robot != second {
		t.Fatalf("expected the latest robot registered")
	}
	if !firstConn.isClosed() {
		t.Errorf("evicted connection should be closed")
	}

	// the evicted robot can't reach the controller anymore
	th.send(first, `TELEMETRY!{"battery":12}`)
	if fr := ctrlConn.take(); len(fr) != 0 {
		t.Errorf("evicted client frames were relayed: %v", fr)
	}
	th.send(second, `TELEMETRY!{"battery":11}`)
	if fr := one(t, ctrlConn.take()); fr != `TELEMETRY!{"battery":11}` {
		t.Errorf("unexpected telemetry %v", fr)
	}

	// a disconnect of the evicted one doesn't unregister the current robot
	th.Disconnect(first)
	if !th.reg.IsConnected(api.RoleRobot) {
		t.Errorf("robot was unregistered by an evicted connection")
	}
}

func TestRegistrationErrors(t *testing.T) {
	th := newTestHub(t)

	c, conn := th.connect("")
	th.send(c, "COMMAND!{}")
	if fr := one(t, conn.take()); fr != "ERROR!NOT_REGISTERED" {
		t.Errorf("expected not registered error, got %v", fr)
	}

	th.send(c, "REGISTER!PILOT")
	if !conn.isClosed() {
		t.Errorf("connection with an unknown role should be closed")
	}

	robot, robotConn := th.connect(api.RoleRobot)
	th.send(robot, "REGISTER!ROBOT")
	if fr := one(t, robotConn.take()); fr != "REGISTERED!ROBOT" {
		t.Errorf("re-registration should be acked, got %v", fr)
	}
	th.send(robot, "REGISTER!CONTROLLER")
	if fr := one(t, robotConn.take()); fr != "ERROR!FORBIDDEN!REGISTER" {
		t.Errorf("role change should be forbidden, got %v", fr)
	}
	if th.reg.IsConnected(api.RoleController) {
		t.Errorf("robot took the controller role")
	}
}

func TestRouting(t *testing.T) {
	th := newTestHub(t)
	ctrl, ctrlConn := th.connect(api.RoleController)

	const cmd = `COMMAND!{"leftStickValue":{"x":0,"y":1},"rightStickValue":{"x":0,"y":0},"cameraAngle":0}`
	th.send(ctrl, cmd)
	if fr := one(t, ctrlConn.take()); fr != "ERROR!TARGET_DISCONNECTED!ROBOT" {
		t.Errorf("expected target disconnected, got %v", fr)
	}

	robot, robotConn := th.connect(api.RoleRobot)
	th.send(ctrl, cmd)
	if fr := one(t, robotConn.take()); fr != cmd {
		t.Errorf("command wasn't relayed verbatim: %v", fr)
	}

	th.send(robot, "COMMAND!{}")
	if fr := one(t, robotConn.take()); fr != "ERROR!FORBIDDEN!COMMAND" {
		t.Errorf("robot commands should be forbidden, got %v", fr)
	}
	th.send(ctrl, "TELEMETRY!{}")
	if fr := one(t, ctrlConn.take()); fr != "ERROR!FORBIDDEN!TELEMETRY" {
		t.Errorf("controller telemetry should be forbidden, got %v", fr)
	}

	th.send(robot, "PING!42")
	if fr := one(t, ctrlConn.take()); fr != "PING!42" {
		t.Errorf("other frames should pass, got %v", fr)
	}
	th.send(ctrl, "PING!43")
	if fr := one(t, robotConn.take()); fr != "PING!43" {
		t.Errorf("other frames should pass, got %v", fr)
	}
}

func TestRequestVideoWithoutRobot(t *testing.T) {
	th := newTestHub(t)
	ctrl, ctrlConn := th.connect(api.RoleController)

	th.signal(ctrl, api.SignalRequestVideo, "", nil)
	s := decode(t, one(t, ctrlConn.take()))
	if s.SignalType != api.SignalError {
		t.Fatalf("expected an error, got %v", s)
	}
	d, _ := api.Unwrap[api.ErrorData](s)
	if d.Message != "Robot not connected" {
		t.Errorf("unexpected message %q", d.Message)
	}
	if th.sessions.Active() != 0 || th.sessions.Total() != 0 {
		t.Errorf("no session should be created")
	}
}

func TestNegotiation(t *testing.T) {
	th := newTestHub(t)
	robot, robotConn := th.connect(api.RoleRobot)
	ctrl, ctrlConn := th.connect(api.RoleController)

	// request video
	th.signal(ctrl, api.SignalRequestVideo, "", nil)
	rq := decode(t, one(t, robotConn.take()))
	if rq.SignalType != api.SignalRequestVideo || rq.SessionId != "gen1" {
		t.Fatalf("unexpected request %v", rq)
	}
	ice, err := api.Unwrap[api.ICEConfiguration](rq)
	if err != nil || len(ice.IceServers) != 1 || ice.BundlePolicy != "max-bundle" {
		t.Errorf("request without ICE config: %+v, %v", ice, err)
	}
	if sess, _ := th.sessions.Get("gen1"); sess.State != StateCreated || sess.Initiator != api.RoleController {
		t.Errorf("unexpected session %+v", sess)
	}

	// offer
	th.signal(robot, api.SignalOffer, "gen1", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	offer := decode(t, one(t, ctrlConn.take()))
	d, _ := api.Unwrap[api.SessionDescription](offer)
	if offer.SessionId != "gen1" || d.Sdp != offerSdp {
		t.Errorf("offer was changed: %v %q", offer, d.Sdp)
	}

	// candidates trickle both ways
	th.signal(ctrl, api.SignalIceCandidate, "gen1", map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0"})
	if s := decode(t, one(t, robotConn.take())); s.SignalType != api.SignalIceCandidate {
		t.Errorf("candidate wasn't relayed to the robot: %v", s)
	}
	th.signal(robot, api.SignalIceCandidate, "gen1", map[string]any{"candidate": "candidate:2 1 udp 1 10.0.0.2 5000 typ host"})
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalIceCandidate {
		t.Errorf("candidate wasn't relayed to the controller: %v", s)
	}

	// answer
	th.signal(ctrl, api.SignalAnswer, "gen1", api.SessionDescription{Sdp: "v=0\r\n", Type: "answer"})
	if s := decode(t, one(t, robotConn.take())); s.SignalType != api.SignalAnswer || s.SessionId != "gen1" {
		t.Errorf("unexpected answer %v", s)
	}

	// connected
	th.now = th.now.Add(time.Second)
	th.signal(robot, api.SignalConnected, "gen1", nil)
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalConnected {
		t.Errorf("unexpected %v", s)
	}
	sess, _ := th.sessions.Get("gen1")
	if sess.State != StateConnected || sess.ConnectedAt != th.now {
		t.Errorf("unexpected session %+v", sess)
	}

	// end, twice
	th.signal(ctrl, api.SignalSessionEnd, "gen1", api.SessionEndData{Reason: "bye"})
	end := decode(t, one(t, robotConn.take()))
	if r, _ := api.Unwrap[api.SessionEndData](end); end.SignalType != api.SignalSessionEnd || r.Reason != "bye" {
		t.Errorf("unexpected end %v", end)
	}
	th.signal(ctrl, api.SignalSessionEnd, "gen1", api.SessionEndData{Reason: "bye"})
	if fr := append(robotConn.take(), ctrlConn.take()...); len(fr) != 0 {
		t.Errorf("second session-end should be a no-op, got %v", fr)
	}
	if th.sessions.Active() != 0 || th.sessions.Total() != 1 {
		t.Errorf("unexpected counts %v/%v", th.sessions.Active(), th.sessions.Total())
	}
}

func TestOfferAnswer(t *testing.T) {
	th := newTestHub(t)
	robot, robotConn := th.connect(api.RoleRobot)

	// no controller
	th.signal(robot, api.SignalOffer, "s1", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	if s := decode(t, one(t, robotConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected an error, got %v", s)
	}
	if _, ok := th.sessions.Get("s1"); ok {
		t.Errorf("rejected offer created a session")
	}

	ctrl, ctrlConn := th.connect(api.RoleController)
	th.signal(robot, api.SignalOffer, "s1", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	if s := decode(t, one(t, ctrlConn.take())); s.SessionId != "s1" {
		t.Errorf("unexpected offer %v", s)
	}

	// a controller can't offer
	th.signal(ctrl, api.SignalOffer, "s2", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected an error, got %v", s)
	}

	// malformed answer keeps the state
	th.signal(ctrl, api.SignalAnswer, "s1", api.SessionDescription{Type: "answer"})
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected an error, got %v", s)
	}
	if sess, _ := th.sessions.Get("s1"); sess.State != StateOfferSent {
		t.Errorf("state changed after a malformed answer: %v", sess.State)
	}

	// unknown session is dropped quietly
	th.signal(ctrl, api.SignalAnswer, "nope", api.SessionDescription{Sdp: "v=0", Type: "answer"})
	if fr := append(ctrlConn.take(), robotConn.take()...); len(fr) != 0 {
		t.Errorf("unknown session produced %v", fr)
	}

	th.signal(ctrl, api.SignalAnswer, "s1", api.SessionDescription{Sdp: "v=0", Type: "answer"})
	s := decode(t, one(t, robotConn.take()))
	if s.SignalType != api.SignalAnswer || s.SessionId != "s1" {
		t.Errorf("unexpected answer %v", s)
	}
	sess, _ := th.sessions.Get("s1")
	if sess.State != StateAnswerSent || sess.Initiator != api.RoleRobot {
		t.Errorf("unexpected session %+v", sess)
	}
	if !strings.Contains(string(sess.LastAnswer), "v=0") || len(sess.LastOffer) == 0 {
		t.Errorf("offer and answer should be recorded")
	}

	// a second answer is out of order
	th.signal(ctrl, api.SignalAnswer, "s1", api.SessionDescription{Sdp: "v=0", Type: "answer"})
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected an error, got %v", s)
	}
}

func TestOfferWithoutSessionId(t *testing.T) {
	th := newTestHub(t)
	robot, _ := th.connect(api.RoleRobot)
	_, ctrlConn := th.connect(api.RoleController)

	th.signal(robot, api.SignalOffer, "", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	s := decode(t, one(t, ctrlConn.take()))
	if s.SessionId != "gen1" {
		t.Errorf("expected a generated session id, got %q", s.SessionId)
	}
}

func TestSessionCollision(t *testing.T) {
	th := newTestHub(t)
	robot, _ := th.connect(api.RoleRobot)
	ctrl, ctrlConn := th.connect(api.RoleController)

	th.signal(robot, api.SignalOffer, "s1", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	ctrlConn.take()
	th.signal(ctrl, api.SignalRequestVideo, "s1", nil)
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected a collision error, got %v", s)
	}
	if sess, _ := th.sessions.Get("s1"); sess.State != StateOfferSent || sess.Initiator != api.RoleRobot {
		t.Errorf("collision changed the session %+v", sess)
	}
}

func TestPeerDisconnect(t *testing.T) {
	th := newTestHub(t)
	robot, robotConn := th.connect(api.RoleRobot)
	_, ctrlConn := th.connect(api.RoleController)

	th.signal(robot, api.SignalOffer, "s1", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	ctrlConn.take()

	th.Disconnect(robot)
	s := decode(t, one(t, ctrlConn.take()))
	r, _ := api.Unwrap[api.SessionEndData](s)
	if s.SignalType != api.SignalSessionEnd || s.SessionId != "s1" || r.Reason != "ROBOT disconnected" {
		t.Errorf("unexpected notice %v %+v", s, r)
	}
	if th.sessions.Active() != 0 {
		t.Errorf("session should be removed")
	}
	if len(robotConn.take()) != 0 {
		t.Errorf("disconnected robot got frames")
	}
}

func TestCleanup(t *testing.T) {
	th := newTestHub(t)
	robot, _ := th.connect(api.RoleRobot)
	ctrl, ctrlConn := th.connect(api.RoleController)

	th.signal(robot, api.SignalOffer, "stale", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	th.signal(robot, api.SignalOffer, "live", api.SessionDescription{Sdp: offerSdp, Type: "offer"})
	th.signal(ctrl, api.SignalAnswer, "live", api.SessionDescription{Sdp: "v=0", Type: "answer"})
	th.signal(robot, api.SignalConnected, "live", nil)
	ctrlConn.take()

	th.now = th.now.Add(4 * time.Minute)
	if n := th.sessions.Cleanup(); n != 0 {
		t.Errorf("young sessions removed: %v", n)
	}
	th.now = th.now.Add(2 * time.Minute)
	if n := th.sessions.Cleanup(); n != 1 {
		t.Errorf("expected 1 expired session, got %v", n)
	}
	if _, ok := th.sessions.Get("live"); !ok {
		t.Errorf("connected session was removed")
	}
	if s := decode(t, one(t, ctrlConn.take())); s.SignalType != api.SignalSessionEnd || s.SessionId != "stale" {
		t.Errorf("unexpected notice %v", s)
	}
}

func TestMalformedFrame(t *testing.T) {
	th := newTestHub(t)
	robot, robotConn := th.connect(api.RoleRobot)
	th.send(robot, `{"type":"webrtc-signal","signalType":"hello"}`)
	if s := decode(t, one(t, robotConn.take())); s.SignalType != api.SignalError {
		t.Errorf("expected an error, got %v", s)
	}
}

func TestShutdownNotice(t *testing.T) {
	th := newTestHub(t)
	_, a := th.connect(api.RoleRobot)
	_, b := th.connect("")
	th.Close()
	for _, conn := range []*fakeConn{a, b} {
		if fr := one(t, conn.take()); fr != "SERVER_SHUTDOWN" || !conn.isClosed() {
			t.Errorf("expected shutdown notice and close, got %v", fr)
		}
	}
}

func TestStatus(t *testing.T) {
	th := newTestHub(t)
	th.connect(api.RoleRobot)
	th.connect("")
	st := th.Status()
	if st.Connections.Open != 2 || !st.Connections.Robot || st.Connections.Controller {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := json.Marshal(st); err != nil {
		t.Error(err)
	}
}
