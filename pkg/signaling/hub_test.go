package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/websocket"
	"github.com/openrover/teleop/pkg/turn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type degradedRelay struct{ fakeRelay }

func (degradedRelay) Status() turn.Status { return turn.Status{Enabled: true} }

func TestEndpoints(t *testing.T) {
	log := logger.Nop()
	reg := NewRegistry(ReplaceExisting)
	hub := NewHub(reg, NewSessionManager(reg, nil, time.Minute, nil, log), degradedRelay{}, "", nil, log)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	get := func(path string, v any) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("%v: %v", path, err)
		}
		return resp
	}

	var health map[string]string
	get("/health", &health)
	if health["status"] != "degraded" {
		t.Errorf("health = %v", health)
	}

	var ice api.ICEConfiguration
	resp := get("/ice-config", &ice)
	if len(ice.IceServers) != 1 || ice.IceCandidatePoolSize != 10 {
		t.Errorf("ice-config = %+v", ice)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("no CORS header")
	}

	var st Status
	get("/status", &st)
	if st.Connections.Open != 0 || !st.Turn.Enabled || st.Turn.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestWebsocketRelay(t *testing.T) {
	log := logger.Nop()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	reg := NewRegistry(ReplaceExisting)
	hub := NewHub(reg, NewSessionManager(reg, nil, time.Minute, metrics, log), fakeRelay{}, "", metrics, log)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/ws")
	u.Scheme = "ws"
	dial := func(role api.Role) (*websocket.WS, chan string) {
		ws, err := websocket.NewClient(context.Background(), *u, log)
		if err != nil {
			t.Fatal(err)
		}
		in := make(chan string, 10)
		ws.OnMessage = func(m []byte, _ error) { in <- string(m) }
		ws.Listen()
		_ = ws.Write(api.RegisterFrame(role))
		expect(t, in, string(api.RegisteredFrame(role)))
		return ws, in
	}

	robot, robotIn := dial(api.RoleRobot)
	ctrl, ctrlIn := dial(api.RoleController)
	defer ctrl.Close()

	cmd, err := api.CommandFrame(api.Command{LeftStick: api.Vec2{Y: 1}})
	if err != nil {
		t.Fatal(err)
	}
	_ = ctrl.Write(cmd)
	expect(t, robotIn, string(cmd))

	if v := testutil.ToFloat64(metrics.connections.WithLabelValues("ROBOT")); v != 1 {
		t.Errorf("robot connections = %v", v)
	}

	robot.Close()
	<-robot.Done()
	deadline := time.Now().Add(5 * time.Second)
	for reg.IsConnected(api.RoleRobot) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	_ = ctrl.Write(cmd)
	expect(t, ctrlIn, "ERROR!TARGET_DISCONNECTED!ROBOT")
	if v := testutil.ToFloat64(metrics.routingErrors.WithLabelValues("no_peer")); v != 1 {
		t.Errorf("no_peer errors = %v", v)
	}
}

func expect(t *testing.T, in <-chan string, want string) {
	t.Helper()
	select {
	case m := <-in:
		if m != want {
			t.Errorf("got %v, want %v", m, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %v", want)
	}
}
