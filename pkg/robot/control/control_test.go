package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
)

type speeds struct{ left, right float64 }

type fakeWheels struct {
	mu       sync.Mutex
	connect  bool
	alive    bool
	connects int
	stops    int
	closed   bool
	speeds   []speeds
	camera   []float64
	// entered and gate hold Connect until the gate is closed
	entered chan struct{}
	gate    chan struct{}
}

func (w *fakeWheels) Connect(context.Context) bool {
	if w.gate != nil {
		close(w.entered)
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connects++
	w.alive = w.connect
	return w.connect
}

func (w *fakeWheels) IsConnected() bool { w.mu.Lock(); defer w.mu.Unlock(); return w.alive }

func (w *fakeWheels) SetWheelSpeeds(left, right float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.speeds = append(w.speeds, speeds{left, right})
	return true
}

func (w *fakeWheels) SetCamera(deg float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.camera = append(w.camera, deg)
	return true
}

func (w *fakeWheels) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	w.speeds = append(w.speeds, speeds{})
	return true
}

func (w *fakeWheels) Close() { w.mu.Lock(); w.closed = true; w.mu.Unlock() }

func (w *fakeWheels) last() (speeds, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.speeds) == 0 {
		return speeds{}, 0
	}
	return w.speeds[len(w.speeds)-1], len(w.speeds)
}

func (w *fakeWheels) setAlive(v bool) { w.mu.Lock(); w.alive = v; w.mu.Unlock() }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func conf() config.Control {
	return config.Control{TickInterval: time.Hour, TelemetryInterval: time.Hour, CommandTimeout: time.Second, Inbox: 4}
}

func TestMix(t *testing.T) {
	tests := []struct {
		name        string
		cmd         api.Command
		left, right float64
	}{
		{name: "forward", cmd: api.Command{LeftStick: api.Vec2{Y: 1}}, left: 1, right: 1},
		{name: "reverse", cmd: api.Command{LeftStick: api.Vec2{Y: -0.5}}, left: -0.5, right: -0.5},
		{name: "turn with the left stick", cmd: api.Command{LeftStick: api.Vec2{X: 0.5}}, left: -0.5, right: 0.5},
		{name: "right stick wins", cmd: api.Command{LeftStick: api.Vec2{X: -1}, RightStick: api.Vec2{X: 0.25}}, left: -0.25, right: 0.25},
		{name: "clamped", cmd: api.Command{LeftStick: api.Vec2{Y: 1}, RightStick: api.Vec2{X: 1}}, left: 0, right: 1},
		{name: "clamped negative", cmd: api.Command{LeftStick: api.Vec2{Y: -1}, RightStick: api.Vec2{X: 0.5}}, left: -1, right: -0.5},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			left, right := Mix(test.cmd)
			if left != test.left || right != test.right {
				t.Errorf("got %v/%v, want %v/%v", left, right, test.left, test.right)
			}
		})
	}
}

func TestStartFailure(t *testing.T) {
	w := &fakeWheels{}
	l := NewLoop(conf(), w, nil, logger.Nop())
	if l.Start(context.Background()) {
		t.Fatal("started without the link")
	}
	if l.State() != Stopped {
		t.Errorf("state = %v", l.State())
	}
	if l.Handle(api.Command{}) {
		t.Errorf("stopped loop accepted a command")
	}
	w.connect = true
	if !l.Start(context.Background()) {
		t.Fatal("retry failed")
	}
	l.Stop()
}

func TestStopWaitsForStart(t *testing.T) {
	w := &fakeWheels{connect: true, entered: make(chan struct{}), gate: make(chan struct{})}
	l := NewLoop(conf(), w, nil, logger.Nop())

	started := make(chan bool)
	go func() { started <- l.Start(context.Background()) }()
	<-w.entered

	stopped := make(chan struct{})
	go func() { l.Stop(); close(stopped) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while Start was connecting")
	case <-time.After(20 * time.Millisecond):
	}

	close(w.gate)
	<-started
	<-stopped
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if l.State() != Stopped || !closed {
		t.Errorf("after Stop: state %v, link closed %v", l.State(), closed)
	}
	if l.Handle(api.Command{}) {
		t.Errorf("stopped loop accepted a command")
	}
}

func TestCommand(t *testing.T) {
	w := &fakeWheels{connect: true}
	l := NewLoop(conf(), w, nil, logger.Nop())
	if !l.Start(context.Background()) {
		t.Fatal("not started")
	}

	if !l.HandleFrame(`{"leftStickValue":{"x":0,"y":1},"rightStickValue":{"x":0,"y":0},"cameraAngle":0}`) {
		t.Fatal("command not queued")
	}
	eventually(t, func() bool { _, n := w.last(); return n == 1 })
	if s, _ := w.last(); s.left != 1 || s.right != 1 {
		t.Errorf("speeds = %+v", s)
	}
	if l.HandleFrame("{") {
		t.Errorf("malformed command was queued")
	}

	l.Handle(api.Command{CameraAngle: 30})
	eventually(t, func() bool { return l.Commands() == 2 })
	w.mu.Lock()
	if len(w.camera) != 1 || w.camera[0] != 30 {
		t.Errorf("camera = %v", w.camera)
	}
	w.mu.Unlock()

	l.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stops != 1 || !w.closed {
		t.Errorf("stop should zero the wheels and close the link: %v %v", w.stops, w.closed)
	}
	if s := w.speeds[len(w.speeds)-1]; s.left != 0 || s.right != 0 {
		t.Errorf("last speeds = %+v", s)
	}
}

func TestWatchdog(t *testing.T) {
	w := &fakeWheels{connect: true}
	l := NewLoop(conf(), w, nil, logger.Nop())
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	// driven by hand, without the loop goroutine
	w.setAlive(true)

	l.apply(api.Command{LeftStick: api.Vec2{Y: 1}})
	now = now.Add(500 * time.Millisecond)
	l.check(ctx)
	if w.stops != 0 {
		t.Errorf("fresh command was stopped")
	}

	now = now.Add(time.Second)
	l.check(ctx)
	if w.stops != 1 {
		t.Errorf("stale command wasn't stopped")
	}
	l.check(ctx)
	if w.stops != 1 {
		t.Errorf("still wheels were stopped again")
	}

	connects := w.connects
	w.setAlive(false)
	l.check(ctx)
	if w.connects != connects+1 || w.stops != 2 {
		t.Errorf("silent link: connects %v, stops %v", w.connects-connects, w.stops)
	}
}

func TestTelemetry(t *testing.T) {
	w := &fakeWheels{connect: true}
	frames := make(chan string, 4)
	c := conf()
	c.TelemetryInterval = 5 * time.Millisecond
	l := NewLoop(c, w, func(b []byte) error {
		select {
		case frames <- string(b):
		default:
		}
		return nil
	}, logger.Nop())
	if !l.Start(context.Background()) {
		t.Fatal("not started")
	}
	defer l.Stop()

	select {
	case f := <-frames:
		if !strings.HasPrefix(f, "TELEMETRY!") || !strings.Contains(f, `"flightConnected":true`) {
			t.Errorf("frame = %v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no telemetry")
	}
}
