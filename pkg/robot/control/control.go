// Package control drives the wheels and the camera servo
// from the operator commands.
package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/robot/flight"
)

// Wheels is the motion controller link.
type Wheels interface {
	Connect(ctx context.Context) bool
	IsConnected() bool
	SetWheelSpeeds(left, right float64) bool
	SetCamera(deg float64) bool
	Stop() bool
	Close()
}

type State int32

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	}
	return "stopped"
}

// Telemetry is the periodic report of the loop.
type Telemetry struct {
	Running         bool      `json:"running"`
	FlightConnected bool      `json:"flightConnected"`
	Left            float64   `json:"left"`
	Right           float64   `json:"right"`
	CameraAngle     float64   `json:"cameraAngle"`
	Commands        uint64    `json:"commands"`
	Time            time.Time `json:"ts"`
}

// Loop consumes the commands and watches the link.
type Loop struct {
	conf   config.Control
	wheels Wheels
	send   func([]byte) error
	log    *logger.Logger
	now    func() time.Time

	state    atomic.Int32
	commands atomic.Uint64
	inbox    chan api.Command

	// life serializes Start and Stop
	life        sync.Mutex
	mu          sync.Mutex
	cancel      context.CancelFunc
	abort       context.CancelFunc
	done        chan struct{}
	lastCommand time.Time
	left, right float64
	camera      float64
}

// NewLoop makes a stopped loop, send delivers the telemetry frames.
func NewLoop(conf config.Control, wheels Wheels, send func([]byte) error, log *logger.Logger) *Loop {
	if conf.Inbox <= 0 {
		conf.Inbox = 32
	}
	return &Loop{
		conf:   conf,
		wheels: wheels,
		send:   send,
		log:    log.Extend(log.With().Str(logger.ModuleField, "control")),
		now:    time.Now,
		inbox:  make(chan api.Command, conf.Inbox),
	}
}

// Mix converts the sticks into differential wheel speeds.
func Mix(c api.Command) (left, right float64) {
	forward := c.LeftStick.Y
	turn := c.RightStick.X
	if turn == 0 {
		turn = c.LeftStick.X
	}
	return flight.Clamp(forward-turn, -1, 1), flight.Clamp(forward+turn, -1, 1)
}

// Start connects the link and starts consuming the commands.
// It stays stopped if the link can't be connected, a concurrent Stop aborts it.
func (l *Loop) Start(ctx context.Context) bool {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	l.life.Lock()
	defer l.life.Unlock()
	if l.State() == Running {
		return true
	}
	l.mu.Lock()
	l.abort = abort
	l.mu.Unlock()
	defer func() { l.mu.Lock(); l.abort = nil; l.mu.Unlock() }()

	l.state.Store(int32(Starting))
	if !l.wheels.Connect(ctx) || ctx.Err() != nil {
		l.log.Warn().Msg("Flight link is not available")
		l.wheels.Close()
		l.state.Store(int32(Stopped))
		return false
	}

	run, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.lastCommand = time.Time{}
	l.left, l.right = 0, 0
	l.mu.Unlock()

	go l.run(run, done)
	l.state.Store(int32(Running))
	l.log.Info().Msg("Control loop started")
	return true
}

// Stop zeroes the wheels and releases the link.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.abort != nil {
		l.abort()
	}
	l.mu.Unlock()

	l.life.Lock()
	defer l.life.Unlock()

	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if !l.wheels.Stop() {
		l.log.Warn().Msg("Couldn't zero the wheels")
	}
	l.wheels.Close()
	if State(l.state.Swap(int32(Stopped))) != Stopped {
		l.log.Info().Msg("Control loop stopped")
	}
}

func (l *Loop) State() State     { return State(l.state.Load()) }
func (l *Loop) Running() bool    { return l.State() == Running }
func (l *Loop) Commands() uint64 { return l.commands.Load() }
func (l *Loop) Linked() bool     { return l.wheels.IsConnected() }

// Handle queues the command, the oldest one is dropped when the queue is full.
func (l *Loop) Handle(c api.Command) bool {
	if !l.Running() {
		return false
	}
	for {
		select {
		case l.inbox <- c:
			return true
		default:
		}
		select {
		case <-l.inbox:
			l.log.Debug().Msg("Command dropped")
		default:
		}
	}
}

// HandleFrame queues the payload of a COMMAND frame.
func (l *Loop) HandleFrame(payload string) bool {
	c, err := api.ParseCommand(payload)
	if err != nil {
		l.log.Warn().Err(err).Send()
		return false
	}
	return l.Handle(c)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(l.conf.TickInterval)
	defer tick.Stop()
	var telemetry <-chan time.Time
	if l.conf.TelemetryInterval > 0 && l.send != nil {
		t := time.NewTicker(l.conf.TelemetryInterval)
		defer t.Stop()
		telemetry = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-l.inbox:
			l.apply(c)
		case <-tick.C:
			l.check(ctx)
		case <-telemetry:
			l.report()
		}
	}
}

func (l *Loop) apply(c api.Command) {
	l.commands.Add(1)
	left, right := Mix(c)
	l.mu.Lock()
	l.lastCommand = l.now()
	l.left, l.right = left, right
	camera := c.CameraAngle != l.camera
	l.camera = c.CameraAngle
	l.mu.Unlock()

	if !l.wheels.SetWheelSpeeds(left, right) {
		l.log.Warn().Float64("left", left).Float64("right", right).Msg("Wheel speeds not sent")
	}
	if camera && !l.wheels.SetCamera(c.CameraAngle) {
		l.log.Debug().Float64("angle", c.CameraAngle).Msg("Camera angle not sent")
	}
}

// check is the watchdog: it stops the wheels without fresh commands
// and reconnects a silent link.
func (l *Loop) check(ctx context.Context) {
	l.mu.Lock()
	moving := l.left != 0 || l.right != 0
	stale := moving && l.now().Sub(l.lastCommand) > l.conf.CommandTimeout
	if stale {
		l.left, l.right = 0, 0
	}
	l.mu.Unlock()

	if stale {
		l.log.Warn().Msg("No commands, stopping the wheels")
		l.wheels.Stop()
	}
	if l.wheels.IsConnected() {
		return
	}
	l.log.Warn().Msg("Flight link is stale, reconnecting")
	l.wheels.Stop()
	if l.wheels.Connect(ctx) {
		l.mu.Lock()
		l.left, l.right = 0, 0
		l.mu.Unlock()
	}
}

func (l *Loop) Telemetry() Telemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Telemetry{
		Running:         l.Running(),
		FlightConnected: l.wheels.IsConnected(),
		Left:            l.left,
		Right:           l.right,
		CameraAngle:     l.camera,
		Commands:        l.commands.Load(),
		Time:            l.now(),
	}
}

func (l *Loop) report() {
	frame, err := api.TelemetryFrame(l.Telemetry())
	if err != nil {
		l.log.Error().Err(err).Msg("Telemetry")
		return
	}
	if err = l.send(frame); err != nil {
		l.log.Debug().Err(err).Msg("Telemetry not sent")
	}
}
