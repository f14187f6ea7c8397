package flight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v2/pkg/frame"
	"github.com/bluenviron/gomavlib/v2/pkg/message"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	xos "github.com/openrover/teleop/pkg/os"
)

var (
	ErrNotConnected = errors.New("flight link is not connected")
	ErrNoDevice     = errors.New("no flight controller found")
)

// Link is the serial connection to the motion controller.
// It keeps sending heartbeats and counts any inbound byte as a sign of life.
type Link struct {
	conf config.Flight
	open Opener
	list func() ([]string, error)
	log  *logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	port     Port
	device   string
	lock     *xos.Flock
	lastSeen time.Time
	readErr  error
	out      *frame.Writer
	channels [rcChannels]uint16
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewLink(conf config.Flight, open Opener, log *logger.Logger) *Link {
	if open == nil {
		open = SerialOpener
	}
	fixChannel(&conf.Channels.Left, 1)
	fixChannel(&conf.Channels.Right, 3)
	fixChannel(&conf.Channels.Camera, 8)
	return &Link{
		conf: conf,
		open: open,
		log:  log.Extend(log.With().Str(logger.ModuleField, "flight")),
		now:  time.Now,
	}
}

// Connect tries the candidate devices in order and keeps the first one
// that stays open after a heartbeat.
func (l *Link) Connect(ctx context.Context) bool {
	l.Close()

	devices, err := Candidates(l.conf.Devices, l.conf.Patterns, l.list)
	if err != nil {
		l.log.Warn().Err(err).Msg("Serial port enumeration")
	}
	if len(devices) == 0 {
		l.log.Warn().Err(ErrNoDevice).Send()
		return false
	}

	lock, err := xos.NewFileLock(l.conf.LockFile)
	if err != nil {
		l.log.Error().Err(err).Msg("Flight lock")
		return false
	}
	if err = lock.TryLock(); err != nil {
		l.log.Error().Err(err).Str("lock", lock.Path()).Msg("Flight controller is in use")
		return false
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			break
		}
		if err = l.try(ctx, dev); err != nil {
			l.log.Debug().Err(err).Str("device", dev).Msg("Not a flight controller")
			continue
		}
		l.mu.Lock()
		l.lock = lock
		l.mu.Unlock()
		l.log.Info().Str("device", dev).Int("baud", l.conf.Baud).Msg("Flight controller connected")
		return true
	}
	_ = lock.Unlock()
	l.log.Warn().Err(ErrNoDevice).Strs("devices", devices).Send()
	return false
}

func (l *Link) try(ctx context.Context, dev string) error {
	port, err := l.open(dev, l.conf.Baud)
	if err != nil {
		return err
	}
	out, err := newWriter(port, l.conf.SystemId, l.conf.ComponentId)
	if err != nil {
		_ = port.Close()
		return err
	}

	l.mu.Lock()
	l.port = port
	l.out = out
	l.device = dev
	l.readErr = nil
	l.lastSeen = l.now()
	l.channels = [rcChannels]uint16{}
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	l.wg.Add(1)
	go l.reader(port)

	if err = l.Heartbeat(); err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(l.conf.ValidateWait):
			l.mu.Lock()
			err = l.readErr
			l.mu.Unlock()
		}
	}
	if err != nil {
		l.release()
		return err
	}

	l.wg.Add(1)
	go l.heartbeats(done)
	return nil
}

// reader marks the link alive on any inbound data, the frames
// are only logged.
func (l *Link) reader(port Port) {
	defer l.wg.Done()
	src := &seen{r: port, stamp: func() {
		l.mu.Lock()
		l.lastSeen = l.now()
		l.mu.Unlock()
	}}
	in, err := newReader(src)
	for err == nil {
		f, ferr := in.Read()
		switch {
		case src.err != nil:
			err = src.err
		case ferr != nil:
			l.log.Debug().Err(ferr).Msg("MAVLink frame")
		default:
			l.log.Debug().Uint8("system", f.GetSystemID()).Uint32("msg", f.GetMessage().GetID()).Msg("MAVLink frame")
		}
	}
	l.mu.Lock()
	if l.port == port {
		l.readErr = err
	}
	l.mu.Unlock()
}

func (l *Link) heartbeats(done chan struct{}) {
	defer l.wg.Done()
	t := time.NewTicker(l.conf.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := l.Heartbeat(); err != nil {
				l.log.Debug().Err(err).Msg("Heartbeat")
			}
		}
	}
}

func (l *Link) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(heartbeat())
}

// write sends a message, must be called under the lock.
func (l *Link) write(m message.Message) error {
	if l.port == nil {
		return ErrNotConnected
	}
	return l.out.WriteMessage(m)
}

// IsConnected tells whether the port is open and something
// came from it recently.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil && l.readErr == nil && l.now().Sub(l.lastSeen) <= l.conf.FreshnessWindow
}

func (l *Link) Device() string { l.mu.Lock(); defer l.mu.Unlock(); return l.device }

// SetWheelSpeeds sends both wheel speeds within [-1, 1] as one frame.
// A stale link gets one reconnect attempt first.
func (l *Link) SetWheelSpeeds(left, right float64) bool {
	if !l.IsConnected() && !l.reconnect() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[l.conf.Channels.Left-1] = l.pwm(Clamp(left, -1, 1))
	l.channels[l.conf.Channels.Right-1] = l.pwm(Clamp(right, -1, 1))
	return l.sendChannels()
}

// SetCamera points the camera servo, degrees within [-90, 90].
func (l *Link) SetCamera(deg float64) bool {
	if !l.IsConnected() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[l.conf.Channels.Camera-1] = l.pwm(Clamp(deg, -90, 90) / 90)
	return l.sendChannels()
}

// Stop zeroes the wheels whatever the link state is.
func (l *Link) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return false
	}
	l.channels[l.conf.Channels.Left-1] = l.conf.Pwm.Neutral
	l.channels[l.conf.Channels.Right-1] = l.conf.Pwm.Neutral
	return l.sendChannels()
}

func (l *Link) sendChannels() bool {
	if err := l.write(rcOverride(l.channels, l.conf.TargetSystem, l.conf.TargetComponent)); err != nil {
		l.log.Warn().Err(err).Msg("RC override")
		return false
	}
	return true
}

func (l *Link) reconnect() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second+l.conf.ValidateWait*time.Duration(len(l.conf.Devices)+1))
	defer cancel()
	l.log.Info().Msg("Flight link is stale, reconnecting")
	return l.Connect(ctx)
}

// pwm maps [-1, 1] onto the pulse width range around neutral.
func (l *Link) pwm(v float64) uint16 {
	p := l.conf.Pwm
	if v >= 0 {
		return p.Neutral + uint16(math.Round(v*float64(p.Max-p.Neutral)))
	}
	return p.Neutral - uint16(math.Round(-v*float64(p.Neutral-p.Min)))
}

// Close releases the port and the device lock.
func (l *Link) Close() {
	l.release()
	l.mu.Lock()
	lock := l.lock
	l.lock = nil
	l.mu.Unlock()
	if lock != nil {
		_ = lock.Unlock()
	}
}

func (l *Link) release() {
	l.mu.Lock()
	port, done := l.port, l.done
	l.port, l.out, l.done, l.device = nil, nil, nil, ""
	l.mu.Unlock()
	if done != nil {
		close(done)
	}
	if port != nil {
		if err := port.Close(); err != nil {
			l.log.Debug().Err(err).Msg("Serial close")
		}
	}
	l.wg.Wait()
}

func (l *Link) String() string {
	if d := l.Device(); d != "" {
		return fmt.Sprintf("flight[%v]", d)
	}
	return "flight[-]"
}

func fixChannel(ch *int, def int) {
	if *ch < 1 || *ch > rcChannels {
		*ch = def
	}
}

func Clamp(v, min, max float64) float64 {
	switch {
	case v < min:
		return min
	case v > max:
		return max
	}
	return v
}
