// Package video streams the camera to the operator: an encoder process
// produces RTP on a loopback port, the stream is sent as is into
// a WebRTC track.
package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	xos "github.com/openrover/teleop/pkg/os"
	"github.com/openrover/teleop/pkg/process"
	"github.com/pion/rtp"
)

var ErrStalled = errors.New("no RTP from the encoder")

var (
	captureArgs = []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2", "-framerate", "30", "-video_size", "640x480", "-i", "{device}",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency", "-profile:v", "baseline",
		"-pix_fmt", "yuv420p", "-g", "30", "-bf", "0", "-an",
		"-f", "rtp", "-payload_type", "96", "-sdp_file", "{sdp}", "rtp://{host}:{port}?pkt_size=1200",
	}
	testPatternArgs = []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-f", "lavfi", "-i", "testsrc=size=640x480:rate=30",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency", "-profile:v", "baseline",
		"-pix_fmt", "yuv420p", "-g", "30", "-bf", "0", "-an",
		"-f", "rtp", "-payload_type", "96", "-sdp_file", "{sdp}", "rtp://{host}:{port}?pkt_size=1200",
	}
)

// Encoder is the external program producing the stream.
type Encoder interface {
	Start(ctx context.Context) error
	Stop() error
	Alive() error
}

// EncoderArgs returns the encoder command line with the tags replaced.
func EncoderArgs(conf config.Video) []string {
	e := conf.Encoder
	args := e.Args
	if len(args) == 0 {
		args = captureArgs
	}
	if e.TestPattern {
		args = e.TestPatternArgs
		if len(args) == 0 {
			args = testPatternArgs
		}
	}
	r := strings.NewReplacer(
		"{device}", e.Device,
		"{host}", e.Host,
		"{port}", strconv.Itoa(e.Port),
		"{sdp}", e.SdpPath,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Bridge supervises the encoder and fans its RTP packets
// out to the subscribers.
type Bridge struct {
	conf    config.Video
	encoder Encoder
	sup     *process.Supervisor
	log     *logger.Logger

	mu     sync.Mutex
	recv   *Receiver
	format Format
	ready  bool
	subs   map[int]chan *rtp.Packet
	nextId int

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

func NewBridge(conf config.Video, log *logger.Logger) *Bridge {
	log = log.Extend(log.With().Str(logger.ModuleField, "video"))
	return newBridge(conf, process.NewCmd(conf.Encoder.Binary, EncoderArgs(conf), log), log)
}

func newBridge(conf config.Video, enc Encoder, log *logger.Logger) *Bridge {
	b := &Bridge{conf: conf, encoder: enc, log: log, subs: make(map[int]chan *rtp.Packet)}
	b.sup = process.NewSupervisor(encoderProcess{b}, process.Options{
		HealthInterval: conf.HealthInterval,
		FailThreshold:  conf.FailThreshold,
		Backoff:        conf.Restart,
	}, log)
	return b
}

// Start launches the encoder and waits for its stream.
func (b *Bridge) Start(ctx context.Context) bool { return b.sup.Start(ctx) }

// Run keeps the encoder alive until ctx is done.
func (b *Bridge) Run(ctx context.Context) { b.sup.Run(ctx) }

func (b *Bridge) Stop() error { return b.sup.Stop() }

func (b *Bridge) Restarts() int { return b.sup.Restarts() }

// Initialized tells whether the stream format is known and packets can flow.
func (b *Bridge) Initialized() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.ready }

func (b *Bridge) Format() (Format, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format, b.ready
}

// Subscribe returns a channel of packets, a slow subscriber loses packets.
func (b *Bridge) Subscribe(buffer int) (<-chan *rtp.Packet, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *rtp.Packet, buffer)
	b.mu.Lock()
	id := b.nextId
	b.nextId++
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }
func (b *Bridge) Dropped() uint64   { return b.dropped.Load() }

func (b *Bridge) dispatch(p *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- p:
			b.forwarded.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// encoderProcess is the encoder with its stream as one supervised unit.
type encoderProcess struct{ *Bridge }

func (e encoderProcess) Start(ctx context.Context) error {
	conf := e.conf.Encoder
	if err := xos.CheckCreateDir(filepath.Dir(conf.SdpPath)); err != nil {
		return err
	}
	// a stale description would pass for the new one
	if xos.Exists(conf.SdpPath) {
		if err := os.Remove(conf.SdpPath); err != nil {
			return err
		}
	}
	if err := e.encoder.Start(ctx); err != nil {
		return err
	}
	format, err := WaitSDP(ctx, conf.SdpPath, conf.SdpTimeout)
	if err != nil {
		_ = e.encoder.Stop()
		return err
	}
	if format.Port == 0 {
		format.Port = conf.Port
	}
	recv, err := Listen(conf.Host, format.Port, e.dispatch, e.log)
	if err != nil {
		_ = e.encoder.Stop()
		return fmt.Errorf("rtp listener: %w", err)
	}

	e.mu.Lock()
	e.recv, e.format, e.ready = recv, format, true
	e.mu.Unlock()
	e.log.Info().Str("format", format.String()).Msg("Encoder stream is ready")
	return nil
}

// Check fails when the encoder has died or went silent.
func (e encoderProcess) Check(_ context.Context) error {
	if err := e.encoder.Alive(); err != nil {
		return err
	}
	e.mu.Lock()
	recv := e.recv
	e.mu.Unlock()
	if recv == nil {
		return process.ErrNotRunning
	}
	if e.conf.Encoder.Stall <= 0 {
		return nil
	}
	last := recv.LastPacket()
	if last.IsZero() || time.Since(last) > e.conf.Encoder.Stall {
		return ErrStalled
	}
	return nil
}

func (e encoderProcess) Stop() error {
	e.mu.Lock()
	recv := e.recv
	e.recv, e.ready = nil, false
	e.mu.Unlock()
	if recv != nil {
		_ = recv.Close()
	}
	return e.encoder.Stop()
}
