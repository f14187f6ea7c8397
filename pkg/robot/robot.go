// Package robot runs the robot side: the control and the video loops
// share one signaling link and fail independently of each other.
package robot

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/webrtc"
	"github.com/openrover/teleop/pkg/robot/control"
	"github.com/openrover/teleop/pkg/robot/flight"
	"github.com/openrover/teleop/pkg/robot/video"
	"github.com/prometheus/client_golang/prometheus"
)

// Loop is a unit of work that may fail to start.
type Loop interface {
	Start(ctx context.Context) bool
	Stop()
	Running() bool
}

// Status is the combined state published as telemetry.
type Status struct {
	Type             string    `json:"type"`
	ControlRunning   bool      `json:"controlRunning"`
	VideoRunning     bool      `json:"videoRunning"`
	FlightConnected  bool      `json:"flightConnected"`
	VideoInitialized bool      `json:"videoInitialized"`
	VideoSession     string    `json:"videoSession,omitempty"`
	Registered       bool      `json:"registered"`
	Time             time.Time `json:"ts"`
}

type Supervisor struct {
	conf    config.RobotConfig
	link    *Link
	control *control.Loop
	video   *video.Loop
	bridge  *video.Bridge
	log     *logger.Logger
	units   []Loop

	// life serializes Start and Stop
	life      sync.Mutex
	mu        sync.Mutex
	stopTicks context.CancelFunc
	closeLink context.CancelFunc
	ticks     sync.WaitGroup
	links     sync.WaitGroup
}

// New wires the loops, the video loop is left out when disabled.
func New(conf config.RobotConfig, reg prometheus.Registerer, log *logger.Logger) (*Supervisor, error) {
	s := &Supervisor{conf: conf, log: log}
	s.link = NewLink(conf.Robot.SignalingURL(), conf.Robot.Reconnect, WebsocketDialer(log), s.dispatch,
		log.Extend(log.With().Str(logger.ModuleField, "link")))

	wheels := flight.NewLink(conf.Flight, flight.SerialOpener, log)
	s.control = control.NewLoop(conf.Control, wheels, s.link.Send, log)

	if conf.Video.Enabled {
		factory, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
		if err != nil {
			return nil, fmt.Errorf("webrtc: %w", err)
		}
		s.bridge = video.NewBridge(conf.Video, log)
		s.video = video.NewLoop(conf.Video, factory, s.bridge, s.link, defaultICE(conf.Webrtc), log)
	}
	s.units = []Loop{s.control}
	if s.video != nil {
		s.units = append(s.units, s.video)
	}
	registerMetrics(reg, s)
	return s, nil
}

func defaultICE(conf config.Webrtc) api.ICEConfiguration {
	return api.ICEConfiguration{
		IceServers:           conf.IceServers,
		IceCandidatePoolSize: conf.IceCandidatePoolSize,
		BundlePolicy:         conf.BundlePolicy,
		RtcpMuxPolicy:        conf.RtcpMuxPolicy,
	}
}

func (s *Supervisor) loops() []Loop { return s.units }

// Start connects the link and starts both loops at once. It reports
// whether any of the loops is running.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.life.Lock()
	defer s.life.Unlock()

	conn, closeLink := context.WithCancel(context.Background())
	tick, stopTicks := context.WithCancel(context.Background())
	s.mu.Lock()
	s.closeLink, s.stopTicks = closeLink, stopTicks
	s.mu.Unlock()

	s.links.Add(1)
	go func() { defer s.links.Done(); s.link.Run(conn) }()
	if s.video != nil {
		s.links.Add(1)
		go func() { defer s.links.Done(); s.video.Serve(conn) }()
	}

	// Stop cancels the start in progress
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(tick, cancel)()

	if s.video != nil {
		u := s.conf.Robot.IceURL()
		if ice, err := FetchICE(ctx, u.String()); err == nil {
			s.video.SetICE(ice)
		} else {
			s.log.Warn().Err(err).Msg("ICE configuration, using the local one")
		}
	}

	running := startAll(ctx, s.loops())
	if !running {
		s.log.Error().Msg("Neither of the loops has started")
	}

	s.ticks.Add(2)
	go func() { defer s.ticks.Done(); s.every(tick, s.conf.Robot.StatusInterval, s.publish) }()
	go func() { defer s.ticks.Done(); s.every(tick, s.conf.Robot.RetryInterval, s.retry) }()
	return running
}

// startAll starts the loops concurrently.
func startAll(ctx context.Context, loops []Loop) bool {
	var wg sync.WaitGroup
	ok := make([]bool, len(loops))
	for i, l := range loops {
		wg.Add(1)
		go func(i int, l Loop) { defer wg.Done(); ok[i] = l.Start(ctx) }(i, l)
	}
	wg.Wait()
	for _, v := range ok {
		if v {
			return true
		}
	}
	return false
}

// stopAll stops the loops concurrently and waits for all of them.
func stopAll(loops []Loop) {
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l Loop) { defer wg.Done(); l.Stop() }(l)
	}
	wg.Wait()
}

// retry starts again the loops that are down.
func (s *Supervisor) retry(ctx context.Context) {
	for _, l := range s.loops() {
		if !l.Running() {
			l.Start(ctx)
		}
	}
}

func (s *Supervisor) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// Stop ends the retries, stops both loops and only then closes
// the signaling link.
func (s *Supervisor) Stop() {
	s.cancelTicks()
	s.life.Lock()
	defer s.life.Unlock()

	s.cancelTicks()
	s.ticks.Wait()
	stopAll(s.loops())

	s.mu.Lock()
	closeLink := s.closeLink
	s.closeLink, s.stopTicks = nil, nil
	s.mu.Unlock()
	if closeLink != nil {
		closeLink()
	}
	s.links.Wait()
	s.log.Info().Msg("Robot stopped")
}

func (s *Supervisor) cancelTicks() {
	s.mu.Lock()
	stop := s.stopTicks
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Supervisor) Status() Status {
	st := Status{
		Type:            "status",
		ControlRunning:  s.control.Running(),
		FlightConnected: s.control.Linked(),
		Registered:      s.link.Registered(),
		Time:            time.Now(),
	}
	if s.video != nil {
		st.VideoRunning = s.video.Running()
		st.VideoInitialized = s.video.Initialized()
		st.VideoSession = s.video.Session()
	}
	return st
}

func (s *Supervisor) publish(context.Context) {
	st := s.Status()
	frame, err := api.TelemetryFrame(st)
	if err != nil {
		s.log.Error().Err(err).Msg("Status")
		return
	}
	if err = s.link.Send(frame); err != nil {
		s.log.Debug().Err(err).Msg("Status not sent")
	}
}

// dispatch hands the inbound frames to the loop they belong to.
func (s *Supervisor) dispatch(f api.Frame) {
	switch f := f.(type) {
	case api.LegacyFrame:
		switch f.Kind {
		case api.KindCommand:
			s.control.HandleFrame(f.Payload)
		case api.KindError:
			s.log.Warn().Str("error", f.Payload).Msg("Server error")
		}
	case api.Signal:
		if s.video == nil {
			if f.SignalType == api.SignalRequestVideo {
				_ = s.link.SendSignal(api.ErrorSignal(f.SessionId, "Video not available"))
			}
			return
		}
		if err := s.video.Dispatch(f); err != nil {
			s.log.Warn().Err(err).Str(logger.SessionField, f.SessionId).Msgf("%v dropped", f.SignalType)
		}
	case api.Malformed:
		s.log.Warn().Err(f.Err).Msg("Malformed frame")
	}
}

// StatusHandler serves the status as JSON.
func (s *Supervisor) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.log.Error().Err(err).Msg("status response")
		}
	})
}

// FetchICE gets the ICE configuration from the signaling server.
func FetchICE(ctx context.Context, url string) (api.ICEConfiguration, error) {
	var ice api.ICEConfiguration
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ice, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ice, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ice, fmt.Errorf("ice config: %v", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&ice)
	return ice, err
}
