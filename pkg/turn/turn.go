// Package turn runs a supervised NAT relay (coturn) and hands out
// the ICE configuration that points to it.
package turn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/process"
)

// Supervisor keeps the relay running when it's enabled.
// When the relay can't start, peers get STUN servers only.
type Supervisor struct {
	conf   config.Turn
	stun   []string
	webrtc config.Webrtc
	log    *logger.Logger

	sup    *process.Supervisor
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	now func() time.Time
}

type Status struct {
	Enabled   bool      `json:"enabled"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	TlsPort   int       `json:"tlsPort,omitempty"`
}

func New(conf config.SignalingConfig, onRestart func(ok bool), log *logger.Logger) *Supervisor {
	return newSupervisor(conf, NewServer(conf.Turn, log), onRestart, log)
}

func newSupervisor(conf config.SignalingConfig, proc process.Runnable, onRestart func(ok bool), log *logger.Logger) *Supervisor {
	return &Supervisor{
		conf:   conf.Turn,
		stun:   conf.Signaling.StunServers,
		webrtc: conf.Webrtc,
		log:    log,
		sup: process.NewSupervisor(proc, process.Options{
			HealthInterval: conf.Turn.HealthInterval,
			FailThreshold:  conf.Turn.FailThreshold,
			Backoff:        conf.Turn.Restart,
			OnRestart:      onRestart,
		}, log),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Start launches the relay, returns false if it didn't start
// (the server then works in the STUN-only mode).
func (s *Supervisor) Start(ctx context.Context) bool {
	if !s.conf.Enabled {
		s.log.Info().Msg("TURN server is disabled, STUN only")
		return false
	}
	if !s.sup.Start(ctx) {
		s.log.Warn().Msg("TURN server is unavailable, degraded to STUN only")
		return false
	}
	s.log.Info().Str("addr", s.publicAddr(s.conf.Port)).Msg("TURN server is up")
	return true
}

// Run starts the relay and its health monitor in the background.
func (s *Supervisor) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if !s.conf.Enabled {
			s.log.Info().Msg("TURN server is disabled, STUN only")
			return
		}
		s.Start(ctx)
		s.sup.Run(ctx)
	}()
}

func (s *Supervisor) Shutdown(ctx context.Context) (err error) {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
		if s.conf.Enabled {
			err = s.sup.Stop()
		}
	})
	return
}

func (s *Supervisor) Monitor(ctx context.Context)      { s.sup.Tick(ctx) }
func (s *Supervisor) Restart(ctx context.Context) bool { return s.sup.Restart(ctx) }
func (s *Supervisor) Running() bool                    { return s.sup.Running() }
func (s *Supervisor) Restarts() int                    { return s.sup.Restarts() }

func (s *Supervisor) Status() Status {
	st := Status{Enabled: s.conf.Enabled, Running: s.sup.Running(), Restarts: s.sup.Restarts()}
	if st.Running {
		st.StartedAt = s.sup.StartedAt()
		st.Host = s.publicHost()
		st.Port = s.conf.Port
		if s.conf.HasTls() {
			st.TlsPort = s.conf.TlsPort
		}
	}
	return st
}

func (s *Supervisor) String() string { return "turn" }

// GetICEConfiguration returns STUN servers and, when the relay is up,
// its UDP, TCP and TLS variants with fresh credentials.
func (s *Supervisor) GetICEConfiguration() api.ICEConfiguration {
	c := api.ICEConfiguration{
		IceServers:           make([]config.IceServer, 0, len(s.stun)+3),
		IceCandidatePoolSize: s.webrtc.IceCandidatePoolSize,
		BundlePolicy:         s.webrtc.BundlePolicy,
		RtcpMuxPolicy:        s.webrtc.RtcpMuxPolicy,
	}
	for _, url := range s.stun {
		c.IceServers = append(c.IceServers, config.IceServer{Urls: url})
	}
	c.IceServers = append(c.IceServers, s.webrtc.IceServers...)
	if !s.sup.Running() {
		return c
	}

	user, credential := s.credentials()
	relay := func(url string) config.IceServer {
		return config.IceServer{Urls: url, Username: user, Credential: credential}
	}
	c.IceServers = append(c.IceServers,
		relay(fmt.Sprintf("turn:%s?transport=udp", s.publicAddr(s.conf.Port))),
		relay(fmt.Sprintf("turn:%s?transport=tcp", s.publicAddr(s.conf.Port))),
	)
	if s.conf.HasTls() {
		c.IceServers = append(c.IceServers, relay(fmt.Sprintf("turns:%s?transport=tcp", s.publicAddr(s.conf.TlsPort))))
	}
	return c
}

func (s *Supervisor) credentials() (string, string) {
	if s.conf.Secret != "" {
		return restCredentials(s.conf.Secret, s.conf.User, s.now().Add(s.conf.CredentialTtl))
	}
	return s.conf.User, s.conf.Credential
}

func (s *Supervisor) publicHost() string {
	if s.conf.ExternalIp != "" {
		return s.conf.ExternalIp
	}
	return s.conf.Host
}

func (s *Supervisor) publicAddr(port int) string {
	return net.JoinHostPort(s.publicHost(), strconv.Itoa(port))
}
