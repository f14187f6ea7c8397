// Package signaling is the rendezvous server of a robot and its controller.
// It registers one client per role, relays legacy frames between them,
// and runs WebRTC negotiation sessions while keeping a TURN relay alive.
package signaling

import (
	"context"
	"fmt"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/monitoring"
	"github.com/openrover/teleop/pkg/network/httpx"
	"github.com/openrover/teleop/pkg/service"
	"github.com/openrover/teleop/pkg/turn"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	conf     config.SignalingConfig
	hub      *Hub
	sessions *SessionManager
	relay    *turn.Supervisor
	http     *httpx.Server
	services service.Group
	cancel   context.CancelFunc
	log      *logger.Logger
}

// New makes a server with all its services, only a listener bind error
// (or alike) is returned as fatal.
func New(conf config.SignalingConfig, reg prometheus.Registerer, gatherer prometheus.Gatherer, log *logger.Logger) (*Server, error) {
	metrics := NewMetrics(reg)
	relay := turn.New(conf, metrics.TurnRestarted, log.Extend(log.With().Str(logger.ModuleField, "turn")))
	metrics.RegisterTurn(reg, relay.Running)

	registry := NewRegistry(ReplaceExisting)
	sessions := NewSessionManager(registry, relay.GetICEConfiguration, conf.Signaling.Session.MaxAge, metrics, log)
	hub := NewHub(registry, sessions, relay, conf.Signaling.Origin, metrics, log)

	s := &Server{conf: conf, hub: hub, sessions: sessions, relay: relay, log: log}

	srv := conf.Signaling.Server
	h, err := httpx.NewServer(
		srv.GetAddr(),
		func(*httpx.Server) httpx.Handler { return hub.Handler() },
		httpx.WithServerConfig(srv),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}
	s.http = h

	// the relay is started in the background, the clients may connect before that
	s.services.Add(relay, h)
	if conf.Signaling.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Signaling.Monitoring, gatherer, srv.GetAddr(), log)
		if err != nil {
			return nil, fmt.Errorf("monitoring: %w", err)
		}
		s.services.Add(mon)
	}
	return s, nil
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.services.Start()
	go s.sessions.RunCleanup(ctx, s.conf.Signaling.Session.CleanupInterval)
	s.log.Info().Str("addr", s.http.String()).Msg("Signaling server is ready")
}

// Shutdown tells all the clients about it, closes them and stops the services.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Close()
	return s.services.Shutdown(ctx)
}

func (s *Server) Hub() *Hub    { return s.hub }
func (s *Server) Addr() string { return s.http.Addr }
