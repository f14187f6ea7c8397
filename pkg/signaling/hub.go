package signaling

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/com"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
	"github.com/openrover/teleop/pkg/network/httpx"
	"github.com/openrover/teleop/pkg/network/websocket"
	"github.com/openrover/teleop/pkg/turn"
)

// Relay is the source of ICE configuration and relay server state.
type Relay interface {
	GetICEConfiguration() api.ICEConfiguration
	Status() turn.Status
}

// Hub accepts client connections and passes their frames either to
// the router or to the session manager.
type Hub struct {
	reg      *Registry
	router   *Router
	sessions *SessionManager
	relay    Relay
	conns    *com.Map[network.Uid, *Client]
	upgrader *websocket.Upgrader
	metrics  *Metrics
	log      *logger.Logger
	origin   string

	startedAt time.Time
}

type Status struct {
	StartedAt   time.Time `json:"startedAt"`
	Connections struct {
		Open       int  `json:"open"`
		Robot      bool `json:"robot"`
		Controller bool `json:"controller"`
	} `json:"connections"`
	Sessions struct {
		Active int `json:"active"`
		Total  int `json:"total"`
	} `json:"sessions"`
	Turn turn.Status `json:"turn"`
}

func NewHub(reg *Registry, sessions *SessionManager, relay Relay, origin string, metrics *Metrics, log *logger.Logger) *Hub {
	return &Hub{
		reg:       reg,
		router:    NewRouter(reg, metrics, log),
		sessions:  sessions,
		relay:     relay,
		conns:     com.NewMap[network.Uid, *Client](),
		upgrader:  websocket.NewUpgrader(origin),
		metrics:   metrics,
		log:       log,
		origin:    origin,
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP endpoints of the hub.
func (h *Hub) Handler() httpx.Handler {
	return httpx.NewServeMux("").
		HandleFunc("/ws", h.ServeWS).
		HandleFunc("/status", h.serveStatus).
		HandleFunc("/health", h.serveHealth).
		HandleFunc("/ice-config", h.serveIceConfig)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.NewServer(w, r, h.upgrader, h.log)
	if err != nil {
		h.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade")
		return
	}
	c := h.Connect(ws.Id(), ws)
	ws.OnMessage = func(message []byte, err error) {
		if err == nil {
			h.HandleMessage(c, message)
		}
	}
	ws.Listen()
	go func() {
		<-ws.Done()
		h.Disconnect(c)
	}()
	c.log.Info().Str("addr", ws.RemoteAddr()).Msg("Connected")
}

// Connect adds a new unregistered client.
func (h *Hub) Connect(id network.Uid, conn Conn) *Client {
	c := NewClient(id, conn, h.log)
	h.conns.Put(c.Id(), c)
	return c
}

// HandleMessage processes one frame of the client.
// Frames of a client are expected to be handled one at a time.
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	c.log.Debug().Str(logger.DirectionField, "←").Bytes("frame", truncate(raw)).Send()

	switch f := api.Parse(raw).(type) {
	case api.Malformed:
		h.metrics.routingError("malformed")
		c.log.Warn().Err(f.Err).Msg("Malformed frame")
		if h.reg.IsCurrent(c) {
			_ = c.SendSignal(api.ErrorSignal("", "Malformed frame"))
		}
	case api.LegacyFrame:
		if f.Kind == api.KindRegister {
			h.register(c, f.Payload)
			return
		}
		if !h.allowed(c) {
			return
		}
		if err := h.router.Route(c, f); err != nil {
			c.log.Warn().Err(err).Msgf("%v not routed", f.Kind)
		}
	case api.Signal:
		if !h.allowed(c) {
			return
		}
		_ = h.sessions.Handle(c, f)
	}
}

// allowed drops frames of clients without a role.
// Evicted clients are ignored, the unregistered ones get an error.
func (h *Hub) allowed(c *Client) bool {
	if h.reg.IsCurrent(c) {
		return true
	}
	h.metrics.routingError("not_registered")
	if c.Role() == "" {
		_ = c.Send(api.NotRegisteredFrame())
	}
	return false
}

func (h *Hub) register(c *Client, payload string) {
	role, ok := api.ParseRole(payload)
	if !ok {
		c.log.Warn().Str("role", payload).Msg("Unknown role, closing")
		c.Close()
		return
	}
	renewal := h.reg.IsCurrent(c)
	evicted, err := h.reg.Register(role, c)
	if err != nil {
		c.log.Warn().Err(err).Msgf("%v registration", role)
		if errors.Is(err, ErrRoleFixed) {
			_ = c.Send(api.ForbiddenFrame(api.KindRegister))
			return
		}
		c.Close()
		return
	}
	if evicted != nil {
		evicted.log.Info().Msgf("Evicted by %v", c)
		h.metrics.connected(role.String(), -1)
		h.sessions.PeerDisconnected(evicted)
		evicted.Close()
	}
	if !renewal {
		h.metrics.connected(role.String(), 1)
		c.log.Info().Msgf("Registered as %v", role)
	}
	_ = c.Send(api.RegisteredFrame(role))
}

// Disconnect forgets the client, its sessions fail.
func (h *Hub) Disconnect(c *Client) {
	h.conns.RemoveByKey(c.Id())
	if h.reg.Unregister(c) {
		h.metrics.connected(c.Role().String(), -1)
		h.sessions.PeerDisconnected(c)
	}
	ev := c.log.Info()
	if at := c.Id().Created(); !at.IsZero() {
		ev = ev.Dur("after", time.Since(at).Round(time.Second))
	}
	ev.Msg("Disconnected")
}

// Broadcast sends the frame to every open connection.
func (h *Hub) Broadcast(data []byte) {
	for _, c := range h.conns.Values() {
		_ = c.Send(data)
	}
}

// Close notifies all the clients about the shutdown and closes them.
func (h *Hub) Close() {
	clients := h.conns.Values()
	for _, c := range clients {
		_ = c.Send(api.ServerShutdownFrame())
	}
	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) Status() Status {
	var s Status
	s.StartedAt = h.startedAt
	s.Connections.Open = h.conns.Len()
	s.Connections.Robot = h.reg.IsConnected(api.RoleRobot)
	s.Connections.Controller = h.reg.IsConnected(api.RoleController)
	s.Sessions.Active = h.sessions.Active()
	s.Sessions.Total = h.sessions.Total()
	if h.relay != nil {
		s.Turn = h.relay.Status()
	}
	return s
}

func (h *Hub) serveStatus(w http.ResponseWriter, _ *http.Request) { h.writeJSON(w, h.Status()) }

func (h *Hub) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if h.relay != nil {
		if t := h.relay.Status(); t.Enabled && !t.Running {
			status = "degraded"
		}
	}
	h.writeJSON(w, map[string]string{"status": status})
}

func (h *Hub) serveIceConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.cors(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var c api.ICEConfiguration
	if h.relay != nil {
		c = h.relay.GetICEConfiguration()
	}
	h.writeJSON(w, c)
}

func (h *Hub) cors(w http.ResponseWriter) {
	origin := h.origin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
}

func (h *Hub) writeJSON(w http.ResponseWriter, v any) {
	h.cors(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("json response")
	}
}
