package signaling

import (
	"github.com/openrover/teleop/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teleop_signaling"

// Metrics of the signaling server, a nil value is a no-op.
type Metrics struct {
	connections    *prometheus.GaugeVec
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	framesRouted   *prometheus.CounterVec
	signals        *prometheus.CounterVec
	routingErrors  *prometheus.CounterVec
	turnRestarts   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open connections by role",
		}, []string{"role"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in progress",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total sessions closed by outcome",
		}, []string{"outcome"}),
		framesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_routed_total",
			Help:      "Total legacy frames relayed by kind",
		}, []string{"kind"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Total signal envelopes received by type",
		}, []string{"type"}),
		routingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_errors_total",
			Help:      "Total frames that couldn't be relayed by reason",
		}, []string{"reason"}),
		turnRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_restarts_total",
			Help:      "Total TURN server restarts by result",
		}, []string{"result"}),
	}
}

// RegisterTurn exposes the TURN server state as a gauge.
func (m *Metrics) RegisterTurn(reg prometheus.Registerer, running func() bool) {
	if m == nil {
		return
	}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "turn_running",
		Help:      "Whether the TURN server is running",
	}, func() float64 {
		if running() {
			return 1
		}
		return 0
	})
}

func (m *Metrics) TurnRestarted(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.turnRestarts.WithLabelValues(result).Inc()
}

func (m *Metrics) connected(role string, delta float64) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Add(delta)
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) frameRouted(kind api.Kind) {
	if m == nil {
		return
	}
	switch kind {
	case api.KindCommand, api.KindTelemetry, api.KindError:
	default:
		kind = "OTHER"
	}
	m.framesRouted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) signal(t api.SignalType) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) routingError(reason string) {
	if m == nil {
		return
	}
	m.routingErrors.WithLabelValues(reason).Inc()
}
