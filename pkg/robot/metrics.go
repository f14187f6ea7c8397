package robot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teleop_robot"

func gauge(f promauto.Factory, name, help string, v func() bool) {
	f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, func() float64 {
		if v() {
			return 1
		}
		return 0
	})
}

func counter(f promauto.Factory, name, help string, v func() uint64) {
	f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, func() float64 {
		return float64(v())
	})
}

// registerMetrics exposes the state of the supervisor.
func registerMetrics(reg prometheus.Registerer, s *Supervisor) {
	if reg == nil {
		return
	}
	f := promauto.With(reg)
	gauge(f, "control_running", "Control loop is running", s.control.Running)
	gauge(f, "flight_connected", "Flight link is alive", s.control.Linked)
	gauge(f, "signaling_registered", "Registered at the signaling server", s.link.Registered)
	counter(f, "commands_total", "Total commands applied", s.control.Commands)
	counter(f, "signaling_connects_total", "Total signaling connections made", s.link.Connects)
	if s.video != nil {
		gauge(f, "video_running", "Video loop is running", s.video.Running)
		gauge(f, "video_initialized", "Encoder stream is ready", s.video.Initialized)
		counter(f, "rtp_forwarded_total", "Total RTP packets handed to the sessions", s.bridge.Forwarded)
		counter(f, "rtp_dropped_total", "Total RTP packets dropped for slow sessions", s.bridge.Dropped)
		counter(f, "video_sessions_total", "Total video sessions", func() uint64 { return uint64(s.video.Sessions()) })
	}
}
