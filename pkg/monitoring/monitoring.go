package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const debugEndpoint = "/debug/pprof"
const metricsEndpoint = "/metrics"

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// Route is an additional endpoint of the monitoring server.
type Route struct {
	Pattern string
	Handler http.Handler
}

// New creates new monitoring service.
// Metrics are served from the given registry, nil means the default one.
func New(conf config.Monitoring, reg prometheus.Gatherer, baseAddr string, log *logger.Logger, routes ...Route) (*Monitoring, error) {
	m := &Monitoring{conf: conf, log: log}
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	serv, err := httpx.NewServer(
		httpx.MergeAddresses(baseAddr, conf.Port),
		func(serv *httpx.Server) httpx.Handler {
			h := httpx.NewServeMux(conf.URLPrefix)
			if conf.ProfilingEnabled {
				h.HandleFunc(debugEndpoint+"/", pprof.Index).
					HandleFunc(debugEndpoint+"/cmdline", pprof.Cmdline).
					HandleFunc(debugEndpoint+"/profile", pprof.Profile).
					HandleFunc(debugEndpoint+"/symbol", pprof.Symbol).
					HandleFunc(debugEndpoint+"/trace", pprof.Trace).
					Handle(debugEndpoint+"/allocs", pprof.Handler("allocs")).
					Handle(debugEndpoint+"/block", pprof.Handler("block")).
					Handle(debugEndpoint+"/goroutine", pprof.Handler("goroutine")).
					Handle(debugEndpoint+"/heap", pprof.Handler("heap")).
					Handle(debugEndpoint+"/mutex", pprof.Handler("mutex")).
					Handle(debugEndpoint+"/threadcreate", pprof.Handler("threadcreate"))
			}
			if conf.MetricEnabled {
				h.Handle(metricsEndpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			}
			for _, r := range routes {
				h.Handle(r.Pattern, r.Handler)
			}
			return h
		},
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	m.server = serv
	return m, nil
}

func (m *Monitoring) Run() {
	m.printInfo()
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Debug().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}

func (m *Monitoring) Addr() string { return m.server.Addr }

func (m *Monitoring) printInfo() {
	message := m.log.Info()
	if m.conf.ProfilingEnabled {
		message = message.Str("profiler", m.server.Addr+m.conf.URLPrefix+debugEndpoint)
	}
	if m.conf.MetricEnabled {
		message = message.Str("prometheus", m.server.Addr+m.conf.URLPrefix+metricsEndpoint)
	}
	message.Msg("Monitoring")
}
