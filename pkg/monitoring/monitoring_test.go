package monitoring

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "teleop_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	m, err := New(config.Monitoring{MetricEnabled: true}, reg, "127.0.0.1:0", logger.Nop())
	if err != nil {
		t.Fatalf("couldn't start monitoring: %v", err)
	}
	m.Run()
	defer func() { _ = m.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "teleop_test_total 1") {
		t.Errorf("metric is missing in:\n%s", body)
	}
}
