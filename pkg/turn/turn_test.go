package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
)

type fakeRelay struct {
	mu       sync.Mutex
	startErr error
	checkErr error
}

func (f *fakeRelay) Start(context.Context) error { f.mu.Lock(); defer f.mu.Unlock(); return f.startErr }
func (f *fakeRelay) Stop() error                 { return nil }
func (f *fakeRelay) Check(context.Context) error { f.mu.Lock(); defer f.mu.Unlock(); return f.checkErr }

func testConf() config.SignalingConfig {
	var c config.SignalingConfig
	c.Signaling.StunServers = []string{"stun:stun.l.google.com:19302"}
	c.Turn = config.Turn{
		Enabled:       true,
		Host:          "10.0.0.5",
		Port:          3478,
		TlsPort:       5349,
		Realm:         "teleop",
		User:          "teleop",
		Credential:    "secret",
		CredentialTtl: time.Hour,
		FailThreshold: 3,
		TotalQuota:    100,
		UserQuota:     12,
		MaxBps:        3000000,
		Mobility:      true,
		PidPath:       "/tmp/t.pid",
	}
	c.Webrtc.IceCandidatePoolSize = 10
	c.Webrtc.BundlePolicy = "max-bundle"
	c.Webrtc.RtcpMuxPolicy = "require"
	return c
}

func TestICEConfiguration(t *testing.T) {
	relay := &fakeRelay{}
	s := newSupervisor(testConf(), relay, nil, logger.Nop())

	c := s.GetICEConfiguration()
	if len(c.IceServers) != 1 || c.IceServers[0].Urls != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected STUN only before start, got %+v", c.IceServers)
	}
	if c.IceCandidatePoolSize != 10 || c.BundlePolicy != "max-bundle" || c.RtcpMuxPolicy != "require" {
		t.Errorf("wrong policies %+v", c)
	}

	if !s.Start(context.Background()) {
		t.Fatalf("relay should start")
	}
	c = s.GetICEConfiguration()
	urls := make([]string, 0, len(c.IceServers))
	for _, ice := range c.IceServers {
		urls = append(urls, ice.Urls)
	}
	want := []string{
		"stun:stun.l.google.com:19302",
		"turn:10.0.0.5:3478?transport=udp",
		"turn:10.0.0.5:3478?transport=tcp",
	}
	if strings.Join(urls, " ") != strings.Join(want, " ") {
		t.Errorf("expected %v, got %v", want, urls)
	}
	if c.IceServers[1].Username != "teleop" || c.IceServers[1].Credential != "secret" {
		t.Errorf("expected static credentials, got %+v", c.IceServers[1])
	}
}

func TestDegradedStart(t *testing.T) {
	s := newSupervisor(testConf(), &fakeRelay{startErr: errors.New("no turnserver")}, nil, logger.Nop())
	if s.Start(context.Background()) {
		t.Fatalf("start should fail")
	}
	if n := len(s.GetICEConfiguration().IceServers); n != 1 {
		t.Errorf("expected STUN only in the degraded mode, got %v servers", n)
	}
	if st := s.Status(); !st.Enabled || st.Running {
		t.Errorf("wrong status %+v", st)
	}
}

func TestRestartOnFailedProbes(t *testing.T) {
	relay := &fakeRelay{}
	restarts := 0
	s := newSupervisor(testConf(), relay, func(bool) { restarts++ }, logger.Nop())
	ctx := context.Background()
	s.Start(ctx)

	relay.mu.Lock()
	relay.checkErr = errors.New("probe timeout")
	relay.mu.Unlock()

	for i := 1; i <= 6; i++ {
		s.Monitor(ctx)
		if want := i / 3; s.Restarts() != want {
			t.Errorf("after %v failed probes expected %v restarts, got %v", i, want, s.Restarts())
		}
	}
	if restarts != 2 {
		t.Errorf("expected 2 restart callbacks, got %v", restarts)
	}
}

func TestRestCredentials(t *testing.T) {
	conf := testConf()
	conf.Turn.Secret = "north"
	conf.Turn.TlsPort = 5349
	conf.Turn.Cert, conf.Turn.Key = "/c.pem", "/k.pem"
	s := newSupervisor(conf, &fakeRelay{}, nil, logger.Nop())
	s.now = func() time.Time { return time.Unix(1700000000, 0).Add(-time.Hour) }
	s.Start(context.Background())

	c := s.GetICEConfiguration()
	if len(c.IceServers) != 4 || c.IceServers[3].Urls != "turns:10.0.0.5:5349?transport=tcp" {
		t.Fatalf("expected a TLS relay, got %+v", c.IceServers)
	}
	relay := c.IceServers[1]
	if relay.Username != "1700000000:teleop" || relay.Credential != "Xnd/NwinXJmsEBpTTLdKin0e9RE=" {
		t.Errorf("wrong REST credentials %v / %v", relay.Username, relay.Credential)
	}
}

func TestRenderConf(t *testing.T) {
	c := testConf().Turn
	c.ExternalIp = "203.0.113.7"
	data, err := renderConf(c)
	if err != nil {
		t.Fatal(err)
	}
	conf := string(data)
	for _, line := range []string{
		"listening-port=3478",
		"external-ip=203.0.113.7",
		"lt-cred-mech",
		"user=teleop:secret",
		"total-quota=100",
		"user-quota=12",
		"max-bps=3000000",
		"mobility",
		"no-tls",
		"pidfile=/tmp/t.pid",
	} {
		if !strings.Contains(conf, "\n"+line+"\n") {
			t.Errorf("no %q in:\n%v", line, conf)
		}
	}

	c.Secret = "north"
	c.Cert, c.Key = "/c.pem", "/k.pem"
	data, _ = renderConf(c)
	conf = string(data)
	if !strings.Contains(conf, "static-auth-secret=north") || strings.Contains(conf, "lt-cred-mech") {
		t.Errorf("expected the secret auth in:\n%v", conf)
	}
	if !strings.Contains(conf, "tls-listening-port=5349") || strings.Contains(conf, "no-tls") {
		t.Errorf("expected TLS in:\n%v", conf)
	}
}
