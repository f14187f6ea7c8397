package config

import (
	"time"

	"github.com/spf13/pflag"
)

const SignalingFile = "signaling.yaml"

type SignalingConfig struct {
	Signaling Signaling
	Turn      Turn
	Webrtc    Webrtc
}

type Signaling struct {
	Debug      bool
	Monitoring Monitoring
	// Origin restricts websocket upgrades to a single origin, empty allows any.
	Origin  string
	Server  Server
	Session struct {
		MaxAge          time.Duration `default:"5m"`
		CleanupInterval time.Duration `default:"30s"`
	}
	// StunServers are always handed out to peers, even in the degraded mode.
	StunServers []string
}

// Turn is the config of the supervised NAT relay (coturn) process.
type Turn struct {
	Enabled    bool
	Binary     string `default:"turnserver"`
	ConfigPath string `default:"/tmp/teleop-turnserver.conf"`
	PidPath    string `default:"/tmp/teleop-turnserver.pid"`
	// Host is the address peers use to reach the relay.
	Host       string `default:"127.0.0.1"`
	ListenIp   string
	ExternalIp string
	Port       int    `default:"3478"`
	TlsPort    int    `default:"5349"`
	Realm      string `default:"teleop"`
	User       string `default:"teleop"`
	Credential string
	// Secret enables short-lived REST API credentials instead of the static ones.
	Secret        string
	CredentialTtl time.Duration `default:"24h"`
	TotalQuota    int           `default:"100"`
	UserQuota     int           `default:"12"`
	MaxBps        int           `default:"3000000"`
	Mobility      bool
	Cert          string
	Key           string

	StartTimeout   time.Duration `default:"10s"`
	ProbeTimeout   time.Duration `default:"2s"`
	HealthInterval time.Duration `default:"30s"`
	FailThreshold  int           `default:"3"`
	Restart        Backoff
}

func (t *Turn) HasTls() bool { return t.TlsPort > 0 && t.Cert != "" && t.Key != "" }

func NewSignalingConfig(path string) (conf SignalingConfig, err error) {
	err = LoadConfig(&conf, path, SignalingFile)
	if err == nil {
		conf.Webrtc.AddIceServersEnv()
	}
	return
}

// ParseSignalingFlags loads the config and overrides it with
// explicitly set command-line flags.
func ParseSignalingFlags(args []string) (conf SignalingConfig, err error) {
	var scratch SignalingConfig
	err = loadWithFlags(args, SignalingFile, scratch.bind, func(path string) (binder, error) {
		if conf, err = NewSignalingConfig(path); err != nil {
			return nil, err
		}
		return conf.bind, nil
	})
	return
}

func (c *SignalingConfig) bind(fs *pflag.FlagSet, path *string) {
	c.Signaling.Server.WithFlags(fs)
	fs.BoolVar(&c.Signaling.Debug, "debug", c.Signaling.Debug, "Enable debug logs")
	fs.IntVar(&c.Signaling.Monitoring.Port, "monitoring.port", c.Signaling.Monitoring.Port, "Monitoring server port")
	fs.BoolVar(&c.Turn.Enabled, "turn", c.Turn.Enabled, "Run the supervised TURN server")
	fs.StringVar(&c.Turn.ExternalIp, "turn.externalIp", c.Turn.ExternalIp, "TURN server external (public) IP")
	fs.StringVar(path, "s-conf", *path, "Set custom configuration file path")
}
