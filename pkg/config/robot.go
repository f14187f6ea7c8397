package config

import (
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

const RobotFile = "robot.yaml"

type RobotConfig struct {
	Robot   Robot
	Flight  Flight
	Control Control
	Video   Video
	Webrtc  Webrtc
}

type Robot struct {
	Debug      bool
	Monitoring Monitoring
	Network    struct {
		SignalingAddress string `default:"localhost:8000"`
		Endpoint         string `default:"/ws"`
		IceEndpoint      string `default:"/ice-config"`
		Secure           bool
	}
	StatusInterval time.Duration `default:"45s"`
	// RetryInterval is how often a stopped loop is restarted.
	RetryInterval time.Duration `default:"10s"`
	Reconnect     Backoff
}

func (r *Robot) SignalingURL() url.URL {
	scheme := "ws"
	if r.Network.Secure {
		scheme = "wss"
	}
	return url.URL{Scheme: scheme, Host: r.Network.SignalingAddress, Path: r.Network.Endpoint}
}

func (r *Robot) IceURL() url.URL {
	scheme := "http"
	if r.Network.Secure {
		scheme = "https"
	}
	return url.URL{Scheme: scheme, Host: r.Network.SignalingAddress, Path: r.Network.IceEndpoint}
}

// Flight is the config of the serial link to the motion controller.
type Flight struct {
	// Devices is a list of explicit serial device names tried first.
	Devices []string
	// Patterns is a list of glob patterns for device discovery.
	Patterns          []string
	Baud              int           `default:"57600"`
	HeartbeatInterval time.Duration `default:"1s"`
	FreshnessWindow   time.Duration `default:"5s"`
	ValidateWait      time.Duration `default:"200ms"`
	LockFile          string
	SystemId          uint8 `default:"255"`
	ComponentId       uint8 `default:"190"`
	TargetSystem      uint8 `default:"1"`
	TargetComponent   uint8 `default:"1"`
	Channels          struct {
		Left   int `default:"1"`
		Right  int `default:"3"`
		Camera int `default:"8"`
	}
	Pwm struct {
		Min     uint16 `default:"1000"`
		Neutral uint16 `default:"1500"`
		Max     uint16 `default:"2000"`
	}
}

type Control struct {
	TickInterval      time.Duration `default:"1s"`
	TelemetryInterval time.Duration `default:"1s"`
	CommandTimeout    time.Duration `default:"1s"`
	Inbox             int           `default:"32"`
}

type Video struct {
	Enabled bool
	Encoder struct {
		Binary string `default:"ffmpeg"`
		// Args is the encoder command line, the {device}, {port}, {sdp}
		// tags are replaced with the actual values.
		Args            []string
		TestPatternArgs []string
		Device          string `default:"/dev/video0"`
		TestPattern     bool
		Host            string        `default:"127.0.0.1"`
		Port            int           `default:"5004"`
		SdpPath         string        `default:"/tmp/teleop-video.sdp"`
		SdpTimeout      time.Duration `default:"10s"`
		// Stall marks the encoder unhealthy when no RTP arrived for that long.
		Stall time.Duration `default:"5s"`
	}
	HealthInterval time.Duration `default:"5s"`
	FailThreshold  int           `default:"3"`
	Restart        Backoff
	Buffer         int `default:"256"`
	// StreamId is the media stream id of the outgoing track.
	StreamId string `default:"robot"`
}

func NewRobotConfig(path string) (conf RobotConfig, err error) {
	err = LoadConfig(&conf, path, RobotFile)
	if err == nil {
		conf.Webrtc.AddIceServersEnv()
	}
	return
}

// ParseRobotFlags loads the config and overrides it with
// explicitly set command-line flags.
func ParseRobotFlags(args []string) (conf RobotConfig, err error) {
	var scratch RobotConfig
	err = loadWithFlags(args, RobotFile, scratch.bind, func(path string) (binder, error) {
		if conf, err = NewRobotConfig(path); err != nil {
			return nil, err
		}
		return conf.bind, nil
	})
	return
}

func (c *RobotConfig) bind(fs *pflag.FlagSet, path *string) {
	fs.BoolVar(&c.Robot.Debug, "debug", c.Robot.Debug, "Enable debug logs")
	fs.IntVar(&c.Robot.Monitoring.Port, "monitoring.port", c.Robot.Monitoring.Port, "Monitoring server port")
	fs.StringVar(&c.Robot.Network.SignalingAddress, "signaling", c.Robot.Network.SignalingAddress, "Signaling server address (host:port)")
	fs.BoolVar(&c.Robot.Network.Secure, "secure", c.Robot.Network.Secure, "Use wss/https to reach the signaling server")
	fs.StringSliceVar(&c.Flight.Devices, "flight.device", c.Flight.Devices, "Flight controller serial device(s)")
	fs.StringVar(&c.Video.Encoder.Device, "video.device", c.Video.Encoder.Device, "Video capture device")
	fs.BoolVar(&c.Video.Encoder.TestPattern, "video.testPattern", c.Video.Encoder.TestPattern, "Stream a synthetic test pattern")
	fs.BoolVar(&c.Video.Enabled, "video", c.Video.Enabled, "Enable the video loop")
	fs.StringVar(path, "r-conf", *path, "Set custom configuration file path")
}
