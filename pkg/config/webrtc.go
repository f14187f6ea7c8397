package config

import (
	"log"
	"strings"
)

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap             string
	IceCandidatePoolSize uint8  `default:"10"`
	BundlePolicy         string `default:"max-bundle"`
	RtcpMuxPolicy        string `default:"require"`
	LogLevel             int
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasIceIpMap() bool  { return w.IceIpMap != "" }

// AddIceServersEnv replaces or appends ICE servers with the values
// from TELEOP_WEBRTC_ICESERVERS_[N]_URLS-like env variables.
func (w *Webrtc) AddIceServersEnv() {
	cfg := struct{ Webrtc Webrtc }{Webrtc: Webrtc{IceServers: []IceServer{{}, {}, {}, {}, {}}}}
	_ = LoadConfigEnv(&cfg)
	for i, ice := range cfg.Webrtc.IceServers {
		if ice.Urls == "" {
			continue
		}
		if strings.HasPrefix(ice.Urls, "turn:") || strings.HasPrefix(ice.Urls, "turns:") {
			if ice.Username == "" || ice.Credential == "" {
				log.Fatalf("TURN or TURNS servers should have both username and credential: %+v", ice)
			}
		}
		if i > len(w.IceServers)-1 {
			w.IceServers = append(w.IceServers, ice)
		} else {
			w.IceServers[i] = ice
		}
	}
}
