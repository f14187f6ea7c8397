package webrtc

import (
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// ApiFactory makes peer connections with a shared media, interceptor
// and network setup.
type ApiFactory struct {
	api *webrtc.API
	log *logger.Logger
}

type ModApiFun func(m *webrtc.MediaEngine, i *interceptor.Registry, s *webrtc.SettingEngine)

func NewApiFactory(conf config.Webrtc, log *logger.Logger, mod ModApiFun) (*ApiFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if !conf.DisableDefaultInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return nil, err
		}
	}
	s := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, conf.LogLevel)}
	if conf.HasPortRange() {
		if err := s.SetEphemeralUDPPortRange(conf.IcePorts.Min, conf.IcePorts.Max); err != nil {
			return nil, err
		}
	}
	if conf.HasIceIpMap() {
		s.SetNAT1To1IPs([]string{conf.IceIpMap}, webrtc.ICECandidateTypeHost)
		log.Info().Msgf("The NAT mapping is active for %v", conf.IceIpMap)
	}
	if mod != nil {
		mod(m, i, &s)
	}
	return &ApiFactory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		log: log,
	}, nil
}

// Configuration converts the ICE configuration handed out by
// the signaling server into the pion one.
func Configuration(ice api.ICEConfiguration) webrtc.Configuration {
	c := webrtc.Configuration{
		ICEServers:           make([]webrtc.ICEServer, 0, len(ice.IceServers)),
		ICECandidatePoolSize: ice.IceCandidatePoolSize,
	}
	for _, s := range ice.IceServers {
		server := webrtc.ICEServer{URLs: []string{s.Urls}}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	switch ice.BundlePolicy {
	case "balanced":
		c.BundlePolicy = webrtc.BundlePolicyBalanced
	case "max-compat":
		c.BundlePolicy = webrtc.BundlePolicyMaxCompat
	case "max-bundle":
		c.BundlePolicy = webrtc.BundlePolicyMaxBundle
	}
	switch ice.RtcpMuxPolicy {
	case "negotiate":
		c.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	case "require":
		c.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	}
	return c
}

func (a *ApiFactory) NewPeerConnection(ice api.ICEConfiguration) (*webrtc.PeerConnection, error) {
	return a.api.NewPeerConnection(Configuration(ice))
}
