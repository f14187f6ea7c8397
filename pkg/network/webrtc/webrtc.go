package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/pion/webrtc/v3"
)

var ErrClosed = errors.New("peer connection is closed")

// Handlers are the peer callbacks, any of them may be nil.
type Handlers struct {
	// OnCandidate is called for each local ICE candidate,
	// nil candidate is never passed.
	OnCandidate func(api.IceCandidate)
	OnState     func(webrtc.PeerConnectionState)
}

// Peer is the offering side of a send-only media connection.
// Remote ICE candidates received before the answer are kept
// until the remote description is set.
type Peer struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger

	mu        sync.Mutex
	remoteSet bool
	closed    bool
	pending   []webrtc.ICECandidateInit
}

func (a *ApiFactory) NewPeer(ice api.ICEConfiguration, h Handlers, log *logger.Logger) (*Peer, error) {
	conn, err := a.NewPeerConnection(ice)
	if err != nil {
		return nil, err
	}
	p := &Peer{conn: conn, log: log}
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		// gathering is complete
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		if h.OnCandidate != nil {
			h.OnCandidate(toCandidate(c.ToJSON()))
		}
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("WebRTC")
		if h.OnState != nil {
			h.OnState(s)
		}
	})
	return p, nil
}

// NewTrack makes an RTP track of the codec, packets written to the track
// are forwarded as is.
func NewTrack(mime string, clockRate uint32, id, stream string) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate}, id, stream)
}

// MimeType returns the mime type of the codec named in an SDP rtpmap.
func MimeType(kind, codec string) (string, error) {
	var mime string
	switch strings.ToLower(codec) {
	case "h264":
		mime = webrtc.MimeTypeH264
	case "vp8":
		mime = webrtc.MimeTypeVP8
	case "vp9":
		mime = webrtc.MimeTypeVP9
	case "av1":
		mime = webrtc.MimeTypeAV1
	case "opus":
		mime = webrtc.MimeTypeOpus
	}
	if mime == "" || !strings.HasPrefix(mime, kind+"/") {
		return "", fmt.Errorf("unsupported codec %s:%s", kind, codec)
	}
	return mime, nil
}

// AddTrack attaches a send-only track and drains its RTCP.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	tr, err := p.conn.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	if err != nil {
		return err
	}
	sender := tr.Sender()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	p.log.Debug().Msgf("Added [%s] track", track.Kind())
	return nil
}

// Offer creates the local offer and applies it.
func (p *Peer) Offer() (api.SessionDescription, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return api.SessionDescription{}, err
	}
	if err = p.conn.SetLocalDescription(offer); err != nil {
		return api.SessionDescription{}, err
	}
	return api.SessionDescription{Sdp: offer.SDP, Type: offer.Type.String()}, nil
}

// SetAnswer applies the remote answer and adds the candidates
// that came before it.
func (p *Peer) SetAnswer(d api.SessionDescription) error {
	if d.Type != webrtc.SDPTypeAnswer.String() {
		return fmt.Errorf("%w: %v instead of answer", api.ErrMalformed, d.Type)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.Sdp}); err != nil {
		return err
	}
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Pending ICE candidate")
		}
	}
	if len(pending) > 0 {
		p.log.Debug().Int("n", len(pending)).Msg("Pending ICE candidates added")
	}
	return nil
}

// AddCandidate adds the remote candidate or keeps it
// until the answer arrives.
func (p *Peer) AddCandidate(c api.IceCandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SdpMid, SDPMLineIndex: c.SdpMLineIndex}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		return nil
	}
	return p.conn.AddICECandidate(init)
}

// Pending returns the number of buffered remote candidates.
func (p *Peer) Pending() int { p.mu.Lock(); defer p.mu.Unlock(); return len(p.pending) }

func (p *Peer) State() webrtc.PeerConnectionState { return p.conn.ConnectionState() }

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return p.conn.Close()
}

func toCandidate(c webrtc.ICECandidateInit) api.IceCandidate {
	return api.IceCandidate{Candidate: c.Candidate, SdpMid: c.SDPMid, SdpMLineIndex: c.SDPMLineIndex}
}
