package video

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/webrtc"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v3"
)

const inboxSize = 64

var (
	ErrInboxFull      = errors.New("video inbox is full")
	ErrNotReady       = errors.New("video is not ready")
	ErrUnknownSession = errors.New("unknown video session")
)

// Source is the stream of the encoder.
type Source interface {
	Start(ctx context.Context) bool
	Run(ctx context.Context)
	Stop() error
	Initialized() bool
	Format() (Format, bool)
	Subscribe(buffer int) (<-chan *rtp.Packet, func())
}

// Signaler sends the signal envelopes to the server.
type Signaler interface {
	SendSignal(s api.Signal) error
}

type session struct {
	id     string
	peer   *webrtc.Peer
	track  *pion.TrackLocalStaticRTP
	stop   func()
	linked bool
}

// Loop negotiates one video connection at a time on the operator request.
type Loop struct {
	conf    config.Video
	factory *webrtc.ApiFactory
	source  Source
	signal  Signaler
	log     *logger.Logger
	newId   func() string

	inbox chan api.Signal

	// life serializes Start and Stop
	life     sync.Mutex
	mu       sync.Mutex
	ice      api.ICEConfiguration
	sess     *session
	running  bool
	cancel   context.CancelFunc
	abort    context.CancelFunc
	sessions int
}

func NewLoop(conf config.Video, factory *webrtc.ApiFactory, source Source, signal Signaler, ice api.ICEConfiguration, log *logger.Logger) *Loop {
	return &Loop{
		conf:    conf,
		factory: factory,
		source:  source,
		signal:  signal,
		ice:     ice,
		log:     log.Extend(log.With().Str(logger.ModuleField, "video")),
		newId:   func() string { return uuid.Must(uuid.NewV4()).String() },
		inbox:   make(chan api.Signal, inboxSize),
	}
}

// Start starts the encoder stream, the loop stays down if it fails.
// A concurrent Stop aborts it.
func (l *Loop) Start(ctx context.Context) bool {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	l.life.Lock()
	defer l.life.Unlock()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return true
	}
	l.abort = abort
	l.mu.Unlock()
	defer func() { l.mu.Lock(); l.abort = nil; l.mu.Unlock() }()

	if !l.source.Start(ctx) {
		l.log.Warn().Msg("Video source is not available")
		return false
	}
	if ctx.Err() != nil {
		_ = l.source.Stop()
		return false
	}
	run, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.running, l.cancel = true, cancel
	l.mu.Unlock()
	go l.source.Run(run)
	l.log.Info().Msg("Video loop started")
	return true
}

// Stop ends the session and the encoder.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.abort != nil {
		l.abort()
	}
	l.mu.Unlock()

	l.life.Lock()
	defer l.life.Unlock()

	l.mu.Lock()
	cancel, sess, was := l.cancel, l.sess, l.running
	l.running, l.cancel, l.sess = false, nil, nil
	l.mu.Unlock()

	if sess != nil {
		l.close(sess, "video stopped", true)
	}
	if cancel != nil {
		cancel()
	}
	if err := l.source.Stop(); err != nil {
		l.log.Warn().Err(err).Msg("Video source stop")
	}
	if was {
		l.log.Info().Msg("Video loop stopped")
	}
}

func (l *Loop) Running() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.running }

// Initialized tells whether the encoder stream is flowing.
func (l *Loop) Initialized() bool { return l.source.Initialized() }

// Session returns the id of the current session, if any.
func (l *Loop) Session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return ""
	}
	return l.sess.id
}

func (l *Loop) Sessions() int { l.mu.Lock(); defer l.mu.Unlock(); return l.sessions }

// SetICE replaces the ICE configuration for the next sessions.
func (l *Loop) SetICE(ice api.ICEConfiguration) {
	if len(ice.IceServers) == 0 {
		return
	}
	l.mu.Lock()
	l.ice = ice
	l.mu.Unlock()
}

// Dispatch queues the signal for Serve so that the caller
// (the server reader) never waits on a negotiation.
func (l *Loop) Dispatch(s api.Signal) error {
	select {
	case l.inbox <- s:
		return nil
	default:
		return ErrInboxFull
	}
}

// Serve handles the queued signals until the context is done.
func (l *Loop) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-l.inbox:
			l.HandleSignal(s)
		}
	}
}

// HandleSignal dispatches a signal from the server.
func (l *Loop) HandleSignal(s api.Signal) {
	var err error
	switch s.SignalType {
	case api.SignalRequestVideo:
		if len(s.Data) > 0 {
			if ice, err := api.Unwrap[api.ICEConfiguration](s); err == nil {
				l.SetICE(ice)
			}
		}
		err = l.HandleVideoRequest(s.SessionId)
	case api.SignalAnswer:
		err = l.HandleAnswer(s)
	case api.SignalIceCandidate:
		err = l.HandleCandidate(s)
	case api.SignalSessionEnd:
		l.End(s.SessionId, "ended by the peer")
	case api.SignalError:
		d, _ := api.Unwrap[api.ErrorData](s)
		l.log.Warn().Str(logger.SessionField, s.SessionId).Msgf("Server error: %v", d.Message)
	}
	if err != nil {
		l.log.Warn().Err(err).Str(logger.SessionField, s.SessionId).Msgf("%v", s.SignalType)
	}
}

// HandleVideoRequest makes a new peer connection with the video track
// and sends its offer. A previous session is closed.
func (l *Loop) HandleVideoRequest(sid string) error {
	format, ok := l.source.Format()
	if !l.Running() || !ok {
		_ = l.signal.SendSignal(api.ErrorSignal(sid, "Video not available"))
		return ErrNotReady
	}
	if sid == "" {
		sid = l.newId()
	}

	l.mu.Lock()
	prev := l.sess
	l.sess = nil
	ice := l.ice
	l.mu.Unlock()
	if prev != nil {
		l.close(prev, "replaced", prev.id != sid)
	}

	sess := &session{id: sid}
	peer, err := l.factory.NewPeer(ice, webrtc.Handlers{
		OnCandidate: func(c api.IceCandidate) { l.sendCandidate(sid, c) },
		OnState:     func(st pion.PeerConnectionState) { l.onState(sess, st) },
	}, l.log.Extend(l.log.With().Str(logger.SessionField, sid)))
	if err != nil {
		return err
	}
	sess.peer = peer
	if sess.track, err = webrtc.NewTrack(format.Mime, format.ClockRate, "video", l.conf.StreamId); err != nil {
		_ = peer.Close()
		return err
	}
	if err = peer.AddTrack(sess.track); err != nil {
		_ = peer.Close()
		return err
	}

	l.mu.Lock()
	l.sess = sess
	l.sessions++
	l.mu.Unlock()

	offer, err := peer.Offer()
	if err != nil {
		l.End(sid, "offer failed")
		return err
	}
	s, err := api.NewSignal(api.SignalOffer, sid, offer)
	if err != nil {
		l.End(sid, "offer failed")
		return err
	}
	l.log.Info().Str(logger.SessionField, sid).Str("format", format.String()).Msg("Video offer")
	return l.signal.SendSignal(s)
}

func (l *Loop) current(sid string) (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil || l.sess.id != sid {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sid)
	}
	return l.sess, nil
}

func (l *Loop) HandleAnswer(s api.Signal) error {
	sess, err := l.current(s.SessionId)
	if err != nil {
		return err
	}
	d, err := api.Unwrap[api.SessionDescription](s)
	if err != nil {
		return err
	}
	return sess.peer.SetAnswer(d)
}

func (l *Loop) HandleCandidate(s api.Signal) error {
	sess, err := l.current(s.SessionId)
	if err != nil {
		return err
	}
	c, err := api.Unwrap[api.IceCandidate](s)
	if err != nil {
		return err
	}
	// an empty candidate ends the remote gathering
	if c.Candidate == "" {
		return nil
	}
	return sess.peer.AddCandidate(c)
}

// End closes the session with the id, the server is not notified.
func (l *Loop) End(sid, reason string) {
	l.mu.Lock()
	sess := l.sess
	if sess == nil || sess.id != sid {
		l.mu.Unlock()
		return
	}
	l.sess = nil
	l.mu.Unlock()
	l.close(sess, reason, false)
}

func (l *Loop) close(sess *session, reason string, notify bool) {
	if sess.stop != nil {
		sess.stop()
	}
	if err := sess.peer.Close(); err != nil {
		l.log.Debug().Err(err).Msg("Peer close")
	}
	if notify {
		if s, err := api.NewSignal(api.SignalSessionEnd, sess.id, api.SessionEndData{Reason: reason}); err == nil {
			_ = l.signal.SendSignal(s)
		}
	}
	l.log.Info().Str(logger.SessionField, sess.id).Str("reason", reason).Msg("Video session closed")
}

func (l *Loop) sendCandidate(sid string, c api.IceCandidate) {
	s, err := api.NewSignal(api.SignalIceCandidate, sid, c)
	if err == nil {
		err = l.signal.SendSignal(s)
	}
	if err != nil {
		l.log.Debug().Err(err).Msg("ICE candidate not sent")
	}
}

func (l *Loop) onState(sess *session, st pion.PeerConnectionState) {
	switch st {
	case pion.PeerConnectionStateConnected:
		l.connected(sess)
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateDisconnected:
		l.log.Warn().Str(logger.SessionField, sess.id).Msgf("Peer connection %v", st)
		l.mu.Lock()
		active := l.sess == sess
		if active {
			l.sess = nil
		}
		l.mu.Unlock()
		if active {
			l.close(sess, "peer connection "+st.String(), true)
		}
	}
}

// connected starts forwarding the packets into the track.
func (l *Loop) connected(sess *session) {
	l.mu.Lock()
	if l.sess != sess || sess.linked {
		l.mu.Unlock()
		return
	}
	sess.linked = true
	packets, unsubscribe := l.source.Subscribe(l.conf.Buffer)
	done := make(chan struct{})
	var once sync.Once
	sess.stop = func() { once.Do(func() { close(done); unsubscribe() }) }
	l.mu.Unlock()

	go forward(packets, done, sess.track, l.log)

	if s, err := api.NewSignal(api.SignalConnected, sess.id, nil); err == nil {
		_ = l.signal.SendSignal(s)
	}
	l.log.Info().Str(logger.SessionField, sess.id).Msg("Video connected")
}

func forward(packets <-chan *rtp.Packet, done <-chan struct{}, track *pion.TrackLocalStaticRTP, log *logger.Logger) {
	for {
		select {
		case <-done:
			return
		case p := <-packets:
			// the track rewrites the header
			cp := *p
			if err := track.WriteRTP(&cp); err != nil {
				log.Debug().Err(err).Msg("RTP write")
			}
		}
	}
}
