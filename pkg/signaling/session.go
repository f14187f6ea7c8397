package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/logger"
)

type State string

const (
	StateCreated    State = "created"
	StateOfferSent  State = "offer-sent"
	StateAnswerSent State = "answer-sent"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrInvalidState     = errors.New("invalid session state")
	ErrSessionCollision = errors.New("session id collision")
)

const (
	outcomeEnded   = "ended"
	outcomeFailed  = "failed"
	outcomeExpired = "expired"
)

// Session is one negotiation between the robot and the controller.
type Session struct {
	Id          string
	Initiator   api.Role
	State       State
	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	LastOffer   json.RawMessage
	LastAnswer  json.RawMessage

	// peers are the clients bound to the session at its creation
	peers map[api.Role]*Client
}

// ICEProvider returns the current ICE configuration for new peer connections.
type ICEProvider func() api.ICEConfiguration

// SessionManager relays negotiation messages of sessions between
// the registered clients. Each message is handled under a single lock,
// the resulting frames are sent after the lock is released.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	total    int

	reg     *Registry
	ice     ICEProvider
	maxAge  time.Duration
	metrics *Metrics
	log     *logger.Logger

	now   func() time.Time
	newId func() string
}

func NewSessionManager(reg *Registry, ice ICEProvider, maxAge time.Duration, metrics *Metrics, log *logger.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		reg:      reg,
		ice:      ice,
		maxAge:   maxAge,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
		newId:    func() string { return uuid.Must(uuid.NewV4()).String() },
	}
}

type delivery struct {
	to *Client
	s  api.Signal
}

type outbox []delivery

func (o *outbox) add(to *Client, s api.Signal) { *o = append(*o, delivery{to: to, s: s}) }

func (o *outbox) flush() {
	for _, d := range *o {
		if d.to != nil {
			_ = d.to.SendSignal(d.s)
		}
	}
}

// Handle dispatches a signal by its type.
func (m *SessionManager) Handle(from *Client, s api.Signal) (err error) {
	m.metrics.signal(s.SignalType)

	var out outbox
	defer out.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s.SignalType {
	case api.SignalOffer:
		err = m.handleOffer(from, s, &out)
	case api.SignalAnswer:
		err = m.handleAnswer(from, s, &out)
	case api.SignalIceCandidate:
		err = m.handleIceCandidate(from, s, &out)
	case api.SignalRequestVideo:
		err = m.handleRequestVideo(from, s, &out)
	case api.SignalConnected:
		err = m.handleConnected(from, s, &out)
	case api.SignalSessionEnd:
		err = m.handleSessionEnd(from, s, &out)
	case api.SignalError:
		err = m.handleError(from, s, &out)
	default:
		err = fmt.Errorf("%w: %v", api.ErrUnknownSignal, s.SignalType)
	}
	if err != nil {
		l := m.log.Warn()
		if errors.Is(err, ErrUnknownSession) {
			l = m.log.Debug()
		}
		l.Err(err).Str(logger.SessionField, s.SessionId).Str("from", from.String()).Msgf("%v", s.SignalType)
	}
	return err
}

func (m *SessionManager) HandleOffer(from *Client, s api.Signal) error {
	s.SignalType = api.SignalOffer
	return m.Handle(from, s)
}

func (m *SessionManager) HandleAnswer(from *Client, s api.Signal) error {
	s.SignalType = api.SignalAnswer
	return m.Handle(from, s)
}

func (m *SessionManager) HandleIceCandidate(from *Client, s api.Signal) error {
	s.SignalType = api.SignalIceCandidate
	return m.Handle(from, s)
}

func (m *SessionManager) HandleSessionEnd(from *Client, s api.Signal) error {
	s.SignalType = api.SignalSessionEnd
	return m.Handle(from, s)
}

// reject replies to the sender with an error envelope.
func reject(out *outbox, to *Client, sid string, err error, message string) error {
	out.add(to, api.ErrorSignal(sid, message))
	return err
}

func notConnected(role api.Role) string {
	if role == api.RoleRobot {
		return "Robot not connected"
	}
	return "Controller not connected"
}

func (m *SessionManager) handleOffer(from *Client, s api.Signal, out *outbox) error {
	if from.Role() != api.RoleRobot {
		return reject(out, from, s.SessionId, api.ErrForbidden, "Only the robot can send an offer")
	}
	if _, err := api.Unwrap[api.SessionDescription](s); err != nil {
		return reject(out, from, s.SessionId, err, "Malformed offer")
	}
	controller, ok := m.reg.Get(api.RoleController)
	if !ok {
		return reject(out, from, s.SessionId, ErrNoPeer, notConnected(api.RoleController))
	}

	sess, ok := m.sessions[s.SessionId]
	if ok {
		if err := m.checkPeer(sess, from); err != nil {
			return reject(out, from, s.SessionId, err, "Session id collision")
		}
		if sess.State != StateCreated && sess.State != StateOfferSent {
			return reject(out, from, s.SessionId, ErrInvalidState, "Unexpected offer in "+string(sess.State))
		}
	} else {
		if s.SessionId == "" {
			s.SessionId = m.newId()
		}
		sess = m.create(s.SessionId, api.RoleRobot, from, controller)
	}

	sess.LastOffer = s.Data
	sess.State = StateOfferSent
	out.add(sess.peers[api.RoleController], s.WithSession(sess.Id))
	return nil
}

func (m *SessionManager) handleAnswer(from *Client, s api.Signal, out *outbox) error {
	if from.Role() != api.RoleController {
		return reject(out, from, s.SessionId, api.ErrForbidden, "Only the controller can send an answer")
	}
	sess, err := m.find(from, s.SessionId)
	if err != nil {
		if errors.Is(err, ErrSessionCollision) {
			return reject(out, from, s.SessionId, err, "Session id collision")
		}
		return err
	}
	if sess.State != StateOfferSent {
		return reject(out, from, s.SessionId, ErrInvalidState, "Unexpected answer in "+string(sess.State))
	}
	if _, err = api.Unwrap[api.SessionDescription](s); err != nil {
		return reject(out, from, s.SessionId, err, "Malformed answer")
	}
	sess.LastAnswer = s.Data
	sess.State = StateAnswerSent
	out.add(sess.peers[api.RoleRobot], s)
	return nil
}

func (m *SessionManager) handleIceCandidate(from *Client, s api.Signal, out *outbox) error {
	sess, err := m.find(from, s.SessionId)
	if err != nil {
		if errors.Is(err, ErrSessionCollision) {
			return reject(out, from, s.SessionId, err, "Session id collision")
		}
		return err
	}
	if _, err = api.Unwrap[api.IceCandidate](s); err != nil {
		return reject(out, from, s.SessionId, err, "Malformed ICE candidate")
	}
	out.add(sess.peers[from.Role().Opposite()], s)
	return nil
}

func (m *SessionManager) handleRequestVideo(from *Client, s api.Signal, out *outbox) error {
	if from.Role() != api.RoleController {
		return reject(out, from, s.SessionId, api.ErrForbidden, "Only the controller can request video")
	}
	robot, ok := m.reg.Get(api.RoleRobot)
	if !ok {
		return reject(out, from, s.SessionId, ErrNoPeer, notConnected(api.RoleRobot))
	}
	if _, ok = m.sessions[s.SessionId]; ok {
		return reject(out, from, s.SessionId, ErrSessionCollision, "Session id collision")
	}
	if s.SessionId == "" {
		s.SessionId = m.newId()
	}
	var ice api.ICEConfiguration
	if m.ice != nil {
		ice = m.ice()
	}
	rq, err := api.NewSignal(api.SignalRequestVideo, s.SessionId, ice)
	if err != nil {
		return err
	}
	m.create(s.SessionId, api.RoleController, robot, from)
	out.add(robot, rq)
	return nil
}

func (m *SessionManager) handleConnected(from *Client, s api.Signal, out *outbox) error {
	sess, err := m.find(from, s.SessionId)
	if err != nil {
		return err
	}
	switch sess.State {
	case StateConnected:
		return nil
	case StateAnswerSent:
		sess.State = StateConnected
		sess.ConnectedAt = m.now()
		out.add(sess.peers[from.Role().Opposite()], s)
		m.log.Info().Str(logger.SessionField, sess.Id).
			Dur("negotiation", sess.ConnectedAt.Sub(sess.CreatedAt)).Msg("Session connected")
		return nil
	}
	return reject(out, from, s.SessionId, ErrInvalidState, "Unexpected connected in "+string(sess.State))
}

func (m *SessionManager) handleSessionEnd(from *Client, s api.Signal, out *outbox) error {
	sess, err := m.find(from, s.SessionId)
	if errors.Is(err, ErrUnknownSession) {
		// already ended
		return nil
	}
	if err != nil {
		return err
	}
	var reason string
	if len(s.Data) > 0 {
		if d, err := api.Unwrap[api.SessionEndData](s); err == nil {
			reason = d.Reason
		}
	}
	m.end(sess, StateEnded, outcomeEnded, reason, out, sess.peers[from.Role().Opposite()])
	return nil
}

// handleError passes peer errors of a session to the other side.
func (m *SessionManager) handleError(from *Client, s api.Signal, out *outbox) error {
	sess, err := m.find(from, s.SessionId)
	if err != nil {
		return err
	}
	out.add(sess.peers[from.Role().Opposite()], s)
	return nil
}

// PeerDisconnected fails all the sessions of the client
// and notifies the other side.
func (m *SessionManager) PeerDisconnected(c *Client) {
	var out outbox
	defer out.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	role := c.Role()
	reason := role.String() + " disconnected"
	for _, sess := range m.sessions {
		if sess.peers[role] == c {
			m.end(sess, StateFailed, outcomeFailed, reason, &out, sess.peers[role.Opposite()])
		}
	}
}

// Cleanup removes sessions that haven't been connected for too long.
func (m *SessionManager) Cleanup() int {
	var out outbox
	defer out.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, sess := range m.sessions {
		if sess.State == StateConnected || now.Sub(sess.CreatedAt) <= m.maxAge {
			continue
		}
		m.end(sess, StateFailed, outcomeExpired, "expired", &out,
			sess.peers[api.RoleRobot], sess.peers[api.RoleController])
		n++
	}
	return n
}

// RunCleanup calls Cleanup periodically until ctx is done.
func (m *SessionManager) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Cleanup(); n > 0 {
				m.log.Info().Int("sessions", n).Msg("Expired sessions removed")
			}
		}
	}
}

// Get returns a copy of the session.
func (m *SessionManager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	cp := *sess
	cp.peers = nil
	return cp, true
}

func (m *SessionManager) Active() int { m.mu.Lock(); defer m.mu.Unlock(); return len(m.sessions) }
func (m *SessionManager) Total() int  { m.mu.Lock(); defer m.mu.Unlock(); return m.total }

func (m *SessionManager) create(id string, initiator api.Role, robot, controller *Client) *Session {
	sess := &Session{
		Id:        id,
		Initiator: initiator,
		State:     StateCreated,
		CreatedAt: m.now(),
		peers:     map[api.Role]*Client{api.RoleRobot: robot, api.RoleController: controller},
	}
	m.sessions[id] = sess
	m.total++
	m.metrics.sessionCreated()
	m.log.Info().Str(logger.SessionField, id).Str("initiator", initiator.String()).Msg("Session created")
	return sess
}

// find returns the session if the client takes part in it.
func (m *SessionManager) find(from *Client, id string) (*Session, error) {
	sess, ok := m.sessions[id]
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return sess, m.checkPeer(sess, from)
}

func (m *SessionManager) checkPeer(sess *Session, c *Client) error {
	if sess.peers[c.Role()] != c {
		return fmt.Errorf("%w: %v isn't a peer of %v", ErrSessionCollision, c, sess.Id)
	}
	return nil
}

func (m *SessionManager) end(sess *Session, state State, outcome, reason string, out *outbox, notify ...*Client) {
	sess.State = state
	sess.EndedAt = m.now()
	delete(m.sessions, sess.Id)
	m.metrics.sessionClosed(outcome)

	end, _ := api.NewSignal(api.SignalSessionEnd, sess.Id, api.SessionEndData{Reason: reason})
	for _, c := range notify {
		out.add(c, end)
	}
	m.log.Info().Str(logger.SessionField, sess.Id).Str("state", string(state)).Str("reason", reason).Msg("Session closed")
}
