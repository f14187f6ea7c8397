package robot

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
	"github.com/openrover/teleop/pkg/network/websocket"
)

var ErrNotConnected = errors.New("signaling link is down")

// Socket is an open signaling connection.
type Socket interface {
	Write(data []byte) error
	Close()
	Done() <-chan struct{}
}

// Dialer opens a connection that passes each inbound message to onMessage.
type Dialer func(ctx context.Context, u url.URL, onMessage func([]byte)) (Socket, error)

func WebsocketDialer(log *logger.Logger) Dialer {
	return func(ctx context.Context, u url.URL, onMessage func([]byte)) (Socket, error) {
		ws, err := websocket.NewClient(ctx, u, log)
		if err != nil {
			return nil, err
		}
		ws.OnMessage = func(m []byte, err error) {
			if err == nil {
				onMessage(m)
			}
		}
		ws.Listen()
		return ws, nil
	}
}

// Link is the one signaling connection of the robot shared by both loops.
// It is redialed with backoff and registered again after each loss.
type Link struct {
	url     url.URL
	backoff config.Backoff
	dial    Dialer
	handle  func(api.Frame)
	log     *logger.Logger

	mu         sync.Mutex
	sock       Socket
	registered bool
	connects   atomic.Uint64
}

func NewLink(u url.URL, backoff config.Backoff, dial Dialer, handle func(api.Frame), log *logger.Logger) *Link {
	return &Link{url: u, backoff: backoff, dial: dial, handle: handle, log: log}
}

// Run keeps the link connected until ctx is done.
func (l *Link) Run(ctx context.Context) {
	retry := network.NewRetry(l.backoff.Delay, l.backoff.MaxDelay)
	for ctx.Err() == nil {
		sock, err := l.dial(ctx, l.url, l.receive)
		if err != nil {
			l.log.Warn().Err(err).Str("url", l.url.String()).Dur("retry", retry.Time()).Msg("Signaling server is unreachable")
			if !retry.Fail(ctx) {
				return
			}
			continue
		}
		retry.Success()
		l.connects.Add(1)

		l.mu.Lock()
		l.sock, l.registered = sock, false
		l.mu.Unlock()
		if err = sock.Write(api.RegisterFrame(api.RoleRobot)); err != nil {
			l.log.Warn().Err(err).Msg("Registration")
		}
		l.log.Info().Str("url", l.url.String()).Msg("Connected to the signaling server")

		select {
		case <-ctx.Done():
		case <-sock.Done():
			l.log.Warn().Msg("Signaling link lost")
		}
		l.mu.Lock()
		l.sock, l.registered = nil, false
		l.mu.Unlock()
		sock.Close()
	}
}

func (l *Link) receive(data []byte) {
	f := api.Parse(data)
	if lf, ok := f.(api.LegacyFrame); ok {
		switch lf.Kind {
		case api.KindRegistered:
			l.mu.Lock()
			l.registered = true
			l.mu.Unlock()
			l.log.Info().Msg("Registered")
		case api.KindServerShutdown:
			l.log.Warn().Msg("Signaling server is shutting down")
		}
	}
	if l.handle != nil {
		l.handle(f)
	}
}

func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	sock := l.sock
	l.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	return sock.Write(data)
}

func (l *Link) SendSignal(s api.Signal) error {
	data, err := s.Bytes()
	if err != nil {
		return err
	}
	return l.Send(data)
}

func (l *Link) Registered() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.registered }
func (l *Link) Connects() uint64 { return l.connects.Load() }
