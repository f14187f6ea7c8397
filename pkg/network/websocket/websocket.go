package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	dialTimeout    = 10 * time.Second
	sendQueue      = 64
)

var ErrClosed = errors.New("websocket closed")

type WS struct {
	id   network.Uid
	conn conn
	send chan []byte

	OnMessage MessageHandler

	pingPong bool
	listen   sync.Once
	stop     sync.Once
	done     chan struct{}
	closed   chan struct{}
	log      *logger.Logger
}

type MessageHandler func(message []byte, err error)

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{Upgrader: websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(*http.Request) bool { return true },
}}

// NewUpgrader makes an upgrader that accepts connections only from the origin,
// the empty origin allows all.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	if origin != "" {
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServer upgrades an HTTP request into a websocket peer.
func NewServer(w http.ResponseWriter, r *http.Request, u *Upgrader, log *logger.Logger) (*WS, error) {
	if u == nil {
		u = &DefaultUpgrader
	}
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

// NewClient dials a websocket server.
func NewClient(ctx context.Context, address url.URL, log *logger.Logger) (*WS, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout
	conn, _, err := dialer.DialContext(ctx, address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(sock *websocket.Conn, pingPong bool, log *logger.Logger) *WS {
	if log == nil {
		log = logger.Default()
	}
	id := network.NewUid()
	return &WS{
		id:       id,
		conn:     conn{sock: sock, writeWait: writeWait},
		send:     make(chan []byte, sendQueue),
		pingPong: pingPong,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		log:      log.Extend(log.With().Str("ws", id.Short())),
	}
}

func (ws *WS) Id() network.Uid { return ws.id }

// RemoteAddr returns the address of the other side.
func (ws *WS) RemoteAddr() string { return ws.conn.remoteAddr() }

// Listen starts the read and write pumps of the socket.
// OnMessage should be set before the call.
func (ws *WS) Listen() {
	ws.listen.Do(func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); ws.writer() }()
		go func() { defer wg.Done(); ws.reader() }()
		go func() { wg.Wait(); close(ws.closed) }()
	})
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.shutdown()
		ws.log.Debug().Msg("reader closed")
	}()
	var pong time.Duration
	if ws.pingPong {
		pong = pongTime
	}
	ws.conn.keepalive(maxMessageSize, pong)
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Warn().Err(err).Msg("read")
			}
			return
		}
		if ws.OnMessage != nil {
			ws.OnMessage(message, nil)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Serializes all websocket writes.
func (ws *WS) writer() {
	var ping <-chan time.Time
	if ws.pingPong {
		ticker := time.NewTicker(pingTime)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		_ = ws.conn.close()
		ws.log.Debug().Msg("writer closed")
	}()
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.text(message); err != nil {
				ws.log.Warn().Err(err).Msg("write")
				ws.shutdown()
				return
			}
		case <-ping:
			if err := ws.conn.ping(); err != nil {
				ws.shutdown()
				return
			}
		case <-ws.done:
			// flush what is left so the last frames (i.e. shutdown notices) get delivered
			for {
				select {
				case message := <-ws.send:
					_ = ws.conn.text(message)
					continue
				default:
				}
				break
			}
			_ = ws.conn.bye()
			return
		}
	}
}

// Write queues a text message, each message is written atomically.
func (ws *WS) Write(data []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	select {
	case ws.send <- data:
		return nil
	case <-ws.done:
		return ErrClosed
	}
}

// Close stops the socket, it is safe to call Close multiple times.
func (ws *WS) Close() {
	ws.shutdown()
	listening := true
	ws.listen.Do(func() {
		listening = false
		_ = ws.conn.close()
		close(ws.closed)
	})
	if !listening {
		ws.log.Debug().Msg("closed before listen")
	}
}

// Done is closed when both pumps have been stopped.
func (ws *WS) Done() <-chan struct{} { return ws.closed }

func (ws *WS) shutdown() { ws.stop.Do(func() { close(ws.done) }) }
