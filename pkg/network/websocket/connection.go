package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// conn is a gorilla connection with write deadlines,
// reads and writes must each be done from a single goroutine.
type conn struct {
	sock      *websocket.Conn
	writeWait time.Duration
}

// keepalive limits the inbound frames and, when pong > 0, extends
// the read deadline on every pong.
func (c conn) keepalive(limit int64, pong time.Duration) {
	c.sock.SetReadLimit(limit)
	if pong <= 0 {
		return
	}
	_ = c.sock.SetReadDeadline(time.Now().Add(pong))
	c.sock.SetPongHandler(func(string) error { return c.sock.SetReadDeadline(time.Now().Add(pong)) })
}

func (c conn) read() ([]byte, error) {
	_, message, err := c.sock.ReadMessage()
	return message, err
}

func (c conn) text(message []byte) error { return c.write(websocket.TextMessage, message) }
func (c conn) ping() error               { return c.write(websocket.PingMessage, nil) }

// bye sends the normal closure frame.
func (c conn) bye() error {
	return c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c conn) write(kind int, message []byte) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.sock.WriteMessage(kind, message)
}

func (c conn) close() error       { return c.sock.Close() }
func (c conn) remoteAddr() string { return c.sock.RemoteAddr().String() }
