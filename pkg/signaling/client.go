package signaling

import (
	"sync"
	"time"

	"github.com/openrover/teleop/pkg/api"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
)

// Conn is the transport of a client, each write is a whole frame.
type Conn interface {
	Write(data []byte) error
	Close()
}

// Client is a connected peer, it gets a role only after registration.
type Client struct {
	id   network.Uid
	conn Conn
	log  *logger.Logger

	mu           sync.Mutex
	role         api.Role
	registeredAt time.Time
}

func NewClient(id network.Uid, conn Conn, log *logger.Logger) *Client {
	if id == network.EmptyUid {
		id = network.NewUid()
	}
	return &Client{
		id:   id,
		conn: conn,
		log:  log.Extend(log.With().Str(logger.ClientField, id.Short())),
	}
}

func (c *Client) Id() network.Uid { return c.id }

func (c *Client) Role() api.Role { c.mu.Lock(); defer c.mu.Unlock(); return c.role }

func (c *Client) RegisteredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredAt
}

func (c *Client) setRole(role api.Role, at time.Time) {
	c.mu.Lock()
	c.role, c.registeredAt = role, at
	c.mu.Unlock()
}

// Send writes a frame to the client.
func (c *Client) Send(data []byte) error {
	if err := c.conn.Write(data); err != nil {
		c.log.Debug().Err(err).Str(logger.DirectionField, "→").Msg("send failed")
		return err
	}
	c.log.Debug().Str(logger.DirectionField, "→").Bytes("frame", truncate(data)).Send()
	return nil
}

// SendSignal writes an envelope to the client.
func (c *Client) SendSignal(s api.Signal) error {
	data, err := s.Bytes()
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Client) Close() { c.conn.Close() }

func (c *Client) String() string {
	if role := c.Role(); role != "" {
		return role.String() + ":" + c.id.Short()
	}
	return c.id.Short()
}

const logFrameLimit = 128

func truncate(b []byte) []byte {
	if len(b) > logFrameLimit {
		return b[:logFrameLimit]
	}
	return b
}
