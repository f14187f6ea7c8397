package video

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/socket"
	"github.com/pion/rtp"
)

const maxPacket = 1500

// Receiver reads the RTP stream of the encoder from a loopback UDP port.
type Receiver struct {
	conn *net.UDPConn
	on   func(*rtp.Packet)
	log  *logger.Logger

	lastPacket atomic.Int64
	received   atomic.Uint64
	wg         sync.WaitGroup
}

func Listen(host string, port int, on func(*rtp.Packet), log *logger.Logger) (*Receiver, error) {
	l, err := socket.Listen("udp", host, port)
	if err != nil {
		return nil, err
	}
	conn, ok := l.(*net.UDPConn)
	if !ok {
		_ = l.Close()
		return nil, socket.ErrProto
	}
	r := &Receiver{conn: conn, on: on, log: log}
	r.wg.Add(1)
	go r.read()
	return r, nil
}

func (r *Receiver) read() {
	defer r.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Warn().Err(err).Msg("RTP read")
			}
			return
		}
		p := &rtp.Packet{}
		if err = p.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			r.log.Debug().Err(err).Msg("Not an RTP packet")
			continue
		}
		r.lastPacket.Store(time.Now().UnixNano())
		r.received.Add(1)
		r.on(p)
	}
}

// LastPacket is the arrival time of the latest packet, zero if none came yet.
func (r *Receiver) LastPacket() time.Time {
	if ns := r.lastPacket.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (r *Receiver) Received() uint64 { return r.received.Load() }
func (r *Receiver) Addr() net.Addr   { return r.conn.LocalAddr() }

func (r *Receiver) Close() error {
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
