package httpx

import (
	"net"
	"strconv"

	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/socket"
)

const maxPortRollAttempts = 42

type Listener struct {
	net.Listener
}

// NewListener opens a TCP listener on the address. With rollPorts it
// tries the next ports when the requested one is busy.
func NewListener(address string, rollPorts bool, log *logger.Logger) (*Listener, error) {
	ls, err := net.Listen("tcp", address)
	if err == nil {
		return &Listener{ls}, nil
	}
	if !rollPorts || !socket.IsPortBusyError(err) {
		return nil, err
	}
	host, p, _ := net.SplitHostPort(address)
	port, _ := strconv.Atoi(p)
	if port == 0 {
		return nil, err
	}
	for i := port + 1; i < port+maxPortRollAttempts; i++ {
		ls, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(i)))
		if err == nil {
			log.Warn().Msgf("port %v is busy, rolled to %v", port, i)
			return &Listener{ls}, nil
		}
	}
	return nil, err
}

func (l Listener) GetPort() int {
	if l.Listener == nil {
		return 0
	}
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
