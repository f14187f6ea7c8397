package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const udpBufferSize = 4 * 1024 * 1024

var ErrProto = errors.New("unsupported protocol")

// Listen creates either TCP or UDP socket listener on a given host and port.
// The proto param supports on of these values:
// udp, udp4, udp6, tcp, tcp4, tcp6
// The function result will be either *net.UDPConn for UDPs or
// *net.TCPListener for TCPs.
func Listen(proto string, host string, port int) (io.Closer, error) {
	switch proto {
	case "udp", "udp4", "udp6":
		l, err := net.ListenUDP(proto, &net.UDPAddr{IP: net.ParseIP(host), Port: port})
		if err != nil {
			return nil, err
		}
		_ = l.SetReadBuffer(udpBufferSize)
		return l, nil
	case "tcp", "tcp4", "tcp6":
		l, err := net.ListenTCP(proto, &net.TCPAddr{IP: net.ParseIP(host), Port: port})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return nil, ErrProto
}

// IsPortFree checks whether a port can be bound right now.
func IsPortFree(proto string, host string, port int) (bool, error) {
	l, err := Listen(proto, host, port)
	if err != nil {
		if IsPortBusyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, l.Close()
}

// Probe tries to open a TCP connection to the address within the timeout.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// IsPortBusyError tests if the given error is one of
// the port busy errors.
func IsPortBusyError(err error) bool {
	if err == nil {
		return false
	}
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errErrno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}
