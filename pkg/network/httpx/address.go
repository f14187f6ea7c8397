package httpx

import (
	"net"
	"strconv"
	"strings"
)

// buildAddress joins the host part of the address with the actual port of
// the listener. Default web ports are omitted.
//
// As example, address host.com:8080 and listener 123.123.123.123:8888 will be
// transformed to host.com:8888.
func buildAddress(address string, l Listener) string {
	addr, _, err := net.SplitHostPort(address)
	if err != nil {
		addr = address
	}
	if addr == "" {
		addr = "localhost"
	}
	if l.Listener == nil {
		return addr
	}
	port := l.GetPort()
	if port > 0 && port != 80 && port != 443 {
		addr += ":" + strconv.Itoa(port)
	}
	return addr
}

func extractHost(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return strings.TrimSuffix(address, ":")
}

// MergeAddresses replaces the port of the base address with the given one.
// The zero port keeps the base port.
func MergeAddresses(base string, port int) string {
	if port == 0 {
		return base
	}
	host, _, err := net.SplitHostPort(base)
	if err != nil {
		host = base
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
