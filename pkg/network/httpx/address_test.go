package httpx

import (
	"net"
	"testing"
)

type testListener struct {
	addr net.TCPAddr
}

func (tl testListener) Accept() (net.Conn, error) { return nil, nil }
func (tl testListener) Close() error              { return nil }
func (tl testListener) Addr() net.Addr            { return &tl.addr }

func newTCP(port int) Listener {
	return Listener{testListener{addr: net.TCPAddr{Port: port}}}
}

func TestBuildAddress(t *testing.T) {
	tests := []struct {
		addr string
		ls   Listener
		rez  string
	}{
		{addr: "", rez: "localhost"},
		{addr: ":", ls: newTCP(0), rez: "localhost"},
		{addr: "", ls: newTCP(393), rez: "localhost:393"},
		{addr: ":8000", ls: newTCP(8000), rez: "localhost:8000"},
		{addr: ":8000", ls: newTCP(8001), rez: "localhost:8001"},
		{addr: "robot.lan:8000", ls: newTCP(8000), rez: "robot.lan:8000"},
		{addr: ":443", ls: newTCP(443), rez: "localhost"},
		{addr: "[::]", rez: "[::]"},
	}

	for _, test := range tests {
		address := buildAddress(test.addr, test.ls)
		if address != test.rez {
			t.Errorf("expected %v, got %v", test.rez, address)
		}
	}
}

func TestExtractHost(t *testing.T) {
	tests := []struct{ addr, host string }{
		{"localhost:8000", "localhost"},
		{"robot.lan", "robot.lan"},
		{"10.0.0.1:", "10.0.0.1"},
	}
	for _, test := range tests {
		if h := extractHost(test.addr); h != test.host {
			t.Errorf("expected %v, got %v", test.host, h)
		}
	}
}

func TestMergeAddresses(t *testing.T) {
	tests := []struct {
		base string
		port int
		rez  string
	}{
		{base: ":8000", port: 6601, rez: ":6601"},
		{base: "127.0.0.1:0", port: 0, rez: "127.0.0.1:0"},
		{base: "robot.lan", port: 9000, rez: "robot.lan:9000"},
	}
	for _, test := range tests {
		if a := MergeAddresses(test.base, test.port); a != test.rez {
			t.Errorf("expected %v, got %v", test.rez, a)
		}
	}
}
