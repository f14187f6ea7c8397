package flight

import (
	"io"
	"path/filepath"
	"sort"

	"go.bug.st/serial"
)

// Port is an open serial device.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the device at the given baud rate.
type Opener func(device string, baud int) (Port, error)

func SerialOpener(device string, baud int) (Port, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Candidates lists the devices to try: the explicit ones first,
// then the system ports matching any of the patterns.
func Candidates(devices, patterns []string, list func() ([]string, error)) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(d string) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	for _, d := range devices {
		add(d)
	}
	if len(patterns) == 0 {
		return out, nil
	}
	if list == nil {
		list = serial.GetPortsList
	}
	ports, err := list()
	if err != nil {
		return out, err
	}
	sort.Strings(ports)
	for _, p := range ports {
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, p); ok {
				add(p)
				break
			}
		}
	}
	return out, nil
}
