package flight

import (
	"io"
	"sync"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/frame"
)

// The link speaks MAVLink v1 as a ground station.

const rcChannels = 8

var (
	dialectOnce sync.Once
	dialectDE   *dialect.ReadWriter
	dialectErr  error
)

func decEncoder() (*dialect.ReadWriter, error) {
	dialectOnce.Do(func() { dialectDE, dialectErr = dialect.NewReadWriter(common.Dialect) })
	return dialectDE, dialectErr
}

func newWriter(w io.Writer, system, component uint8) (*frame.Writer, error) {
	de, err := decEncoder()
	if err != nil {
		return nil, err
	}
	return frame.NewWriter(frame.WriterConf{
		Writer:         w,
		DialectRW:      de,
		OutVersion:     frame.V1,
		OutSystemID:    system,
		OutComponentID: component,
	})
}

func newReader(r io.Reader) (*frame.Reader, error) {
	de, err := decEncoder()
	if err != nil {
		return nil, err
	}
	return frame.NewReader(frame.ReaderConf{Reader: r, DialectRW: de})
}

func heartbeat() *common.MessageHeartbeat {
	return &common.MessageHeartbeat{
		Type:           common.MAV_TYPE_GCS,
		Autopilot:      common.MAV_AUTOPILOT_INVALID,
		SystemStatus:   common.MAV_STATE_ACTIVE,
		MavlinkVersion: 3,
	}
}

func rcOverride(ch [rcChannels]uint16, system, component uint8) *common.MessageRcChannelsOverride {
	return &common.MessageRcChannelsOverride{
		TargetSystem:    system,
		TargetComponent: component,
		Chan1Raw:        ch[0],
		Chan2Raw:        ch[1],
		Chan3Raw:        ch[2],
		Chan4Raw:        ch[3],
		Chan5Raw:        ch[4],
		Chan6Raw:        ch[5],
		Chan7Raw:        ch[6],
		Chan8Raw:        ch[7],
	}
}

// seen counts every inbound byte as a sign of life, whether it
// parses or not, and keeps the port error apart from the parse errors.
type seen struct {
	r     io.Reader
	stamp func()
	err   error
}

func (s *seen) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.stamp()
	}
	if err != nil {
		s.err = err
	}
	return n, err
}
