package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openrover/teleop/pkg/network/webrtc"
	"github.com/pion/sdp/v3"
)

var ErrNoVideo = errors.New("no video stream in the session description")

// Format is the stream the encoder has announced.
type Format struct {
	Codec       string
	Mime        string
	ClockRate   uint32
	PayloadType uint8
	Port        int
}

func (f Format) String() string {
	return fmt.Sprintf("%v/%v pt=%v port=%v", f.Codec, f.ClockRate, f.PayloadType, f.Port)
}

// ParseSDP reads the first video stream of the session description.
func ParseSDP(data []byte) (Format, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return Format{}, fmt.Errorf("sdp: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" || len(md.MediaName.Formats) == 0 {
			continue
		}
		var pt uint8
		if _, err := fmt.Sscanf(md.MediaName.Formats[0], "%d", &pt); err != nil {
			return Format{}, fmt.Errorf("sdp payload type %q: %w", md.MediaName.Formats[0], err)
		}
		codec, err := sd.GetCodecForPayloadType(pt)
		if err != nil {
			return Format{}, fmt.Errorf("sdp codec: %w", err)
		}
		mime, err := webrtc.MimeType("video", codec.Name)
		if err != nil {
			return Format{}, err
		}
		return Format{
			Codec:       codec.Name,
			Mime:        mime,
			ClockRate:   codec.ClockRate,
			PayloadType: pt,
			Port:        md.MediaName.Port.Value,
		}, nil
	}
	return Format{}, ErrNoVideo
}

// WaitSDP waits until a valid session description appears at the path.
func WaitSDP(ctx context.Context, path string, timeout time.Duration) (Format, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Format{}, err
	}
	defer func() { _ = watcher.Close() }()
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return Format{}, err
	}
	if err = watcher.Add(dir); err != nil {
		return Format{}, err
	}

	var lastErr error = os.ErrNotExist
	read := func() (Format, bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			return Format{}, false
		}
		f, err := ParseSDP(data)
		if err != nil {
			lastErr = err
			return Format{}, false
		}
		return f, true
	}

	if f, ok := read(); ok {
		return f, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Format{}, fmt.Errorf("no session description at %v in %v: %w", path, timeout, lastErr)
		case event, ok := <-watcher.Events:
			if !ok {
				return Format{}, lastErr
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if f, ok := read(); ok {
					return f, nil
				}
			}
		case err, ok := <-watcher.Errors:
			if ok {
				lastErr = err
			}
		}
	}
}
