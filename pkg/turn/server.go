package turn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network/socket"
	xos "github.com/openrover/teleop/pkg/os"
	"github.com/openrover/teleop/pkg/process"
)

const probeEvery = 250 * time.Millisecond

var ErrPortBusy = errors.New("port is busy")

// Server is a coturn process that can be run by the process supervisor.
type Server struct {
	conf config.Turn
	cmd  *process.Cmd
	log  *logger.Logger

	// probe checks that the relay accepts TCP connections.
	probe func(ctx context.Context, host string, port int, timeout time.Duration) error
}

func NewServer(conf config.Turn, log *logger.Logger) *Server {
	return &Server{
		conf:  conf,
		cmd:   process.NewCmd(conf.Binary, []string{"-c", conf.ConfigPath}, log),
		log:   log,
		probe: socket.Probe,
	}
}

// Start writes a fresh config, replaces any stray relay left from
// a previous run and waits until the new one answers the probe.
func (s *Server) Start(ctx context.Context) error {
	s.killStray()

	host := s.probeHost()
	for _, proto := range []string{"udp", "tcp"} {
		free, err := socket.IsPortFree(proto, host, s.conf.Port)
		if err != nil {
			return fmt.Errorf("%v port %v check: %w", proto, s.conf.Port, err)
		}
		if !free {
			return fmt.Errorf("%w: %v/%v", ErrPortBusy, proto, s.conf.Port)
		}
	}

	data, err := renderConf(s.conf)
	if err != nil {
		return err
	}
	if err = xos.WriteFile(s.conf.ConfigPath, data, 0600); err != nil {
		return fmt.Errorf("config write: %w", err)
	}
	s.log.Debug().Str("path", s.conf.ConfigPath).Msg("TURN config")

	if err = s.cmd.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.conf.StartTimeout)
	defer cancel()
	t := time.NewTicker(probeEvery)
	defer t.Stop()
	for {
		if err = s.Check(ctx); err == nil {
			return nil
		}
		if errors.Is(err, process.ErrExited) {
			return err
		}
		select {
		case <-ctx.Done():
			_ = s.cmd.Stop()
			return fmt.Errorf("no answer in %v: %w", s.conf.StartTimeout, err)
		case <-t.C:
		}
	}
}

func (s *Server) Check(ctx context.Context) error {
	if err := s.cmd.Alive(); err != nil {
		return err
	}
	return s.probe(ctx, s.probeHost(), s.conf.Port, s.conf.ProbeTimeout)
}

func (s *Server) Stop() error {
	err := s.cmd.Stop()
	_ = os.Remove(s.conf.PidPath)
	return err
}

func (s *Server) probeHost() string {
	if s.conf.ListenIp != "" && s.conf.ListenIp != "0.0.0.0" {
		return s.conf.ListenIp
	}
	return "127.0.0.1"
}

// killStray terminates a relay process from the pid file, if any.
func (s *Server) killStray() {
	data, err := os.ReadFile(s.conf.PidPath)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() || pid == s.cmd.Pid() {
		return
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err = p.Signal(syscall.SIGTERM); err == nil {
		s.log.Warn().Int("pid", pid).Msg("Terminated a stray TURN server")
		time.Sleep(probeEvery)
	}
	_ = os.Remove(s.conf.PidPath)
}
