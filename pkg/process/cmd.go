package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/openrover/teleop/pkg/logger"
)

const defaultStopTimeout = 3 * time.Second

var ErrExited = errors.New("process exited")

// Cmd is an external program started in the background.
// Its output is forwarded into the log line by line.
type Cmd struct {
	name string
	args []string
	log  *logger.Logger

	StopTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func NewCmd(name string, args []string, log *logger.Logger) *Cmd {
	return &Cmd{name: name, args: args, log: log, StopTimeout: defaultStopTimeout}
}

// Start launches the program, the process lifetime is not bound to ctx.
func (c *Cmd) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && !c.isExited() {
		return fmt.Errorf("%v is already running", c.name)
	}

	cmd := exec.Command(c.name, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("%v start: %w", c.name, err)
	}
	exited := make(chan struct{})
	c.cmd, c.exited, c.err = cmd, exited, nil

	go c.pipe(stdout)
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(exited)
		c.log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msgf("%v exited", c.name)
	}()
	c.log.Debug().Int("pid", cmd.Process.Pid).Strs("args", c.args).Msgf("%v started", c.name)
	return nil
}

func (c *Cmd) pipe(r io.Reader) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		c.log.Debug().Msg(s.Text())
	}
}

// Stop asks the process to terminate and kills it after StopTimeout.
func (c *Cmd) Stop() error {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
	case <-time.After(c.StopTimeout):
		c.log.Warn().Msgf("%v didn't stop in %v, killing", c.name, c.StopTimeout)
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		<-exited
	}
	return nil
}

// Alive returns ErrExited when the process has been started and then died.
func (c *Cmd) Alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return ErrNotRunning
	}
	if c.isExited() {
		return fmt.Errorf("%w: %v", ErrExited, c.err)
	}
	return nil
}

func (c *Cmd) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Cmd) isExited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}
