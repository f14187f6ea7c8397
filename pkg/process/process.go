// Package process keeps external programs alive.
package process

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openrover/teleop/pkg/config"
	"github.com/openrover/teleop/pkg/logger"
	"github.com/openrover/teleop/pkg/network"
)

// Runnable is something that can be started, probed and stopped again.
type Runnable interface {
	Start(ctx context.Context) error
	Stop() error
	// Check probes the health of a started runnable.
	Check(ctx context.Context) error
}

var ErrNotRunning = errors.New("not running")

type Options struct {
	HealthInterval time.Duration
	// FailThreshold is the number of consecutive failed checks before a restart.
	FailThreshold int
	Backoff       config.Backoff
	// OnRestart is called after each restart attempt with the result.
	OnRestart func(ok bool)
}

// Supervisor runs periodic health checks of a Runnable and restarts it
// with a capped exponential delay after too many failed checks.
type Supervisor struct {
	proc Runnable
	opts Options
	log  *logger.Logger

	op    sync.Mutex // serializes Start, Stop, Restart
	mu    sync.Mutex
	retry network.Retry

	running   bool
	startedAt time.Time
	restarts  int
	fails     int
}

func NewSupervisor(proc Runnable, opts Options, log *logger.Logger) *Supervisor {
	if opts.FailThreshold < 1 {
		opts.FailThreshold = 1
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	return &Supervisor{
		proc:  proc,
		opts:  opts,
		log:   log,
		retry: network.NewRetry(opts.Backoff.Delay, opts.Backoff.MaxDelay),
	}
}

// Start starts the runnable, a failure is logged and reported as false.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.op.Lock()
	defer s.op.Unlock()
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) bool {
	err := s.proc.Start(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = 0
	if err != nil {
		s.running = false
		s.log.Warn().Err(err).Msg("Start failed")
		return false
	}
	s.running = true
	s.startedAt = time.Now()
	s.log.Info().Msg("Started")
	return true
}

// Tick makes one health check. A runnable that is not running counts as failed.
func (s *Supervisor) Tick(ctx context.Context) {
	err := ErrNotRunning
	if s.Running() {
		err = s.proc.Check(ctx)
	}

	s.mu.Lock()
	if err == nil {
		s.fails = 0
		s.mu.Unlock()
		return
	}
	s.fails++
	fails := s.fails
	s.mu.Unlock()

	s.log.Warn().Err(err).Int("fails", fails).Msg("Health check failed")
	if fails >= s.opts.FailThreshold {
		s.Restart(ctx)
	}
}

// Run checks the runnable every health interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Restart stops the runnable, waits the current backoff delay and
// starts it again. Each attempt increments the restart counter.
func (s *Supervisor) Restart(ctx context.Context) bool {
	s.op.Lock()
	defer s.op.Unlock()

	if err := s.proc.Stop(); err != nil {
		s.log.Debug().Err(err).Msg("Stop before restart")
	}
	s.mu.Lock()
	s.running = false
	s.fails = 0
	s.restarts++
	n := s.restarts
	s.mu.Unlock()

	s.log.Info().Int("restarts", n).Dur("delay", s.retry.Time()).Msg("Restarting")
	if !s.retry.Fail(ctx) {
		return false
	}
	ok := s.start(ctx)
	if ok {
		s.retry.Success()
	}
	if s.opts.OnRestart != nil {
		s.opts.OnRestart(ok)
	}
	return ok
}

func (s *Supervisor) Stop() error {
	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	err := s.proc.Stop()
	if wasRunning {
		s.log.Info().Msg("Stopped")
	}
	return err
}

func (s *Supervisor) Running() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.running }
func (s *Supervisor) Restarts() int { s.mu.Lock(); defer s.mu.Unlock(); return s.restarts }

func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}
