package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/process"
)

type SupervisorOptions struct {
	ReadyMarker  string
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// Supervisor owns the engine process: it spawns it, waits for the ready
// marker, forwards its output to the log and reports unexpected exits.
type Supervisor struct {
	launcher process.Launcher
	opts     SupervisorOptions
	onExit   func(error)

	mu       sync.Mutex
	handle   process.Handle
	exited   chan struct{}
	stopping bool
}

func NewSupervisor(launcher process.Launcher, opts SupervisorOptions, onExit func(error)) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Supervisor{launcher: launcher, opts: opts, onExit: onExit}
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Start spawns the engine and blocks until it prints the ready marker.
func (s *Supervisor) Start(ctx context.Context, spec process.Spec) error {
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return ErrProcessAlreadyRunning
	}
	h, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("launch engine: %w", err)
	}
	exited := make(chan struct{})
	s.handle = h
	s.exited = exited
	s.stopping = false
	s.mu.Unlock()

	slog.Info("engine process started", "id", h.ID(), "executable", spec.Executable, "port", spec.Port)

	ready := make(chan struct{})
	go s.scanStdout(h.Stdout(), ready)
	go s.pipeStderr(h.Stderr())
	go s.waitExit(h, exited)

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		slog.Info("engine ready", "id", h.ID())
		return nil
	case <-exited:
		return fmt.Errorf("%w: exited before ready", ErrProcessNotRunning)
	case <-timer.C:
		slog.Error("engine did not become ready", "timeout", s.opts.StartTimeout)
		_ = s.Stop(context.Background())
		return fmt.Errorf("%w after %s", ErrProcessStartTimeout, s.opts.StartTimeout)
	case <-ctx.Done():
		_ = s.Stop(context.Background())
		return ctx.Err()
	}
}

func (s *Supervisor) scanStdout(r io.Reader, ready chan struct{}) {
	var once sync.Once
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if s.opts.ReadyMarker != "" && strings.Contains(line, s.opts.ReadyMarker) {
			once.Do(func() { close(ready) })
			continue
		}
		slog.Info("engine output", "source", "stdout", "line", line)
	}
	drain(r, "stdout", sc.Err())
}

func (s *Supervisor) pipeStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		slog.Warn("engine output", "source", "stderr", "line", sc.Text())
	}
	drain(r, "stderr", sc.Err())
}

// drain discards what is left of an output stream after scanning stopped
// early. The process blocks on a full pipe until someone reads it.
func drain(r io.Reader, source string, err error) {
	if err == nil {
		return
	}
	slog.Warn("engine output scan failed, discarding the rest", "source", source, "error", err)
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) waitExit(h process.Handle, exited chan struct{}) {
	err := h.Wait()

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	stopping := s.stopping
	s.mu.Unlock()
	close(exited)

	if stopping {
		slog.Info("engine process stopped", "id", h.ID())
		return
	}
	slog.Error("engine process exited unexpectedly", "id", h.ID(), "error", err)
	if s.onExit != nil {
		if err == nil {
			err = ErrProcessNotRunning
		}
		s.onExit(err)
	}
}

// Stop terminates the engine, force-killing it after the grace period. It
// is a no-op when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	h, exited := s.handle, s.exited
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := h.Terminate(); err != nil {
		slog.Warn("engine terminate failed", "id", h.ID(), "error", err)
	}

	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()

	select {
	case <-exited:
		return nil
	case <-grace.C:
		slog.Warn("engine did not exit in time, killing", "id", h.ID(), "grace", s.opts.StopGrace)
	case <-ctx.Done():
	}

	if err := h.Kill(); err != nil {
		return fmt.Errorf("kill engine: %w", err)
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
