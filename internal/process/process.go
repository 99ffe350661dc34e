// Package process launches the optimization engine as a local child
// process and defines the launcher contract shared with the docker runtime.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"

	"github.com/mtzanidakis/swarmbridge/internal/config"
)

// Spec describes how to start the engine.
type Spec struct {
	Executable string
	Args       []string
	WorkDir    string
	Script     string
	Port       int
	Env        map[string]string
	Debug      bool
}

// FromConfig builds the launch spec for the configured engine. The project
// and depot paths are exported as the engine's package environment.
func FromConfig(cfg config.ProcessConfig) Spec {
	env := make(map[string]string, len(cfg.Env)+2)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cfg.ProjectPath != "" {
		env["JULIA_PROJECT"] = cfg.ProjectPath
	}
	if cfg.DepotPath != "" {
		env["JULIA_DEPOT_PATH"] = cfg.DepotPath
	}
	return Spec{
		Executable: cfg.Executable,
		Args:       cfg.Args,
		WorkDir:    cfg.WorkDir,
		Script:     cfg.Script,
		Port:       cfg.Port,
		Env:        env,
		Debug:      cfg.Debug,
	}
}

// CommandLine returns the engine arguments: the fixed args, the script,
// the listen port and the debug flag when set.
func (s Spec) CommandLine() []string {
	args := append([]string{}, s.Args...)
	if s.Script != "" {
		args = append(args, s.Script)
	}
	if s.Port > 0 {
		args = append(args, "--port", strconv.Itoa(s.Port))
	}
	if s.Debug {
		args = append(args, "--debug")
	}
	return args
}

// EnvList renders the overlay as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Handle is a running engine instance.
type Handle interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the engine exits. It may be called more than once.
	Wait() error
	// Terminate asks the engine to exit.
	Terminate() error
	Kill() error
	ID() string
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExecLauncher runs the engine with os/exec on the local host.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("executable cannot be empty")
	}

	cmd := exec.Command(spec.Executable, spec.CommandLine()...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = append(os.Environ(), spec.EnvList()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// io.Pipe keeps the output readable until Wait has copied all of it.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}

	h := &execHandle{cmd: cmd, stdout: stdoutR, stderr: stderrR, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	done chan struct{}
	err  error
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) ID() string {
	return "pid:" + strconv.Itoa(h.cmd.Process.Pid)
}

func (h *execHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *execHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *execHandle) Terminate() error {
	if h.exited() {
		return nil
	}
	return h.signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	if h.exited() {
		return nil
	}
	return h.signal(syscall.SIGKILL)
}

// signal targets the whole process group so engine workers go too.
func (h *execHandle) signal(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := h.cmd.Process.Signal(sig); err != nil && !h.exited() {
			return fmt.Errorf("signal %s: %w", sig, err)
		}
	}
	return nil
}
