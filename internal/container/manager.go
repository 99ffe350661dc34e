// Package container runs the optimization engine inside a Docker
// container, exposing it through the same launcher contract as a local
// process.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	goarchive "github.com/moby/go-archive"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/process"
)

const (
	labelPrefix   = "swarmbridge"
	containerName = "swarmbridge-engine"
)

// Launcher starts the engine as a container. It implements process.Launcher.
type Launcher struct {
	docker      *client.Client
	cfg         config.DockerConfig
	mu          sync.Mutex
	networkName string
}

func NewLauncher(cfg config.DockerConfig) (*Launcher, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Launcher{docker: docker, cfg: cfg}, nil
}

func (l *Launcher) ensureNetwork(ctx context.Context) error {
	if l.networkName != "" || l.cfg.Network == "" {
		return nil
	}

	_, err := l.docker.NetworkInspect(ctx, l.cfg.Network, network.InspectOptions{})
	if err == nil {
		l.networkName = l.cfg.Network
		return nil
	}

	_, err = l.docker.NetworkCreate(ctx, l.cfg.Network, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", l.cfg.Network, err)
	}
	l.networkName = l.cfg.Network
	slog.Info("created docker network", "network", l.cfg.Network)
	return nil
}

// buildConfig translates a launch spec into docker create parameters. The
// engine port is published on the loopback interface only.
func buildConfig(cfg config.DockerConfig, spec process.Spec, networkName string) (*dockercontainer.Config, *dockercontainer.HostConfig, error) {
	binds, err := buildBinds(cfg.Mounts)
	if err != nil {
		return nil, nil, err
	}

	cmd := append([]string{spec.Executable}, spec.CommandLine()...)
	containerCfg := &dockercontainer.Config{
		Image:      cfg.Image,
		Cmd:        cmd,
		Env:        spec.EnvList(),
		WorkingDir: cfg.ScriptDir,
		Labels:     map[string]string{labelPrefix + ".managed": "true"},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:      binds,
		AutoRemove: false,
	}
	if networkName != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(networkName)
	}
	if cfg.MemoryMB > 0 {
		hostCfg.Memory = cfg.MemoryMB << 20
	}

	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
		if err != nil {
			return nil, nil, fmt.Errorf("engine port: %w", err)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port.Port()}},
		}
	}
	return containerCfg, hostCfg, nil
}

func (l *Launcher) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureImage(ctx); err != nil {
		return nil, err
	}
	if err := l.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	// Remove any stale engine container
	timeout := 5
	_ = l.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = l.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	containerCfg, hostCfg, err := buildConfig(l.cfg, spec, l.networkName)
	if err != nil {
		return nil, err
	}

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if spec.WorkDir != "" && l.cfg.ScriptDir != "" {
		if err := l.copyScripts(ctx, resp.ID, spec.WorkDir); err != nil {
			_ = l.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
			return nil, err
		}
	}

	if err := l.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = l.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	h, err := l.attach(resp.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("engine container started", "container", shortID(resp.ID), "image", l.cfg.Image)
	return h, nil
}

// copyScripts ships the engine sources from the host into the container.
func (l *Launcher) copyScripts(ctx context.Context, id, dir string) error {
	tar, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive %s: %w", dir, err)
	}
	defer tar.Close()

	if err := l.docker.CopyToContainer(ctx, id, l.cfg.ScriptDir, tar, dockercontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy engine scripts: %w", err)
	}
	return nil
}

func (l *Launcher) attach(id string) (*handle, error) {
	logs, err := l.docker.ContainerLogs(context.Background(), id, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
		logs.Close()
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	h := &handle{
		l:      l,
		id:     id,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type handle struct {
	l      *Launcher
	id     string
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}
	err    error
}

func (h *handle) ID() string        { return "container:" + shortID(h.id) }
func (h *handle) Stdout() io.Reader { return h.stdout }
func (h *handle) Stderr() io.Reader { return h.stderr }

func (h *handle) wait() {
	defer close(h.done)

	statusCh, errCh := h.l.docker.ContainerWait(context.Background(), h.id, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		h.err = fmt.Errorf("wait container: %w", err)
	case st := <-statusCh:
		switch {
		case st.Error != nil:
			h.err = fmt.Errorf("container exited: %s", st.Error.Message)
		case st.StatusCode != 0:
			h.err = fmt.Errorf("container exited with status %d", st.StatusCode)
		}
	}

	if h.l.cfg.AutoRemove {
		if err := h.l.docker.ContainerRemove(context.Background(), h.id, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove container", "container", shortID(h.id), "error", err)
		}
	}
}

func (h *handle) Wait() error {
	<-h.done
	return h.err
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) Terminate() error {
	if h.exited() {
		return nil
	}
	if err := h.l.docker.ContainerKill(context.Background(), h.id, "SIGTERM"); err != nil && !h.exited() {
		return fmt.Errorf("terminate container: %w", err)
	}
	return nil
}

func (h *handle) Kill() error {
	if h.exited() {
		return nil
	}
	if err := h.l.docker.ContainerKill(context.Background(), h.id, "SIGKILL"); err != nil && !h.exited() {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
