package process

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
)

// ContainerSpec describes the container an agent runs in when the container
// runtime is selected.
type ContainerSpec struct {
	Name        string
	Image       string
	Mounts      []Mount
	NetworkMode string
	Labels      map[string]string
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// DockerRuntime spawns agent processes inside containers. Containers are
// created with stdin attached and no TTY so line protocols pass through
// unmangled.
type DockerRuntime struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewDockerRuntime connects to the Docker daemon described by cfg.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

// Ping checks that the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Spawn creates and starts a container for cfg and returns a supervising
// handle. The container is auto-removed once it exits.
func (r *DockerRuntime) Spawn(ctx context.Context, cfg Config) (Handle, error) {
	if cfg.Mode == ModePTY {
		return nil, fmt.Errorf("%w: pty mode is not available on the container runtime", errs.ErrUnsupportedCapability)
	}

	image := cfg.Container.Image
	if image == "" {
		image = r.cfg.DefaultImage
	}
	networkMode := cfg.Container.NetworkMode
	if networkMode == "" {
		networkMode = r.cfg.NetworkMode
	}
	name := cfg.Container.Name
	if name == "" {
		name = "grove-agent-" + uuid.New().String()[:8]
	}

	mounts := make([]mount.Mount, 0, len(cfg.Container.Mounts))
	for _, m := range cfg.Container.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        image,
		Cmd:          append([]string{cfg.Command}, cfg.Args...),
		Env:          env,
		WorkingDir:   cfg.Dir,
		Labels:       cfg.Container.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(networkMode),
		AutoRemove:  true,
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", errs.ErrAgentSpawnFailure, err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: failed to attach to container: %v", errs.ErrAgentSpawnFailure, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: failed to start container: %v", errs.ErrAgentSpawnFailure, err)
	}

	pid := 0
	if inspect, err := r.cli.ContainerInspect(ctx, resp.ID); err == nil && inspect.State != nil {
		pid = inspect.State.Pid
	}

	stdoutPR, stdoutPW := io.Pipe()
	h := &containerHandle{
		procState:   newProcState(uuid.New().String()),
		runtime:     r,
		containerID: resp.ID,
		pid:         pid,
		attach:      attach,
		stdoutPipe:  stdoutPR,
		stdoutSink:  stdoutPW,
	}

	go h.demux()
	if cfg.FanOutStdout {
		h.stdoutClaimed = true
		go h.pumpStdout()
	}
	go h.waitLoop()
	go watchdog(h, h.procState, cfg, errs.ErrIdleTimeout, errs.ErrHardTimeout)

	r.logger.Info("container spawned",
		zap.String("container_id", resp.ID),
		zap.String("image", image),
		zap.Int("pid", pid))

	return h, nil
}

// containerHandle supervises an agent inside a container attached over the
// Docker hijacked connection.
type containerHandle struct {
	*procState
	runtime     *DockerRuntime
	containerID string
	pid         int

	attach types.HijackedResponse

	writeMu       sync.Mutex
	stdinClosedMu sync.Mutex
	stdinClosed   bool

	// stdout frames are routed through a pipe so they can either fan out
	// to observers or be claimed by an exclusive consumer.
	stdoutPipe    *io.PipeReader
	stdoutSink    *io.PipeWriter
	claimMu       sync.Mutex
	stdoutClaimed bool
}

func (h *containerHandle) PID() int { return h.pid }

func (h *containerHandle) Write(data []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.touch()
	return h.attach.Conn.Write(data)
}

func (h *containerHandle) CloseStdin() error {
	h.stdinClosedMu.Lock()
	defer h.stdinClosedMu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.attach.CloseWrite()
}

func (h *containerHandle) ClaimStdout() (io.Reader, error) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()
	if h.stdoutClaimed {
		return nil, ErrStdoutClaimed
	}
	h.stdoutClaimed = true
	return &activityReader{r: h.stdoutPipe, state: h.procState}, nil
}

func (h *containerHandle) Resize(cols, rows uint16) error { return ErrNotPTY }

// demux splits the multiplexed attach stream. With Tty=false Docker frames
// output with an 8-byte header: byte 0 is the stream type, bytes 4-7 the
// big-endian frame size.
func (h *containerHandle) demux() {
	defer h.stdoutSink.Close()
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(h.attach.Reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(h.attach.Reader, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			if _, err := h.stdoutSink.Write(data); err != nil {
				return
			}
		case 2:
			h.emit("stderr", data)
		}
	}
}

func (h *containerHandle) pumpStdout() {
	data := make([]byte, 4096)
	for {
		n, err := h.stdoutPipe.Read(data)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, data[:n])
			h.emit("stdout", chunk)
		}
		if err != nil {
			return
		}
	}
}

func (h *containerHandle) waitLoop() {
	statusCh, errCh := h.runtime.cli.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		h.attach.Close()
		h.finish(-1, fmt.Errorf("container wait failed: %w", err))
	case status := <-statusCh:
		h.attach.Close()
		h.finish(int(status.StatusCode), nil)
	}
}

// Terminate stops the container with a 2s grace period, then kills it if it
// is still running.
func (h *containerHandle) Terminate(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	stopTimeout := 2
	_ = h.runtime.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &stopTimeout})

	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	_ = h.runtime.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
	select {
	case <-h.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("container %s did not exit after kill", h.containerID)
	}
}
