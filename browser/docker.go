package browser

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/versions"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	inet "github.com/guseggert/goplotly/internal/net"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	DefaultDockerImage = "chromedp/headless-shell:latest"

	containerDebugPort = 9222
	// hostAlias is how a container on the bridge network reaches the host
	hostAlias = "host.docker.internal"
)

// Docker runs a headless browser in a container.
//
// With host networking the container shares the host's loopback, so the harness URL is used as is.
// With bridge networking the DevTools port is published on the host's loopback and the harness URL is
// rewritten to point at the host, which requires the harness server to listen on a non-loopback address.
type Docker struct {
	log           *zap.SugaredLogger
	client        *client.Client
	image         string
	networkMode   string
	pull          bool
	launchTimeout time.Duration
	gracePeriod   time.Duration
}

type DockerOption func(d *Docker)

func WithDockerLogger(log *zap.SugaredLogger) DockerOption {
	return func(d *Docker) {
		d.log = log
	}
}

func WithDockerImage(image string) DockerOption {
	return func(d *Docker) {
		d.image = image
	}
}

// WithDockerNetwork selects "host" (the default) or "bridge" networking.
func WithDockerNetwork(mode string) DockerOption {
	return func(d *Docker) {
		d.networkMode = mode
	}
}

// WithoutPull skips pulling the image before each launch.
func WithoutPull() DockerOption {
	return func(d *Docker) {
		d.pull = false
	}
}

func WithDockerLaunchTimeout(t time.Duration) DockerOption {
	return func(d *Docker) {
		d.launchTimeout = t
	}
}

func WithDockerGracePeriod(t time.Duration) DockerOption {
	return func(d *Docker) {
		d.gracePeriod = t
	}
}

// NewDocker builds a launcher talking to the Docker daemon configured in the environment.
func NewDocker(opts ...DockerOption) (*Docker, error) {
	cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	d := &Docker{
		log:           zap.NewNop().Sugar(),
		client:        cl,
		image:         DefaultDockerImage,
		networkMode:   "host",
		pull:          true,
		launchTimeout: DefaultLaunchTimeout,
		gracePeriod:   DefaultGracePeriod,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *Docker) containerConfig(req LaunchRequest, hostPort int) (*container.Config, *container.HostConfig, error) {
	hostConfig := &container.HostConfig{}
	switch d.networkMode {
	case "host":
		hostConfig.NetworkMode = "host"
		return &container.Config{
			Image: d.image,
			Cmd:   ChromiumArgs(req, hostPort, ""),
		}, hostConfig, nil
	case "bridge":
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing harness URL: %w", err)
		}
		if port := u.Port(); port != "" {
			u.Host = hostAlias + ":" + port
		} else {
			u.Host = hostAlias
		}
		req.URL = u.String()

		debugPort := nat.Port(fmt.Sprintf("%d/tcp", containerDebugPort))
		hostConfig.PortBindings = nat.PortMap{
			debugPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		}
		hostConfig.ExtraHosts = []string{hostAlias + ":host-gateway"}
		return &container.Config{
			Image:        d.image,
			ExposedPorts: nat.PortSet{debugPort: struct{}{}},
			// a published port only reaches DevTools if it listens beyond the container's loopback
			Cmd: ChromiumArgs(req, containerDebugPort, "", "--remote-debugging-address=0.0.0.0"),
		}, hostConfig, nil
	}
	return nil, nil, fmt.Errorf("unknown Docker network mode %q", d.networkMode)
}

func (d *Docker) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	if !req.Headless {
		return nil, fmt.Errorf("%w: the Docker launcher only runs headless browsers", ErrLaunchFailed)
	}

	if d.pull {
		out, err := d.client.ImagePull(ctx, d.image, types.ImagePullOptions{})
		if err != nil {
			// a locally built or cached image can still be used
			d.log.Warnf("pulling %s: %s", d.image, err)
		} else {
			_, err = io.Copy(io.Discard, out)
			out.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: pulling %s: %s", ErrLaunchFailed, d.image, err)
			}
		}
	}

	hostPort, err := inet.GetEphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("%w: allocating debug port: %s", ErrLaunchFailed, err)
	}
	containerConfig, hostConfig, err := d.containerConfig(req, hostPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLaunchFailed, err)
	}

	platform := &specs.Platform{OS: "linux"}
	if versions.LessThan(d.client.ClientVersion(), "1.41") {
		// older daemons reject a platform in the create request
		platform = nil
	}
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, platform, "")
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %s", ErrLaunchFailed, err)
	}
	h := &containerHandle{
		log:         d.log.With("Container", resp.ID),
		client:      d.client,
		id:          resp.ID,
		port:        hostPort,
		gracePeriod: d.gracePeriod,
		exited:      make(chan struct{}),
	}

	err = d.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{})
	if err != nil {
		h.remove(context.Background())
		return nil, fmt.Errorf("%w: starting container: %s", ErrLaunchFailed, err)
	}
	d.log.Debugw("started browser container", "ID", resp.ID, "Image", d.image, "DebugPort", hostPort)
	go h.wait()

	launchCtx, cancel := context.WithTimeout(ctx, d.launchTimeout)
	defer cancel()
	go func() {
		select {
		case <-h.exited:
			cancel()
		case <-launchCtx.Done():
		}
	}()

	_, err = WaitForDevTools(launchCtx, d.log, hostPort)
	if err != nil {
		if termErr := h.Terminate(context.Background()); termErr != nil {
			d.log.Warnf("error removing container after failed launch: %s", termErr)
		}
		return nil, fmt.Errorf("%w: waiting for DevTools on port %d: %s", ErrLaunchFailed, hostPort, err)
	}
	return h, nil
}

type containerHandle struct {
	log         *zap.SugaredLogger
	client      *client.Client
	id          string
	port        int
	gracePeriod time.Duration

	exited     chan struct{}
	exitedOnce sync.Once

	termOnce sync.Once
	termErr  error
}

func (h *containerHandle) wait() {
	statusCh, errCh := h.client.ContainerWait(context.Background(), h.id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		h.log.Debugf("container exited with code %d", status.StatusCode)
	case err := <-errCh:
		h.log.Debugf("error waiting for container: %s", err)
	}
	h.markExited()
}

func (h *containerHandle) markExited() {
	h.exitedOnce.Do(func() { close(h.exited) })
}

func (h *containerHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *containerHandle) Exited() <-chan struct{} { return h.exited }

func (h *containerHandle) DebugPort() int { return h.port }

func (h *containerHandle) Terminate(ctx context.Context) error {
	h.termOnce.Do(func() {
		timeout := h.gracePeriod
		err := h.client.ContainerStop(ctx, h.id, &timeout)
		if err != nil {
			h.log.Debugf("error stopping container: %s", err)
		}
		h.termErr = h.remove(ctx)
	})
	return h.termErr
}

func (h *containerHandle) remove(ctx context.Context) error {
	defer h.markExited()
	err := h.client.ContainerRemove(ctx, h.id, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil {
		return fmt.Errorf("removing container %s: %w", h.id, err)
	}
	return nil
}
