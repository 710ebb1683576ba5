package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	inet "github.com/guseggert/goplotly/internal/net"
	"go.uber.org/zap"
)

const (
	DefaultLaunchTimeout = 10 * time.Second
	DefaultGracePeriod   = 3 * time.Second
)

var chromiumCandidates = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// Local runs a Chromium-family browser as a child process.
type Local struct {
	log           *zap.SugaredLogger
	binary        string
	launchTimeout time.Duration
	gracePeriod   time.Duration
	extraArgs     []string
}

type LocalOption func(l *Local)

func WithLocalLogger(log *zap.SugaredLogger) LocalOption {
	return func(l *Local) {
		l.log = log
	}
}

// WithBinary sets the browser executable instead of searching PATH.
func WithBinary(path string) LocalOption {
	return func(l *Local) {
		l.binary = path
	}
}

func WithLaunchTimeout(d time.Duration) LocalOption {
	return func(l *Local) {
		l.launchTimeout = d
	}
}

func WithGracePeriod(d time.Duration) LocalOption {
	return func(l *Local) {
		l.gracePeriod = d
	}
}

// WithExtraArgs appends flags to the browser command line.
func WithExtraArgs(args ...string) LocalOption {
	return func(l *Local) {
		l.extraArgs = append(l.extraArgs, args...)
	}
}

func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		log:           zap.NewNop().Sugar(),
		launchTimeout: DefaultLaunchTimeout,
		gracePeriod:   DefaultGracePeriod,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Local) findBinary() (string, error) {
	if l.binary != "" {
		return exec.LookPath(l.binary)
	}
	for _, name := range chromiumCandidates {
		path, err := exec.LookPath(name)
		if err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found in PATH", chromiumCandidates)
}

func (l *Local) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	if !req.Headless && !hasDisplay() {
		return nil, fmt.Errorf("%w: visible mode needs DISPLAY or WAYLAND_DISPLAY to be set", ErrLaunchFailed)
	}
	bin, err := l.findBinary()
	if err != nil {
		if !req.Headless {
			l.log.Infof("no Chromium binary (%s), handing the page to the desktop browser", err)
			return openDefaultBrowser(ctx, req.URL)
		}
		return nil, fmt.Errorf("%w: %s", ErrLaunchFailed, err)
	}

	port, err := inet.GetEphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("%w: allocating debug port: %s", ErrLaunchFailed, err)
	}
	userDataDir, err := os.MkdirTemp("", "goplotly-chromium-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating profile dir: %s", ErrLaunchFailed, err)
	}

	cmd := exec.Command(bin, ChromiumArgs(req, port, userDataDir, l.extraArgs...)...)
	setProcessGroup(cmd)
	stdout, stderr := outputLogger(l.log, "stdout"), outputLogger(l.log, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Start()
	if err != nil {
		os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("%w: starting %s: %s", ErrLaunchFailed, bin, err)
	}
	l.log.Debugw("started browser", "Binary", bin, "PID", cmd.Process.Pid, "DebugPort", port, "Headless", req.Headless)

	h := newProcessHandle(l.log, cmd, port, userDataDir, l.gracePeriod, stdout, stderr)

	launchCtx, cancel := context.WithTimeout(ctx, l.launchTimeout)
	defer cancel()
	go func() {
		select {
		case <-h.Exited():
			cancel()
		case <-launchCtx.Done():
		}
	}()

	_, err = WaitForDevTools(launchCtx, l.log, port)
	if err != nil {
		if termErr := h.Terminate(context.Background()); termErr != nil {
			l.log.Warnf("error terminating browser after failed launch: %s", termErr)
		}
		if h.exitedEarly() {
			return nil, fmt.Errorf("%w: browser exited before DevTools came up: %v", ErrLaunchFailed, h.exitErr)
		}
		return nil, fmt.Errorf("%w: waiting for DevTools on port %d: %s", ErrLaunchFailed, port, err)
	}
	return h, nil
}

type processHandle struct {
	log         *zap.SugaredLogger
	cmd         *exec.Cmd
	port        int
	userDataDir string
	gracePeriod time.Duration
	output      []io.Closer

	exited  chan struct{}
	exitErr error

	mu          sync.Mutex
	terminating bool

	termOnce sync.Once
	termErr  error
}

func newProcessHandle(log *zap.SugaredLogger, cmd *exec.Cmd, port int, userDataDir string, gracePeriod time.Duration, output ...io.Closer) *processHandle {
	h := &processHandle{
		log:         log,
		cmd:         cmd,
		port:        port,
		userDataDir: userDataDir,
		gracePeriod: gracePeriod,
		output:      output,
		exited:      make(chan struct{}),
	}
	go h.wait()
	return h
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	for _, o := range h.output {
		o.Close()
	}
	h.exitErr = err
	close(h.exited)
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			h.log.Debugf("unexpected wait error: %s", err)
		}
	}
	h.log.Debugf("browser process %d exited with code %d", h.cmd.Process.Pid, h.cmd.ProcessState.ExitCode())
}

// exitedEarly reports whether the process stopped on its own rather than through Terminate.
func (h *processHandle) exitedEarly() bool {
	select {
	case <-h.exited:
	default:
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.terminating
}

func (h *processHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *processHandle) Exited() <-chan struct{} { return h.exited }

func (h *processHandle) DebugPort() int { return h.port }

func (h *processHandle) Terminate(ctx context.Context) error {
	h.termOnce.Do(func() {
		h.termErr = h.terminate(ctx)
	})
	return h.termErr
}

func (h *processHandle) terminate(ctx context.Context) error {
	defer os.RemoveAll(h.userDataDir)

	if h.Alive() {
		h.mu.Lock()
		h.terminating = true
		h.mu.Unlock()

		err := signalGroup(h.cmd, syscall.SIGTERM)
		if err != nil {
			h.log.Debugf("error sending SIGTERM: %s", err)
		}
		timer := time.NewTimer(h.gracePeriod)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-timer.C:
			h.log.Debugf("browser did not exit within %s, killing it", h.gracePeriod)
			err := signalGroup(h.cmd, syscall.SIGKILL)
			if err != nil {
				return fmt.Errorf("killing browser: %w", err)
			}
		}
	}

	// the parent is gone, but helper processes in its group may linger
	_ = signalGroup(h.cmd, syscall.SIGKILL)

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detachedHandle stands for a browser started by the desktop's URL opener, which is not our child.
type detachedHandle struct {
	once   sync.Once
	exited chan struct{}
}

func (h *detachedHandle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *detachedHandle) Exited() <-chan struct{} { return h.exited }

func (h *detachedHandle) DebugPort() int { return 0 }

func (h *detachedHandle) Terminate(ctx context.Context) error {
	h.once.Do(func() { close(h.exited) })
	return nil
}

func openDefaultBrowser(ctx context.Context, url string) (Handle, error) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return nil, fmt.Errorf("%w: no way to open a browser on %s", ErrLaunchFailed, runtime.GOOS)
	}
	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrLaunchFailed, cmd.Path)
		}
		return nil, fmt.Errorf("%w: opening %s: %s", ErrLaunchFailed, url, err)
	}
	return &detachedHandle{exited: make(chan struct{})}, nil
}

func hasDisplay() bool {
	if runtime.GOOS != "linux" && runtime.GOOS != "freebsd" && runtime.GOOS != "openbsd" && runtime.GOOS != "netbsd" {
		return true
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}
