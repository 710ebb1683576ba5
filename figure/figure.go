// Package figure drives a chart that lives inside a browser.
//
// A Figure launches a browser pointed at a local page, accepts the page's websocket connection, and
// then translates each method call into a JSON-RPC request answered by the page. The chart itself is
// never mirrored locally: every query about its state is a new request.
//
// Commands return (true, nil) on success and (false, nil) when the renderer reports an expected
// failure such as an out-of-range trace index. Transport failures are returned as errors: ErrNotConnected
// before Open or after Close, rpc.ErrTimeout when no reply arrives in time, and rpc.ErrDisconnected when
// the browser goes away mid-call. After a disconnect the Figure closes itself.
package figure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guseggert/goplotly/browser"
	"github.com/guseggert/goplotly/internal/files"
	"github.com/guseggert/goplotly/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected = errors.New("figure is not connected")
	// ErrConnectFailed is returned when the browser started but its page never connected back.
	ErrConnectFailed      = errors.New("renderer connection failed")
	ErrAlreadyOpen        = errors.New("figure is already open")
	ErrInvalidImageFormat = errors.New("invalid image format")
)

type State int32

const (
	Unopened State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Figure struct {
	log      *zap.SugaredLogger
	cfg      Config
	launcher browser.Launcher
	level    *zapcore.Level

	// openMu serializes Open and Close
	openMu sync.Mutex

	mu    sync.Mutex
	state State
	sess  *session
}

type Option func(f *Figure)

// WithConfig replaces the whole configuration. Options apply in order, so later options override it.
func WithConfig(cfg Config) Option {
	return func(f *Figure) {
		f.cfg = cfg
	}
}

// WithLauncher sets the browser launcher instead of building one from the configuration.
func WithLauncher(l browser.Launcher) Option {
	return func(f *Figure) {
		f.launcher = l
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Figure) {
		f.log = l.Named("figure").Sugar()
	}
}

// WithLogLevel sets the minimum log level, taking precedence over the configured LogLevel.
// The level can not go below what the logger itself enables.
func WithLogLevel(l zapcore.Level) Option {
	return func(f *Figure) {
		f.level = &l
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(f *Figure) {
		f.cfg.CallTimeout = d
	}
}

// New builds an unopened Figure.
func New(opts ...Option) (*Figure, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	f := &Figure{
		log: logger.Named("figure").Sugar(),
		cfg: DefaultConfig(),
	}
	for _, o := range opts {
		o(f)
	}
	level, err := f.cfg.level()
	if err != nil {
		return nil, err
	}
	if f.level != nil {
		level = *f.level
	}
	if f.log.Desugar().Core().Enabled(level) {
		f.log = f.log.WithOptions(zap.IncreaseLevel(level))
	}
	return f, nil
}

func (f *Figure) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Figure) IsOpen() bool { return f.State() == Connected }

// session returns the live session, or ErrNotConnected.
func (f *Figure) session() (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Connected || f.sess == nil {
		return nil, ErrNotConnected
	}
	return f.sess, nil
}

// Open launches the browser and waits for its page to connect.
// A closed Figure can be opened again, which starts a fresh browser with an empty chart.
// On failure nothing is left running: a browser that started is terminated before Open returns.
func (f *Figure) Open(ctx context.Context, headless bool) error {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	if f.State() == Connected {
		return ErrAlreadyOpen
	}

	s, err := f.open(ctx, headless)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sess = s
	f.state = Connected
	f.mu.Unlock()

	go f.watch(s)
	f.log.Infow("figure open", "Headless", headless, "URL", s.srv.URL())
	return nil
}

func (f *Figure) open(ctx context.Context, headless bool) (*session, error) {
	srv := server.New(
		server.WithLogger(f.log.Named("server")),
		server.WithAddr(f.cfg.BindAddr),
		server.WithWebappDir(f.webappDir()),
	)
	err := srv.Start()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	launcher, err := f.getLauncher()
	if err != nil {
		srv.Stop()
		return nil, err
	}
	handle, err := launcher.Launch(ctx, browser.LaunchRequest{URL: srv.URL(), Headless: headless})
	if err != nil {
		srv.Stop()
		return nil, err
	}

	conn, err := f.awaitConnection(ctx, srv, handle)
	if err != nil {
		f.terminate(handle)
		srv.Stop()
		return nil, err
	}

	s := newSession(f.log, f.cfg, srv, handle, conn, headless)
	dir := f.cfg.DownloadDir
	if dir == "" {
		dir = browser.DefaultDownloadDirectory()
	}
	s.setDownloadDir(dir)
	if s.hasDevTools() {
		// the page still works without it, exports just land wherever the browser defaults to
		err := s.devTools().SetDownloadBehavior(ctx, dir)
		if err != nil {
			f.log.Warnf("setting download directory to %s: %s", dir, err)
		}
	}
	return s, nil
}

func (f *Figure) awaitConnection(ctx context.Context, srv *server.Server, handle browser.Handle) (*websocket.Conn, error) {
	timer := time.NewTimer(f.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case conn := <-srv.Connections():
		return conn, nil
	case <-handle.Exited():
		return nil, fmt.Errorf("%w: browser exited before its page connected", ErrConnectFailed)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no connection from the page within %s", ErrConnectFailed, f.cfg.ConnectTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, ctx.Err())
	}
}

func (f *Figure) getLauncher() (browser.Launcher, error) {
	if f.launcher != nil {
		return f.launcher, nil
	}
	log := f.log.Named("browser")
	switch f.cfg.Launcher {
	case "", "local":
		return browser.NewLocal(
			browser.WithLocalLogger(log),
			browser.WithBinary(f.cfg.BrowserPath),
			browser.WithLaunchTimeout(f.cfg.LaunchTimeout),
			browser.WithGracePeriod(f.cfg.GracePeriod),
		), nil
	case "docker":
		d, err := browser.NewDocker(
			browser.WithDockerLogger(log),
			browser.WithDockerImage(f.cfg.DockerImage),
			browser.WithDockerLaunchTimeout(f.cfg.LaunchTimeout),
			browser.WithDockerGracePeriod(f.cfg.GracePeriod),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", browser.ErrLaunchFailed, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: unknown launcher %q", browser.ErrLaunchFailed, f.cfg.Launcher)
}

func (f *Figure) webappDir() string {
	if f.cfg.WebappDir != "" {
		return f.cfg.WebappDir
	}
	wd, err := os.Getwd()
	if err != nil {
		f.log.Warnf("getting working dir: %s", err)
		return ""
	}
	dir, err := files.FindUp("webapp", wd)
	if err != nil {
		f.log.Warnf("looking for webapp dir: %s", err)
		return ""
	}
	if dir == "" {
		f.log.Debugf("no webapp dir found above %s", wd)
	}
	return dir
}

func (f *Figure) terminate(h browser.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.GracePeriod+5*time.Second)
	defer cancel()
	err := h.Terminate(ctx)
	if err != nil {
		f.log.Warnf("error terminating browser: %s", err)
	}
}

// watch closes the Figure when the connection drops or the browser exits on its own.
func (f *Figure) watch(s *session) {
	var reason string
	select {
	case <-s.ch.Done():
		reason = s.ch.Err().Error()
	case <-s.handle.Exited():
		reason = "browser exited"
	case <-s.closed:
		return
	}

	f.mu.Lock()
	current := f.sess == s
	if current {
		f.state = Closed
		f.sess = nil
	}
	f.mu.Unlock()
	if !current {
		return
	}
	f.log.Warnf("renderer went away, closing figure: %s", reason)
	f.teardown(s)
}

// Close disconnects from the renderer and terminates the browser. It is safe to call at any time, repeatedly.
func (f *Figure) Close() error {
	f.openMu.Lock()
	defer f.openMu.Unlock()

	f.mu.Lock()
	s := f.sess
	f.sess = nil
	if f.state == Connected {
		f.state = Closed
	}
	f.mu.Unlock()

	if s == nil {
		return nil
	}
	f.log.Info("closing figure")
	return f.teardown(s)
}

// teardown unregisters event handlers before closing the channel so no handler runs once it returns,
// then stops the browser and the page server.
func (f *Figure) teardown(s *session) error {
	var err error
	s.closeOnce.Do(func() {
		s.router.Close()
		s.eventSub.Close()
		closeErr := s.ch.Close()
		if closeErr != nil {
			f.log.Debugf("error closing channel: %s", closeErr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.GracePeriod+5*time.Second)
		defer cancel()
		err = s.handle.Terminate(ctx)
		stopErr := s.srv.Stop()
		if stopErr != nil {
			f.log.Debugf("error stopping page server: %s", stopErr)
		}
		close(s.closed)
	})
	<-s.closed
	return err
}

// WaitClose blocks until the Figure is closed, by Close or because the renderer went away.
func (f *Figure) WaitClose(ctx context.Context) error {
	f.mu.Lock()
	s := f.sess
	f.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
