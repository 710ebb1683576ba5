package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"nhooyr.io/websocket"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// The test binary doubles as a fake browser: when re-executed with fakeBrowserEnv set, it serves a
// DevTools version endpoint on the port given by --remote-debugging-port.
const (
	fakeBrowserEnv       = "GOPLOTLY_FAKE_BROWSER"
	fakeBrowserIgnoreEnv = "GOPLOTLY_FAKE_BROWSER_IGNORE_TERM"
)

func TestMain(m *testing.M) {
	if os.Getenv(fakeBrowserEnv) == "1" {
		runFakeBrowser()
		return
	}
	os.Exit(m.Run())
}

func runFakeBrowser() {
	if os.Getenv(fakeBrowserIgnoreEnv) == "1" {
		signal.Ignore(syscall.SIGTERM)
	}
	var port string
	for _, a := range os.Args[1:] {
		if strings.HasPrefix(a, "--remote-debugging-port=") {
			port = strings.TrimPrefix(a, "--remote-debugging-port=")
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(VersionInfo{Browser: "FakeChrome/1.0"})
	})
	_ = http.ListenAndServe("127.0.0.1:"+port, mux)
	os.Exit(1)
}

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs process groups and shell scripts")
	}
}

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "fake-chromium")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestChromiumArgs(t *testing.T) {
	cases := []struct {
		name     string
		req      LaunchRequest
		dataDir  string
		extra    []string
		expected []string
	}{
		{
			name: "headless",
			req:  LaunchRequest{URL: "http://127.0.0.1:1234/", Headless: true},
			expected: []string{
				"--headless", "--disable-gpu", "--no-sandbox", "--disable-dev-shm-usage", "--disable-extensions",
				"--enable-features=NetworkService,NetworkServiceInProcess", "--remote-debugging-port=9333",
				"http://127.0.0.1:1234/",
			},
		},
		{
			name:    "visible with profile and extra flags",
			req:     LaunchRequest{URL: "http://127.0.0.1:1234/"},
			dataDir: "/tmp/profile",
			extra:   []string{"--window-size=800,600"},
			expected: []string{
				"--disable-gpu", "--no-sandbox", "--disable-dev-shm-usage", "--disable-extensions",
				"--enable-features=NetworkService,NetworkServiceInProcess", "--remote-debugging-port=9333",
				"--user-data-dir=/tmp/profile", "--window-size=800,600", "http://127.0.0.1:1234/",
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, ChromiumArgs(c.req, 9333, c.dataDir, c.extra...))
		})
	}
}

func TestLaunchFailures(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		name    string
		binary  string
		errText string
	}{
		{name: "missing binary", binary: "/definitely/not/chromium", errText: "no such file"},
		{name: "browser exits immediately", binary: writeScript(t, "exit 3"), errText: "exited before DevTools"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l := NewLocal(WithLocalLogger(log), WithBinary(c.binary), WithLaunchTimeout(2*time.Second))
			_, err := l.Launch(context.Background(), LaunchRequest{URL: "http://127.0.0.1:1/", Headless: true})
			require.ErrorIs(t, err, ErrLaunchFailed)
			assert.Contains(t, err.Error(), c.errText)
		})
	}
}

func TestLaunchTimeoutLeavesNoProcess(t *testing.T) {
	requireUnix(t)
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("PIDFILE", pidFile)
	script := writeScript(t, `echo $$ > "$PIDFILE"; exec sleep 60`)

	l := NewLocal(
		WithLocalLogger(log),
		WithBinary(script),
		WithLaunchTimeout(300*time.Millisecond),
		WithGracePeriod(100*time.Millisecond),
	)
	_, err := l.Launch(context.Background(), LaunchRequest{URL: "http://127.0.0.1:1/", Headless: true})
	require.ErrorIs(t, err, ErrLaunchFailed)

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestLaunchAndTerminate(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		name       string
		ignoreTerm bool
	}{
		{name: "exits on SIGTERM"},
		{name: "killed after grace period", ignoreTerm: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv(fakeBrowserEnv, "1")
			if c.ignoreTerm {
				t.Setenv(fakeBrowserIgnoreEnv, "1")
			}
			l := NewLocal(WithLocalLogger(log), WithBinary(os.Args[0]), WithGracePeriod(200*time.Millisecond))

			h, err := l.Launch(context.Background(), LaunchRequest{URL: "http://127.0.0.1:1/", Headless: true})
			require.NoError(t, err)
			assert.True(t, h.Alive())
			assert.Greater(t, h.DebugPort(), 0)

			v, err := NewDevTools(log, h.DebugPort()).Version(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "FakeChrome/1.0", v.Browser)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, h.Terminate(ctx))
			require.NoError(t, h.Terminate(ctx))
			assert.False(t, h.Alive())
			select {
			case <-h.Exited():
			default:
				t.Fatal("exited channel not closed after Terminate")
			}
		})
	}
}

func TestVisibleModeNeedsDisplay(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("display detection only applies to Linux")
	}
	t.Setenv("DISPLAY", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	_, err := NewLocal().Launch(context.Background(), LaunchRequest{URL: "http://127.0.0.1:1/"})
	require.ErrorIs(t, err, ErrLaunchFailed)
}

func TestDevToolsSetDownloadBehavior(t *testing.T) {
	got := make(chan value.Value, 1)
	mux := http.NewServeMux()
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)

	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Target{
			{ID: "bg", Type: "service_worker"},
			{ID: "1", Type: "page", WebSocketDebuggerURL: "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/page/1"},
		})
	})
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ch := rpc.NewChannel(conn, rpc.WithoutVersion(), rpc.WithHandler("Page.setDownloadBehavior",
			func(ctx context.Context, params value.Value) (value.Value, error) {
				got <- params
				return value.Object(), nil
			}))
		<-ch.Done()
	})

	d := NewDevToolsURL(log, s.URL)
	wsURL, err := d.PageWebSocketURL(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(wsURL, "/devtools/page/1"))

	require.NoError(t, d.SetDownloadBehavior(context.Background(), "/tmp/plots"))
	params := <-got
	assert.Equal(t, `{"behavior":"allow","downloadPath":"/tmp/plots"}`, params.String())
}

func TestDevToolsErrors(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json" {
			_ = json.NewEncoder(w).Encode([]Target{{ID: "bg", Type: "service_worker"}})
			return
		}
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(s.Close)

	d := NewDevToolsURL(log, s.URL, WithRetryMax(0))
	_, err := d.PageWebSocketURL(context.Background())
	assert.ErrorContains(t, err, "no page target")

	_, err = d.Version(context.Background())
	assert.ErrorContains(t, err, "non-200")
}

func TestWaitForDevToolsGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	// port 1 is privileged and never serves DevTools
	_, err := WaitForDevTools(ctx, log, 1)
	require.Error(t, err)
}

func TestDockerContainerConfig(t *testing.T) {
	req := LaunchRequest{URL: "http://127.0.0.1:4321/index.html", Headless: true}

	t.Run("host network", func(t *testing.T) {
		d := &Docker{image: DefaultDockerImage, networkMode: "host"}
		cfg, hostCfg, err := d.containerConfig(req, 9555)
		require.NoError(t, err)
		assert.Equal(t, DefaultDockerImage, cfg.Image)
		assert.Equal(t, "host", string(hostCfg.NetworkMode))
		assert.Contains(t, []string(cfg.Cmd), "--remote-debugging-port=9555")
		assert.Equal(t, req.URL, cfg.Cmd[len(cfg.Cmd)-1])
	})

	t.Run("bridge network", func(t *testing.T) {
		d := &Docker{image: DefaultDockerImage, networkMode: "bridge"}
		cfg, hostCfg, err := d.containerConfig(req, 9555)
		require.NoError(t, err)
		port := nat.Port("9222/tcp")
		assert.Contains(t, cfg.ExposedPorts, port)
		require.Len(t, hostCfg.PortBindings[port], 1)
		assert.Equal(t, "9555", hostCfg.PortBindings[port][0].HostPort)
		assert.Equal(t, "http://host.docker.internal:4321/index.html", cfg.Cmd[len(cfg.Cmd)-1])
		assert.Contains(t, []string(cfg.Cmd), "--remote-debugging-address=0.0.0.0")
	})

	t.Run("unknown network", func(t *testing.T) {
		d := &Docker{image: DefaultDockerImage, networkMode: "overlay"}
		_, _, err := d.containerConfig(req, 9555)
		assert.Error(t, err)
	})
}

func TestDefaultDownloadDirectory(t *testing.T) {
	dir := DefaultDownloadDirectory()
	assert.True(t, isDir(dir), dir)
}

func TestOutputLoggerSplitsLines(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := outputLogger(zap.New(core).Sugar(), "stdout")

	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("line\nno newline"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var msgs []string
	for _, e := range logs.All() {
		assert.Equal(t, "stdout", e.LoggerName)
		assert.Equal(t, zapcore.DebugLevel, e.Level)
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"first line", "second line", "no newline"}, msgs)
}

func TestBrowserOutputIsLogged(t *testing.T) {
	requireUnix(t)
	core, logs := observer.New(zapcore.DebugLevel)
	bin := writeScript(t, "echo ready\nprintf 'warming up\\ngpu disabled' >&2\nexit 3")
	l := NewLocal(WithLocalLogger(zap.New(core).Sugar()), WithBinary(bin), WithLaunchTimeout(2*time.Second))

	_, err := l.Launch(context.Background(), LaunchRequest{URL: "http://127.0.0.1:1/", Headless: true})
	require.ErrorIs(t, err, ErrLaunchFailed)

	streams := map[string][]string{}
	for _, e := range logs.All() {
		if e.LoggerName == "stdout" || e.LoggerName == "stderr" {
			streams[e.LoggerName] = append(streams[e.LoggerName], e.Message)
		}
	}
	assert.Equal(t, []string{"ready"}, streams["stdout"])
	assert.Equal(t, []string{"warming up", "gpu disabled"}, streams["stderr"])
}
