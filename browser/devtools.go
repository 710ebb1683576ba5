package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DevTools is a client for the browser's remote debugging endpoint.
type DevTools struct {
	log     *zap.SugaredLogger
	baseURL string
	client  *http.Client
}

type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type DevToolsOption func(r *retryablehttp.Client)

// WithRetryMax bounds the retries of each DevTools HTTP request.
func WithRetryMax(n int) DevToolsOption {
	return func(r *retryablehttp.Client) {
		r.RetryMax = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewDevTools returns a client for the DevTools endpoint on the given local port.
func NewDevTools(log *zap.SugaredLogger, port int, opts ...DevToolsOption) *DevTools {
	return NewDevToolsURL(log, fmt.Sprintf("http://127.0.0.1:%d", port), opts...)
}

func NewDevToolsURL(log *zap.SugaredLogger, baseURL string, opts ...DevToolsOption) *DevTools {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.RetryMax = 5
	retryClient.Logger = &logAdapter{SugaredLogger: log}
	for _, o := range opts {
		o(retryClient)
	}
	return &DevTools{
		log:     log,
		baseURL: baseURL,
		client:  retryClient.StandardClient(),
	}
}

func (d *DevTools) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("non-200 HTTP status code %d from %s: %s", resp.StatusCode, path, body)
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (d *DevTools) Version(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := d.getJSON(ctx, "/json/version", &v)
	return v, err
}

func (d *DevTools) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	err := d.getJSON(ctx, "/json", &targets)
	return targets, err
}

// PageWebSocketURL returns the debugger URL of the first page target.
func (d *DevTools) PageWebSocketURL(ctx context.Context) (string, error) {
	targets, err := d.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", errors.New("no page target with a debugger URL")
}

// SetDownloadBehavior allows downloads from the page and directs them to dir.
func (d *DevTools) SetDownloadBehavior(ctx context.Context, dir string) error {
	wsURL, err := d.PageWebSocketURL(ctx)
	if err != nil {
		return fmt.Errorf("finding page target: %w", err)
	}
	ch, err := rpc.Dial(ctx, wsURL, rpc.WithoutVersion(), rpc.WithLogger(d.log.Named("cdp")))
	if err != nil {
		return err
	}
	defer ch.Close()

	_, err = ch.Call(ctx, "Page.setDownloadBehavior", value.Object(
		value.KV("behavior", value.String("allow")),
		value.KV("downloadPath", value.String(dir)),
	))
	if err != nil {
		return fmt.Errorf("setting download behavior: %w", err)
	}
	d.log.Debugw("set download directory", "Dir", dir)
	return nil
}

// WaitForDevTools polls the DevTools endpoint on port with backoff until it answers or ctx is done.
func WaitForDevTools(ctx context.Context, log *zap.SugaredLogger, port int) (VersionInfo, error) {
	// ctx bounds the total wait, so the retry count only needs to be large enough not to run out first
	d := NewDevTools(log, port, WithRetryMax(1000))
	v, err := d.Version(ctx)
	if err != nil {
		return VersionInfo{}, err
	}
	log.Debugw("DevTools is up", "Browser", v.Browser, "Port", port)
	return v, nil
}
