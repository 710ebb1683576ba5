// Package renderertest provides an in-process renderer that speaks the page side of the figure
// protocol, so figures can be tested without a browser.
//
// A Renderer is a browser.Launcher. Launching it loads the harness page the way a browser would:
// it asks the page server for the websocket port, reports the page loaded, connects, and then
// answers Plotly.* requests against a minimal chart model that tracks traces, frames and listeners.
// Headless launches also expose a DevTools endpoint that accepts Page.setDownloadBehavior.
package renderertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/guseggert/goplotly/browser"
	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
	"go.uber.org/zap"
)

// ExportMode selects how Plotly.downloadImage completes.
type ExportMode int

const (
	// ExportFile writes the image into the download directory.
	ExportFile ExportMode = iota
	// ExportNotify sends an exportComplete notification without writing anything.
	ExportNotify
	// ExportNone acknowledges the request and never completes it.
	ExportNone
)

type Renderer struct {
	log        *zap.SugaredLogger
	exportMode ExportMode
	stalled    map[string]bool

	mu          sync.Mutex
	ch          *rpc.Channel
	handle      *handle
	launches    int
	requests    []string
	traces      []value.Value
	layout      value.Value
	plotted     bool
	frames      []string
	listeners   map[string][]string
	downloadDir string
}

type Option func(r *Renderer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Renderer) {
		r.log = l
	}
}

func WithExportMode(m ExportMode) Option {
	return func(r *Renderer) {
		r.exportMode = m
	}
}

// WithStall makes requests for method hang until the connection closes.
func WithStall(method string) Option {
	return func(r *Renderer) {
		r.stalled[method] = true
	}
}

// WithDownloadDir sets the initial download directory.
func WithDownloadDir(dir string) Option {
	return func(r *Renderer) {
		r.downloadDir = dir
	}
}

func New(opts ...Option) *Renderer {
	r := &Renderer{
		log:       zap.NewNop().Sugar(),
		stalled:   map[string]bool{},
		listeners: map[string][]string{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Launch loads the page at req.URL and connects its websocket. Each launch starts with an empty chart.
func (r *Renderer) Launch(ctx context.Context, req browser.LaunchRequest) (browser.Handle, error) {
	base, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", browser.ErrLaunchFailed, err)
	}

	var wsPort struct {
		Port int `json:"port"`
	}
	err = getJSON(ctx, base.ResolveReference(&url.URL{Path: "ws_port"}).String(), &wsPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", browser.ErrLaunchFailed, err)
	}
	var loaded struct {
		Status string `json:"status"`
	}
	err = getJSON(ctx, base.ResolveReference(&url.URL{Path: "loaded"}).String(), &loaded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", browser.ErrLaunchFailed, err)
	}

	h := &handle{r: r, exited: make(chan struct{})}
	if req.Headless {
		h.devTools = newDevTools(r)
	}

	opts := []rpc.Option{rpc.WithLogger(r.log.Named("page"))}
	for method, fn := range r.handlers() {
		opts = append(opts, rpc.WithHandler(method, r.record(method, fn)))
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", base.Hostname(), wsPort.Port)
	ch, err := rpc.Dial(ctx, wsURL, opts...)
	if err != nil {
		h.stopDevTools()
		return nil, fmt.Errorf("%w: %s", browser.ErrLaunchFailed, err)
	}
	h.ch = ch

	r.mu.Lock()
	r.ch = ch
	r.handle = h
	r.launches++
	r.traces = nil
	r.layout = value.Null()
	r.plotted = false
	r.frames = nil
	r.listeners = map[string][]string{}
	r.mu.Unlock()

	go func() {
		<-ch.Done()
		h.markExited()
	}()
	r.log.Debugw("renderer connected", "URL", wsURL, "Status", loaded.Status)
	return h, nil
}

func getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-200 HTTP status code %d from %s", resp.StatusCode, u)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Emit pushes a chart event to every listener the figure registered for it, returning how many were notified.
func (r *Renderer) Emit(event string, payload value.Value) int {
	r.mu.Lock()
	ids := append([]string(nil), r.listeners[event]...)
	ch := r.ch
	r.mu.Unlock()
	if ch == nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if ch.Notify(id, payload) == nil {
			n++
		}
	}
	return n
}

// Kill drops the connection and marks the browser exited, as if the process crashed.
func (r *Renderer) Kill() {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		h.kill()
	}
}

// Requests lists the methods received so far, across launches.
func (r *Renderer) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

func (r *Renderer) Launches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}

func (r *Renderer) TraceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

func (r *Renderer) DownloadDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloadDir
}

func (r *Renderer) setDownloadDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadDir = dir
}

// ListenerCount is the number of listeners registered on the page for event.
func (r *Renderer) ListenerCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[event])
}

func (r *Renderer) record(method string, fn rpc.RequestHandler) rpc.RequestHandler {
	return func(ctx context.Context, params value.Value) (value.Value, error) {
		r.mu.Lock()
		r.requests = append(r.requests, method)
		r.mu.Unlock()
		if r.stalled[method] {
			<-ctx.Done()
			return value.Null(), ctx.Err()
		}
		return fn(ctx, params)
	}
}

type handle struct {
	r        *Renderer
	ch       *rpc.Channel
	devTools *devTools

	exitOnce sync.Once
	exited   chan struct{}
}

func (h *handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *handle) Exited() <-chan struct{} { return h.exited }

func (h *handle) DebugPort() int {
	if h.devTools == nil {
		return 0
	}
	return h.devTools.port
}

func (h *handle) Terminate(ctx context.Context) error {
	h.ch.Close()
	h.markExited()
	return nil
}

func (h *handle) kill() {
	h.markExited()
	h.ch.Close()
}

func (h *handle) markExited() {
	h.exitOnce.Do(func() {
		h.stopDevTools()
		close(h.exited)
	})
}

func (h *handle) stopDevTools() {
	if h.devTools != nil {
		h.devTools.close()
	}
}

var _ browser.Launcher = (*Renderer)(nil)
