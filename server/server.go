// Package server hosts the page the renderer loads and accepts the renderer's websocket connection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	inet "github.com/guseggert/goplotly/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultAddr = "127.0.0.1:0"

// Server serves the renderer page and hands out the first websocket connection made to /ws.
// Later connections are refused with StatusTryAgainLater, since a Server backs exactly one document.
type Server struct {
	log       *zap.SugaredLogger
	addr      string
	webappDir string

	httpServer *http.Server
	listener   net.Listener
	port       int

	conns    chan *websocket.Conn
	mu       sync.Mutex
	claimed  bool
	stopped  bool
	stopOnce sync.Once
	loaded   chan struct{}
	loadOnce sync.Once
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithAddr sets the listen address. The default listens on an ephemeral loopback port.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithWebappDir serves the renderer page and its assets from dir.
func WithWebappDir(dir string) Option {
	return func(s *Server) {
		s.webappDir = dir
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		log:    zap.NewNop().Sugar(),
		addr:   DefaultAddr,
		conns:  make(chan *websocket.Conn, 1),
		loaded: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start listens and serves in the background. It returns once the listener is bound.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	port, err := inet.PortOf(l.Addr())
	if err != nil {
		l.Close()
		return err
	}
	s.listener = l
	s.port = port

	router := httprouter.New()
	router.GET("/ws", s.ws)
	router.GET("/ws_port", s.wsPort)
	router.GET("/loaded", s.pageLoaded)
	if s.webappDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.webappDir))
	}

	s.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		err := s.httpServer.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("HTTP server stopped: %s", err)
		}
	}()
	s.log.Debugw("serving renderer page", "Addr", l.Addr().String(), "WebappDir", s.webappDir)
	return nil
}

func (s *Server) Port() int { return s.port }

// URL is the page the renderer should open.
func (s *Server) URL() string {
	host, _, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil || host == "" || net.ParseIP(host).IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.port)) + "/"
}

// Connections delivers the renderer's websocket connection. At most one is ever sent.
func (s *Server) Connections() <-chan *websocket.Conn { return s.conns }

// Loaded is closed once the page reports that it finished loading.
func (s *Server) Loaded() <-chan struct{} { return s.loaded }

func (s *Server) ws(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket accept error: %s", err)
		return
	}

	s.mu.Lock()
	refuse := s.claimed || s.stopped
	s.claimed = true
	if !refuse {
		s.conns <- conn
	}
	s.mu.Unlock()

	if refuse {
		s.log.Debugw("refusing extra renderer connection", "Remote", r.RemoteAddr)
		conn.Close(websocket.StatusTryAgainLater, "a renderer is already connected")
		return
	}
	s.log.Debugw("renderer connected", "Remote", r.RemoteAddr)
}

func (s *Server) wsPort(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.log, struct {
		Port int `json:"port"`
	}{Port: s.port})
}

func (s *Server) pageLoaded(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.loadOnce.Do(func() {
		s.log.Debug("renderer page loaded")
		close(s.loaded)
	})
	writeJSON(w, s.log, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	_, err = w.Write(b)
	if err != nil {
		log.Debugf("error writing response: %s", err)
	}
}

// Stop closes the listener. A connection that was accepted but never taken from Connections is closed too.
// Connections already handed out belong to the caller.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		select {
		case conn := <-s.conns:
			conn.Close(websocket.StatusGoingAway, "server stopped")
		default:
		}
		if s.httpServer != nil {
			err = s.httpServer.Close()
		}
	})
	return err
}
