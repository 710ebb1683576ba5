package figure

import (
	"sync"

	"github.com/guseggert/goplotly/browser"
	"github.com/guseggert/goplotly/events"
	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/server"
	"github.com/guseggert/goplotly/value"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// session is one connected browser: everything Open creates and Close tears down.
type session struct {
	log      *zap.SugaredLogger
	srv      *server.Server
	handle   browser.Handle
	ch       *rpc.Channel
	router   *events.Router
	eventSub *rpc.Subscription
	headless bool

	// listenMu serializes changes to the remote listeners
	listenMu sync.Mutex
	// listeners maps event names to the id the page sends their notifications under
	listeners map[string]string

	mu          sync.Mutex
	eventNames  map[string]string
	downloadDir string

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(log *zap.SugaredLogger, cfg Config, srv *server.Server, handle browser.Handle, conn *websocket.Conn, headless bool) *session {
	s := &session{
		log:        log,
		srv:        srv,
		handle:     handle,
		headless:   headless,
		listeners:  map[string]string{},
		eventNames: map[string]string{},
		closed:     make(chan struct{}),
	}
	s.ch = rpc.NewChannel(conn, rpc.WithLogger(log.Named("rpc")), rpc.WithCallTimeout(cfg.CallTimeout))
	s.router = events.NewRouter(log.Named("events"))
	s.eventSub = s.ch.Subscribe(s.isEventFrame)
	go s.pumpEvents()
	return s
}

func (s *session) isEventFrame(fr rpc.Frame) bool {
	_, ok := s.eventName(fr.Method)
	return ok
}

func (s *session) eventName(eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.eventNames[eventID]
	return name, ok
}

// pumpEvents hands event notifications to the router. It ends when the subscription closes.
func (s *session) pumpEvents() {
	for fr := range s.eventSub.Frames() {
		// the listener may have been removed while the frame was queued
		name, ok := s.eventName(fr.Method)
		if !ok {
			continue
		}
		payload, err := value.Parse(fr.Params)
		if err != nil {
			s.log.Warnf("dropping %s event with malformed payload: %s", name, err)
			continue
		}
		s.router.Emit(name, payload)
	}
}

func (s *session) setDownloadDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadDir = dir
}

func (s *session) getDownloadDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadDir
}

func (s *session) hasDevTools() bool {
	return s.headless && s.handle.DebugPort() != 0
}

func (s *session) devTools() *browser.DevTools {
	return browser.NewDevTools(s.log.Named("devtools"), s.handle.DebugPort())
}
