package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/goplotly/value"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// chart payloads can be large, e.g. a full surface plot or an SVG export
	readLimit           = 64 << 20
	defaultCallTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// RequestHandler serves a request initiated by the remote side.
// Returning a *RemoteError sends that error back verbatim.
type RequestHandler func(ctx context.Context, params value.Value) (value.Value, error)

// Channel is a JSON-RPC 2.0 endpoint over a WebSocket connection.
// A single goroutine reads every inbound frame and routes it to the waiter of a pending request,
// to a request handler, or to the notification subscriptions.
type Channel struct {
	log          *zap.SugaredLogger
	conn         *websocket.Conn
	omitVersion  bool
	callTimeout  time.Duration
	writeTimeout time.Duration

	nextID int64

	mu       sync.Mutex
	pending  map[int64]*pendingRequest
	subs     map[*Subscription]struct{}
	handlers map[string]RequestHandler
	closed   bool
	err      error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type pendingRequest struct {
	id       int64
	method   string
	issuedAt time.Time
	// buffered so the reader never blocks on a slow or absent waiter
	reply   chan reply
	awaited bool
}

type reply struct {
	result json.RawMessage
	err    error
}

type Option func(c *Channel)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

// WithCallTimeout sets the reply deadline used by Call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.callTimeout = d
	}
}

// WithoutVersion omits the "jsonrpc" member from outgoing frames, for peers such as the Chrome DevTools
// protocol that speak the same framing without it.
func WithoutVersion() Option {
	return func(c *Channel) {
		c.omitVersion = true
	}
}

// WithHandler registers a request handler before the channel starts reading, so no early request
// can miss it.
func WithHandler(method string, h RequestHandler) Option {
	return func(c *Channel) {
		c.handlers[method] = h
	}
}

// NewChannel takes ownership of conn and starts reading from it.
func NewChannel(conn *websocket.Conn, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		log:          zap.NewNop().Sugar(),
		conn:         conn,
		callTimeout:  defaultCallTimeout,
		writeTimeout: defaultWriteTimeout,
		pending:      map[int64]*pendingRequest{},
		subs:         map[*Subscription]struct{}{},
		handlers:     map[string]RequestHandler{},
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	conn.SetReadLimit(readLimit)
	go c.readLoop()
	return c
}

// Dial connects to a WebSocket endpoint and returns a Channel over it.
func Dial(ctx context.Context, url string, opts ...Option) (*Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewChannel(conn, opts...), nil
}

// SendRequest assigns the next request id, writes the request, and returns without waiting for the reply.
// Every successful SendRequest should be followed by an AwaitReply for the returned id.
func (c *Channel) SendRequest(method string, params value.Value) (int64, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return 0, err
	}

	id := atomic.AddInt64(&c.nextID, 1)
	p := &pendingRequest{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		reply:    make(chan reply, 1),
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	err = c.write(Frame{ID: encodeID(id), Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return 0, err
	}
	c.log.Debugw("sent request", "ID", id, "Method", method)
	return id, nil
}

// AwaitReply blocks until the reply for id arrives, the timeout elapses, or ctx is done.
// A timeout of zero waits for ctx alone. Only one waiter may be outstanding per id, and the id is
// released when AwaitReply returns, so a reply arriving later is discarded.
func (c *Channel) AwaitReply(ctx context.Context, id int64, timeout time.Duration) (value.Value, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		closed, err := c.closed, c.err
		c.mu.Unlock()
		if closed {
			return value.Null(), err
		}
		return value.Null(), fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	if p.awaited {
		c.mu.Unlock()
		return value.Null(), fmt.Errorf("%w: %d", ErrAlreadyAwaiting, id)
	}
	p.awaited = true
	c.mu.Unlock()
	defer c.forget(id)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-p.reply:
		if r.err != nil {
			return value.Null(), r.err
		}
		c.log.Debugw("got reply", "ID", id, "Method", p.method, "Latency", time.Since(p.issuedAt))
		result, err := value.Parse(r.result)
		if err != nil {
			return value.Null(), fmt.Errorf("decoding result of %s: %w", p.method, err)
		}
		return result, nil
	case <-timeoutCh:
		return value.Null(), fmt.Errorf("%w: %s (id %d) after %s", ErrTimeout, p.method, id, timeout)
	case <-ctx.Done():
		return value.Null(), ctx.Err()
	}
}

// Call sends a request and waits for its reply using the channel's call timeout.
func (c *Channel) Call(ctx context.Context, method string, params value.Value) (value.Value, error) {
	id, err := c.SendRequest(method, params)
	if err != nil {
		return value.Null(), err
	}
	return c.AwaitReply(ctx, id, c.callTimeout)
}

// Notify sends a notification, which has no reply.
func (c *Channel) Notify(method string, params value.Value) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed, cause := c.closed, c.err
	c.mu.Unlock()
	if closed {
		return cause
	}
	return c.write(Frame{Method: method, Params: raw})
}

// HandleRequest registers h for requests initiated by the remote side.
// Requests for methods without a handler are answered with a method-not-found error.
func (c *Channel) HandleRequest(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Subscribe returns a subscription receiving every inbound notification accepted by match, in arrival order.
// A nil match accepts all notifications. match runs on the reader goroutine and must not block.
func (c *Channel) Subscribe(match func(Frame) bool) *Subscription {
	s := newSubscription(c, match)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.close()
		return s
	}
	c.subs[s] = struct{}{}
	return s
}

func (c *Channel) unsubscribe(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, s)
}

// Done is closed once the channel has stopped, either through Close or because the connection failed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel stopped, or nil while it is running.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close fails every pending request with ErrDisconnected and closes the connection.
func (c *Channel) Close() error {
	c.shutdown(errors.New("closed locally"))
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	if err != nil {
		c.log.Debugf("error closing conn: %s", err)
	}
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
		pending := c.pending
		c.pending = map[int64]*pendingRequest{}
		subs := c.subs
		c.subs = map[*Subscription]struct{}{}
		c.mu.Unlock()

		c.log.Debugw("channel stopped", "Cause", cause, "Pending", len(pending))
		for _, p := range pending {
			select {
			case p.reply <- reply{err: c.err}:
			default:
			}
		}
		for s := range subs {
			s.close()
		}
		close(c.done)
	})
}

func (c *Channel) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Channel) write(fr Frame) error {
	if !c.omitVersion {
		fr.JSONRPC = version
	}
	b, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	// A canceled write context closes the connection, so writes are bounded by the channel's own lifetime.
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	err = c.conn.Write(ctx, websocket.MessageText, b)
	if err != nil {
		return fmt.Errorf("%w: writing frame: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer c.cancel()
	for {
		_, b, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.log.Debug("got normal closure from peer")
			} else {
				c.log.Debugf("reader got error: %s", err)
			}
			c.shutdown(err)
			return
		}
		var fr Frame
		err = json.Unmarshal(b, &fr)
		if err != nil {
			c.log.Warnf("dropping malformed frame (%d bytes): %s", len(b), err)
			continue
		}
		c.route(fr)
	}
}

func (c *Channel) route(fr Frame) {
	switch {
	case fr.IsReply():
		c.dispatchReply(fr)
	case fr.IsRequest():
		go c.serveRequest(fr)
	case fr.IsNotification():
		c.dispatchNotification(fr)
	default:
		c.log.Debugf("ignoring frame with neither method nor id")
	}
}

func (c *Channel) dispatchReply(fr Frame) {
	id, ok := parseNumericID(fr.ID)
	if !ok {
		if fr.Error != nil {
			c.log.Warnf("peer reported an uncorrelated error: %s", fr.Error)
		}
		return
	}
	c.mu.Lock()
	p := c.pending[id]
	c.mu.Unlock()
	if p == nil {
		c.log.Debugw("discarding reply with no pending request", "ID", id)
		return
	}
	r := reply{result: fr.Result}
	if fr.Error != nil {
		r = reply{err: fr.Error}
	}
	select {
	case p.reply <- r:
	default:
		c.log.Debugw("discarding duplicate reply", "ID", id)
	}
}

func (c *Channel) dispatchNotification(fr Frame) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.match == nil || s.match(fr) {
			s.q.Push(fr)
		}
	}
}

func (c *Channel) serveRequest(fr Frame) {
	c.mu.Lock()
	h := c.handlers[fr.Method]
	c.mu.Unlock()

	resp := Frame{ID: fr.ID}
	if h == nil {
		resp.Error = &RemoteError{Code: CodeMethodNotFound, Message: "method not found: " + fr.Method}
	} else {
		result, err := c.invoke(h, fr)
		if err != nil {
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				remoteErr = &RemoteError{Code: CodeInternalError, Message: err.Error()}
			}
			resp.Error = remoteErr
		} else {
			raw, err := result.MarshalJSON()
			if err != nil {
				resp.Error = &RemoteError{Code: CodeInternalError, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
	}

	err := c.write(resp)
	if err != nil {
		c.log.Debugf("error replying to %s: %s", fr.Method, err)
	}
}

func (c *Channel) invoke(h RequestHandler, fr Frame) (result value.Value, err error) {
	params, err := value.Parse(fr.Params)
	if err != nil {
		return value.Null(), &RemoteError{Code: CodeInvalidParams, Message: err.Error()}
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("handler for %s panicked: %v", fr.Method, r)
			result, err = value.Null(), &RemoteError{Code: CodeInternalError, Message: fmt.Sprint(r)}
		}
	}()
	return h(c.ctx, params)
}

func encodeParams(params value.Value) (json.RawMessage, error) {
	if params.IsNull() {
		return nil, nil
	}
	raw, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return raw, nil
}
