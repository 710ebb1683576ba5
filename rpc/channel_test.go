package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/goplotly/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// newPair returns a client channel and the server-side channel it is connected to.
func newPair(t *testing.T, opts ...Option) (*Channel, *Channel) {
	serverCh := make(chan *Channel, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting: %s", err)
			return
		}
		serverCh <- NewChannel(conn, WithLogger(log.Named("server")))
	}))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL(s), append([]Option{WithLogger(log.Named("client"))}, opts...)...)
	require.NoError(t, err)
	server := <-serverCh

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func echo(ctx context.Context, params value.Value) (value.Value, error) {
	return params, nil
}

func TestCallRoundTrip(t *testing.T) {
	client, server := newPair(t)
	server.HandleRequest("echo", echo)

	params := value.Object(
		value.KV("data", value.Seq(value.Object(value.KV("x", value.Ints([]int{1, 2, 3}))))),
		value.KV("layout", value.Object()),
	)
	result, err := client.Call(context.Background(), "echo", params)
	require.NoError(t, err)
	assert.True(t, value.Equal(params, result), "got %s", result)
}

func TestRemoteErrors(t *testing.T) {
	cases := []struct {
		name        string
		method      string
		code        int
		recoverable bool
	}{
		{name: "application error", method: "fail", code: CodeServerError, recoverable: true},
		{name: "unknown method", method: "nope", code: CodeMethodNotFound, recoverable: false},
		{name: "handler error", method: "broken", code: CodeInternalError, recoverable: false},
		{name: "handler panic", method: "panics", code: CodeInternalError, recoverable: false},
	}

	client, server := newPair(t)
	server.HandleRequest("fail", func(ctx context.Context, params value.Value) (value.Value, error) {
		return value.Null(), &RemoteError{Code: CodeServerError, Message: "index out of range"}
	})
	server.HandleRequest("broken", func(ctx context.Context, params value.Value) (value.Value, error) {
		return value.Null(), errors.New("boom")
	})
	server.HandleRequest("panics", func(ctx context.Context, params value.Value) (value.Value, error) {
		panic("boom")
	})

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := client.Call(context.Background(), c.method, value.Object())
			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, c.code, remoteErr.Code)
			assert.Equal(t, c.recoverable, IsRecoverable(err))
		})
	}
}

func TestTimeoutDiscardsLateReply(t *testing.T) {
	client, server := newPair(t)
	server.HandleRequest("slow", func(ctx context.Context, params value.Value) (value.Value, error) {
		time.Sleep(200 * time.Millisecond)
		return value.String("late"), nil
	})
	server.HandleRequest("echo", echo)

	id, err := client.SendRequest("slow", value.Object())
	require.NoError(t, err)
	_, err = client.AwaitReply(context.Background(), id, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// the id was released, so it can no longer be awaited
	_, err = client.AwaitReply(context.Background(), id, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrUnknownRequest)

	// let the late reply arrive, then make sure the channel still works
	time.Sleep(300 * time.Millisecond)
	result, err := client.Call(context.Background(), "echo", value.String("fresh"))
	require.NoError(t, err)
	s, _ := result.AsString()
	assert.Equal(t, "fresh", s)
}

func TestOneWaiterPerID(t *testing.T) {
	client, server := newPair(t)
	release := make(chan struct{})
	server.HandleRequest("block", func(ctx context.Context, params value.Value) (value.Value, error) {
		<-release
		return value.Bool(true), nil
	})

	id, err := client.SendRequest("block", value.Object())
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := client.AwaitReply(context.Background(), id, 5*time.Second)
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = client.AwaitReply(context.Background(), id, time.Second)
	require.ErrorIs(t, err, ErrAlreadyAwaiting)

	close(release)
	require.NoError(t, <-firstErr)
}

func TestDisconnectFailsPending(t *testing.T) {
	client, server := newPair(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server.HandleRequest("hang", func(ctx context.Context, params value.Value) (value.Value, error) {
		<-release
		return value.Null(), nil
	})

	id, err := client.SendRequest("hang", value.Object())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		server.Close()
	}()

	start := time.Now()
	_, err = client.AwaitReply(context.Background(), id, 10*time.Second)
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client channel did not stop")
	}
	require.ErrorIs(t, client.Err(), ErrDisconnected)

	_, err = client.SendRequest("hang", value.Object())
	require.ErrorIs(t, err, ErrDisconnected)
	require.ErrorIs(t, client.Notify("hello", value.Null()), ErrDisconnected)
}

func TestSlowSubscriberDoesNotBlockReplies(t *testing.T) {
	client, server := newPair(t)
	client.HandleRequest("echo", echo)

	stalled := client.Subscribe(func(fr Frame) bool { return fr.Method == "tick" })
	defer stalled.Close()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, server.Notify("tick", value.Int(i)))
	}

	// nobody has read from the subscription, yet correlation still works in both directions
	result, err := server.Call(context.Background(), "echo", value.String("ping"))
	require.NoError(t, err)
	s, _ := result.AsString()
	assert.Equal(t, "ping", s)

	for i := 0; i < n; i++ {
		select {
		case fr := <-stalled.Frames():
			v, err := value.Parse(fr.Params)
			require.NoError(t, err)
			got, _ := v.AsNumber()
			require.Equal(t, float64(i), got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestSubscribePredicate(t *testing.T) {
	client, server := newPair(t)

	clicks := client.Subscribe(func(fr Frame) bool { return fr.Method == "click" })
	defer clicks.Close()
	all := client.Subscribe(nil)
	defer all.Close()

	require.NoError(t, server.Notify("hover", value.Int(1)))
	require.NoError(t, server.Notify("click", value.Int(2)))

	fr := <-clicks.Frames()
	assert.Equal(t, "click", fr.Method)

	assert.Equal(t, "hover", (<-all.Frames()).Method)
	assert.Equal(t, "click", (<-all.Frames()).Method)

	clicks.Close()
	_, open := <-clicks.Frames()
	assert.False(t, open)
}

func TestSubscriptionClosesWithChannel(t *testing.T) {
	client, _ := newPair(t)
	sub := client.Subscribe(nil)
	require.NoError(t, client.Close())

	select {
	case _, open := <-sub.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}

	late := client.Subscribe(nil)
	_, open := <-late.Frames()
	assert.False(t, open)
}

func TestConcurrentCalls(t *testing.T) {
	client, server := newPair(t)
	server.HandleRequest("echo", echo)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		g.Go(func() error {
			result, err := client.Call(context.Background(), "echo", value.Int(i))
			if err != nil {
				return err
			}
			if n, _ := result.AsNumber(); n != float64(i) {
				return fmt.Errorf("call %d got reply %s", i, result)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestWithoutVersion(t *testing.T) {
	frames := make(chan map[string]json.RawMessage, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		var fr map[string]json.RawMessage
		if err := wsjson.Read(r.Context(), conn, &fr); err != nil {
			return
		}
		frames <- fr
		_ = wsjson.Write(r.Context(), conn, map[string]any{"id": fr["id"], "result": map[string]any{}})
		// hold the connection open until the client goes away
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(s.Close)

	client, err := Dial(context.Background(), wsURL(s), WithoutVersion(), WithLogger(log))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "Page.setDownloadBehavior", value.Object(
		value.KV("behavior", value.String("allow")),
		value.KV("downloadPath", value.String("/tmp")),
	))
	require.NoError(t, err)

	fr := <-frames
	_, hasVersion := fr["jsonrpc"]
	assert.False(t, hasVersion)
	assert.JSONEq(t, `"Page.setDownloadBehavior"`, string(fr["method"]))
}

func TestParseNumericID(t *testing.T) {
	cases := []struct {
		raw      string
		id       int64
		expected bool
	}{
		{raw: `7`, id: 7, expected: true},
		{raw: `"12"`, id: 12, expected: true},
		{raw: `null`},
		{raw: ``},
		{raw: `"abc"`},
		{raw: `1.5`},
		{raw: `{"id":1}`},
	}
	for _, c := range cases {
		t.Run(c.raw, func(t *testing.T) {
			id, ok := parseNumericID(json.RawMessage(c.raw))
			assert.Equal(t, c.expected, ok)
			assert.Equal(t, c.id, id)
		})
	}
}

func TestNullIDErrorIsUncorrelated(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting: %s", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var req map[string]json.RawMessage
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		// a peer that could not read the id answers with a null one before the real reply
		_ = wsjson.Write(ctx, conn, map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error":   map[string]any{"code": CodeParseError, "message": "parse error"},
		})
		_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "done"})
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(s.Close)

	core, logs := observer.New(zapcore.WarnLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL(s), WithLogger(zap.New(core).Sugar()))
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(ctx, "work", value.Null())
	require.NoError(t, err)
	text, _ := result.AsString()
	assert.Equal(t, "done", text)
	assert.Equal(t, 1, logs.FilterMessageSnippet("uncorrelated error").Len())
}
