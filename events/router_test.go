package events

import (
	"sync"
	"testing"
	"time"

	"github.com/guseggert/goplotly/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(label string) Handler {
	return func(payload value.Value) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, label+":"+payload.String())
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	r := NewRouter(log)
	defer r.Close()
	rec := &recorder{}

	_, ok := r.On("plotly_click", rec.handler("first"))
	require.True(t, ok)
	_, ok = r.On("plotly_click", rec.handler("second"))
	require.True(t, ok)

	require.True(t, r.Emit("plotly_click", value.Int(1)))
	require.True(t, r.Emit("plotly_click", value.Int(2)))

	require.Eventually(t, func() bool { return len(rec.get()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first:1", "second:1", "first:2", "second:2"}, rec.get())
}

func TestRemoveAllStopsDelivery(t *testing.T) {
	r := NewRouter(log)
	defer r.Close()
	rec := &recorder{}

	r.On("plotly_click", rec.handler("a"))
	r.On("plotly_click", rec.handler("b"))
	r.On("plotly_hover", rec.handler("hover"))

	assert.Equal(t, 2, r.RemoveAll("plotly_click"))
	assert.Equal(t, 0, r.RemoveAll("plotly_click"))
	assert.Equal(t, 0, r.Count("plotly_click"))

	assert.False(t, r.Emit("plotly_click", value.Int(1)))
	require.True(t, r.Emit("plotly_hover", value.Int(2)))

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"hover:2"}, rec.get())
}

func TestRemoveSingleRegistration(t *testing.T) {
	r := NewRouter(log)
	defer r.Close()
	rec := &recorder{}

	first, _ := r.On("plotly_relayout", rec.handler("first"))
	r.On("plotly_relayout", rec.handler("second"))

	assert.True(t, r.Remove(first))
	assert.False(t, r.Remove(first))
	assert.Equal(t, 1, r.Count("plotly_relayout"))

	r.Emit("plotly_relayout", value.String("x"))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`second:"x"`}, rec.get())
}

func TestSlowHandlerDoesNotBlockEmit(t *testing.T) {
	r := NewRouter(log)
	defer r.Close()
	release := make(chan struct{})
	defer close(release)
	rec := &recorder{}

	r.On("slow", func(value.Value) { <-release })
	r.On("fast", rec.handler("fast"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Emit("slow", value.Int(i))
		}
		r.Emit("fast", value.Int(0))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a stalled handler")
	}
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	r := NewRouter(log)
	defer r.Close()
	rec := &recorder{}

	r.On("plotly_click", func(value.Value) { panic("handler bug") })
	r.On("plotly_click", rec.handler("after"))

	r.Emit("plotly_click", value.Int(1))
	r.Emit("plotly_click", value.Int(2))

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after:1", "after:2"}, rec.get())
}

func TestClose(t *testing.T) {
	r := NewRouter(log)
	rec := &recorder{}
	r.On("plotly_click", rec.handler("a"))

	r.Emit("plotly_click", value.Int(1))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)

	r.Close()
	r.Close()
	r.Wait()

	assert.False(t, r.Emit("plotly_click", value.Int(2)))
	_, ok := r.On("plotly_click", rec.handler("b"))
	assert.False(t, ok)
	assert.Empty(t, r.Names())
	assert.Equal(t, []string{"a:1"}, rec.get())
}
