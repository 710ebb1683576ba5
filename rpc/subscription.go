package rpc

import (
	"sync"

	"github.com/guseggert/goplotly/internal/queue"
)

// Subscription delivers matching notifications in arrival order.
// Frames are queued without bound, so a consumer that stops reading never stalls the channel's reader.
type Subscription struct {
	ch    *Channel
	match func(Frame) bool
	q     *queue.Queue[Frame]
	out   chan Frame
	done  chan struct{}
	once  sync.Once
}

func newSubscription(c *Channel, match func(Frame) bool) *Subscription {
	s := &Subscription{
		ch:    c,
		match: match,
		q:     queue.New[Frame](),
		out:   make(chan Frame),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

// Frames returns the delivery channel. It is closed when the subscription or its Channel is closed.
func (s *Subscription) Frames() <-chan Frame { return s.out }

// Close stops delivery and discards any frames not yet received.
func (s *Subscription) Close() {
	s.ch.unsubscribe(s)
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.q.Close()
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		fr, ok := s.q.Pop()
		if !ok {
			return
		}
		select {
		case s.out <- fr:
		case <-s.done:
			return
		}
	}
}
