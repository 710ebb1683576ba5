// Package events routes named events pushed by the renderer to registered handlers.
//
// Each event name gets its own dispatcher goroutine fed by an unbounded queue, so Emit never blocks the
// caller (the transport's reader) and a slow handler only delays later events of the same name.
// Handlers for one name run in registration order, one event at a time.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/guseggert/goplotly/internal/queue"
	"github.com/guseggert/goplotly/value"
	"go.uber.org/zap"
)

type Handler func(payload value.Value)

// Registration identifies one registered handler.
type Registration struct {
	ID   string
	Name string
}

type entry struct {
	reg     Registration
	fn      Handler
	removed atomic.Bool
}

type dispatcher struct {
	name string
	q    *queue.Queue[value.Value]
}

type Router struct {
	log *zap.SugaredLogger

	mu          sync.Mutex
	byName      map[string][]*entry
	byID        map[string]*entry
	dispatchers map[string]*dispatcher
	closed      bool
	wg          sync.WaitGroup
}

func NewRouter(log *zap.SugaredLogger) *Router {
	return &Router{
		log:         log,
		byName:      map[string][]*entry{},
		byID:        map[string]*entry{},
		dispatchers: map[string]*dispatcher{},
	}
}

// On registers fn for events named name. It returns false if the router is closed.
func (r *Router) On(name string, fn Handler) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Registration{}, false
	}
	e := &entry{reg: Registration{ID: uuid.NewString(), Name: name}, fn: fn}
	r.byName[name] = append(r.byName[name], e)
	r.byID[e.reg.ID] = e
	return e.reg, true
}

// Remove unregisters a single handler, reporting whether it was registered.
func (r *Router) Remove(reg Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[reg.ID]
	if !ok {
		return false
	}
	e.removed.Store(true)
	delete(r.byID, reg.ID)
	entries := r.byName[e.reg.Name]
	for i, other := range entries {
		if other == e {
			r.byName[e.reg.Name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.byName[e.reg.Name]) == 0 {
		delete(r.byName, e.reg.Name)
	}
	return true
}

// RemoveAll unregisters every handler for name and returns how many were removed.
// A removed handler is skipped by every dispatch that has not already reached it.
func (r *Router) RemoveAll(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byName[name]
	for _, e := range entries {
		e.removed.Store(true)
		delete(r.byID, e.reg.ID)
	}
	delete(r.byName, name)
	return len(entries)
}

// Count returns the number of handlers registered for name.
func (r *Router) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[name])
}

// Names returns the event names that currently have handlers.
func (r *Router) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Emit queues payload for every handler registered for name and returns immediately.
// It reports false when there is nobody to deliver to.
func (r *Router) Emit(name string, payload value.Value) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.byName[name]) == 0 {
		return false
	}
	d, ok := r.dispatchers[name]
	if !ok {
		d = &dispatcher{name: name, q: queue.New[value.Value]()}
		r.dispatchers[name] = d
		r.wg.Add(1)
		go r.run(d)
	}
	return d.q.Push(payload)
}

func (r *Router) run(d *dispatcher) {
	defer r.wg.Done()
	for {
		payload, ok := d.q.Pop()
		if !ok {
			return
		}
		r.mu.Lock()
		entries := append([]*entry(nil), r.byName[d.name]...)
		r.mu.Unlock()

		for _, e := range entries {
			if e.removed.Load() {
				continue
			}
			r.invoke(e, payload)
		}
	}
}

func (r *Router) invoke(e *entry, payload value.Value) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warnw("event handler panicked", "Event", e.reg.Name, "Registration", e.reg.ID, "Panic", rec)
		}
	}()
	e.fn(payload)
}

// Close unregisters every handler and stops the dispatchers. Queued events are dropped.
// It does not wait for a handler that is already running; use Wait for that.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.byID {
		e.removed.Store(true)
	}
	r.byID = map[string]*entry{}
	r.byName = map[string][]*entry{}
	for _, d := range r.dispatchers {
		d.q.Close()
	}
}

// Wait blocks until every dispatcher has exited. It must not be called from a handler.
func (r *Router) Wait() {
	r.wg.Wait()
}
