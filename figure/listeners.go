package figure

import (
	"context"

	"github.com/google/uuid"
	"github.com/guseggert/goplotly/events"
	"github.com/guseggert/goplotly/value"
)

// On registers fn for the chart event name, e.g. "plotly_click".
// Handlers for the same name run in registration order, off the connection's read loop.
func (f *Figure) On(ctx context.Context, name string, fn events.Handler) (bool, error) {
	_, ok, err := f.Listen(ctx, name, fn)
	return ok, err
}

// Listen is On that also returns the registration, for RemoveListener.
func (f *Figure) Listen(ctx context.Context, name string, fn events.Handler) (events.Registration, bool, error) {
	s, err := f.session()
	if err != nil {
		return events.Registration{}, false, err
	}
	reg, ok := s.router.On(name, fn)
	if !ok {
		return events.Registration{}, false, ErrNotConnected
	}
	ok, err = f.ensureRemoteListener(ctx, s, name)
	if !ok || err != nil {
		s.router.Remove(reg)
		return events.Registration{}, ok, err
	}
	return reg, true, nil
}

// ensureRemoteListener asks the page to forward events named name, once per name.
// Notifications for it arrive with the generated event id as their method.
func (f *Figure) ensureRemoteListener(ctx context.Context, s *session, name string) (bool, error) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if _, ok := s.listeners[name]; ok {
		return true, nil
	}

	eventID := "plotly_event_" + uuid.NewString()
	// known before the request goes out, so an event racing the reply is not dropped
	s.mu.Lock()
	s.eventNames[eventID] = name
	s.mu.Unlock()

	_, err := s.ch.Call(ctx, "Plotly.on", value.Object(
		value.KV("event", value.String(name)),
		value.KV("eventId", value.String(eventID)),
	))
	ok, err := f.outcome("Plotly.on", err)
	if !ok || err != nil {
		s.mu.Lock()
		delete(s.eventNames, eventID)
		s.mu.Unlock()
		return ok, err
	}
	s.listeners[name] = eventID
	f.log.Debugw("listening for event", "Event", name, "EventID", eventID)
	return true, nil
}

// RemoveListener unregisters one handler. When it was the last one for its event, the page stops
// forwarding that event.
func (f *Figure) RemoveListener(ctx context.Context, reg events.Registration) (bool, error) {
	s, err := f.session()
	if err != nil {
		return false, err
	}
	// held across the count so a concurrent Listen either keeps the page listener alive or
	// re-creates it after we drop it
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if !s.router.Remove(reg) {
		return false, nil
	}
	if s.router.Count(reg.Name) > 0 {
		return true, nil
	}
	return f.removeRemoteListeners(ctx, s, reg.Name)
}

// RemoveAllListeners unregisters every handler for name. No handler for name starts running after it
// returns, though one already running is not interrupted. Removing an event without handlers succeeds.
func (f *Figure) RemoveAllListeners(ctx context.Context, name string) (bool, error) {
	s, err := f.session()
	if err != nil {
		return false, err
	}
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	n := s.router.RemoveAll(name)
	f.log.Debugw("removed listeners", "Event", name, "Count", n)
	return f.removeRemoteListeners(ctx, s, name)
}

// removeRemoteListeners must be called with listenMu held.
func (f *Figure) removeRemoteListeners(ctx context.Context, s *session, name string) (bool, error) {
	if eventID, ok := s.listeners[name]; ok {
		delete(s.listeners, name)
		s.mu.Lock()
		delete(s.eventNames, eventID)
		s.mu.Unlock()
	}
	_, err := s.ch.Call(ctx, "Plotly.removeAllListeners", value.Object(value.KV("event", value.String(name))))
	return f.outcome("Plotly.removeAllListeners", err)
}
