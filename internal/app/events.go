package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"tetoegen/api/internal/session"
)

const (
	eventSnapshot = "snapshot"
	eventReload   = "reload"

	heartbeatInterval = 25 * time.Second
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data any
}

// Events fans snapshots and reload instructions out to connected UIs. It is
// the session.Reloader of a running server: a forced reload tells every
// client to drop its in-memory state and start over.
type Events struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int
	last    *session.Snapshot
	clients map[int]*Subscription
}

var _ session.Reloader = (*Events)(nil)

func NewEvents(logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{logger: logger, clients: make(map[int]*Subscription)}
}

// Subscription is one client's pending events. Snapshots coalesce, so a
// slow client skips intermediate snapshots but always receives the newest
// one. A pending reload is never dropped.
type Subscription struct {
	wake chan struct{}

	mu       sync.Mutex
	snapshot *session.Snapshot
	reload   *Event
}

// Ready fires when events are waiting to be drained.
func (s *Subscription) Ready() <-chan struct{} { return s.wake }

// Drain returns the pending events: the latest snapshot, then any reload.
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	if s.snapshot != nil {
		out = append(out, Event{Name: eventSnapshot, Data: *s.snapshot})
		s.snapshot = nil
	}
	if s.reload != nil {
		out = append(out, *s.reload)
		s.reload = nil
	}
	return out
}

func (s *Subscription) setSnapshot(snap session.Snapshot) {
	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) setReload(ev Event) {
	s.mu.Lock()
	s.reload = &ev
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PublishSnapshot is meant to be passed to Reconciler.Subscribe.
func (e *Events) PublishSnapshot(snap session.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = &snap
	for _, c := range e.clients {
		c.setSnapshot(snap)
	}
}

func (e *Events) ForceReload(reason string) {
	e.logger.Warn("forcing client reload", zap.String("reason", reason))
	ev := Event{Name: eventReload, Data: map[string]string{"reason": reason}}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clients {
		c.setReload(ev)
	}
}

// Subscribe registers a client and seeds it with the current snapshot, read
// after registration so no publish can fall between the two. current may be
// nil, in which case the last published snapshot is used.
func (e *Events) Subscribe(current func() session.Snapshot) (*Subscription, func()) {
	sub := &Subscription{wake: make(chan struct{}, 1)}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.clients[id] = sub
	switch {
	case current != nil:
		sub.setSnapshot(current())
	case e.last != nil:
		sub.setSnapshot(*e.last)
	}
	e.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.clients, id)
			e.mu.Unlock()
		})
	}
}

// serve streams events to w until the request ends. The current snapshot is
// sent first so a client never renders from nothing.
func (e *Events) serve(w http.ResponseWriter, r *http.Request, current func() session.Snapshot) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}
	sub, cancel := e.Subscribe(current)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case <-sub.Ready():
			for _, ev := range sub.Drain() {
				if err := writeEvent(w, ev); err != nil {
					e.logger.Debug("event stream closed", zap.Error(err))
					return
				}
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
