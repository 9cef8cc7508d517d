// Package broadcast fans change notifications out to connected display
// sessions. Delivery is best effort and at most once: nothing is queued
// for absent sessions and a session whose write fails is dropped.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"roomcal/internal/clock"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
)

// Sink receives messages for one session. Send must not block; an error
// means the session is gone.
type Sink interface {
	Send(model.Message) error
}

// Broadcaster is the process-local session registry.
type Broadcaster struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]Sink
}

func New(c clock.Clock) *Broadcaster {
	if c == nil {
		c = clock.Real()
	}
	return &Broadcaster{clock: c, sessions: make(map[string]Sink)}
}

// Register adds a session and returns its id.
func (b *Broadcaster) Register(s Sink) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = s
	n := len(b.sessions)
	b.mu.Unlock()

	appLog.Debug("broadcast: session registered", "session_id", id, "sessions", n)
	return id
}

// Unregister removes a session. It reports whether the session existed.
func (b *Broadcaster) Unregister(id string) bool {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	n := len(b.sessions)
	b.mu.Unlock()

	if ok {
		appLog.Debug("broadcast: session unregistered", "session_id", id, "sessions", n)
	}
	return ok
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Broadcast stamps a notification with the current time and delivers it to
// every registered session. It returns the number of successful writes.
func (b *Broadcaster) Broadcast(kind model.ChangeKind, eventID, roomID, tenantID string) int {
	return b.Deliver(model.ChangeNotification{
		Kind:      kind,
		EventID:   eventID,
		RoomID:    roomID,
		TenantID:  tenantID,
		EmittedAt: b.clock.Now(),
	})
}

// Notify is the booking service's entry point. It delivers n through
// Broadcast unless n already carries a timestamp (relayed notifications
// keep the origin's). It never fails; the error is there so Broadcaster
// and Relay share one signature.
func (b *Broadcaster) Notify(_ context.Context, n model.ChangeNotification) error {
	if n.EmittedAt.IsZero() {
		b.Broadcast(n.Kind, n.EventID, n.RoomID, n.TenantID)
		return nil
	}
	b.Deliver(n)
	return nil
}

// Deliver writes n to every session registered when the call starts.
// Writes happen outside the lock so a slow sink cannot stall Register.
// Sessions that fail are removed before Deliver returns.
func (b *Broadcaster) Deliver(n model.ChangeNotification) int {
	type session struct {
		id   string
		sink Sink
	}

	b.mu.Lock()
	snapshot := make([]session, 0, len(b.sessions))
	for id, s := range b.sessions {
		snapshot = append(snapshot, session{id, s})
	}
	b.mu.Unlock()

	msg := n.Message()
	var failed []string
	for _, s := range snapshot {
		if err := s.sink.Send(msg); err != nil {
			appLog.Debug("broadcast: dropping session after failed write",
				"session_id", s.id, "err", err)
			failed = append(failed, s.id)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.sessions, id)
		}
		b.mu.Unlock()
	}

	delivered := len(snapshot) - len(failed)
	appLog.Debug("broadcast: notification delivered",
		"type", msg.Type,
		"event_id", n.EventID,
		"room_id", n.RoomID,
		"delivered", delivered,
		"dropped", len(failed),
	)
	return delivered
}
