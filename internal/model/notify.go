package model

import (
	"strings"
	"time"
)

type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

const messageTypePrefix = "event_"

// ChangeNotification tells listeners that an event was modified. It
// carries identifiers only; receivers re-fetch what they need.
type ChangeNotification struct {
	Kind      ChangeKind `json:"-"`
	EventID   string     `json:"id"`
	RoomID    string     `json:"room_id"`
	TenantID  string     `json:"tenant_id"`
	EmittedAt time.Time  `json:"-"`
}

// Message is the JSON envelope written to every stream client:
// {"type":"event_created","data":{...},"timestamp":"..."}.
type Message struct {
	Type      string             `json:"type"`
	Data      ChangeNotification `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

func (n ChangeNotification) Message() Message {
	return Message{
		Type:      messageTypePrefix + string(n.Kind),
		Data:      n,
		Timestamp: n.EmittedAt.UTC(),
	}
}

// Notification restores the change kind and timestamp from the envelope.
// ok is false for message types that are not event changes.
func (m Message) Notification() (ChangeNotification, bool) {
	kind, ok := ParseMessageType(m.Type)
	if !ok {
		return ChangeNotification{}, false
	}
	n := m.Data
	n.Kind = kind
	n.EmittedAt = m.Timestamp
	return n, true
}

func ParseMessageType(t string) (ChangeKind, bool) {
	rest, found := strings.CutPrefix(t, messageTypePrefix)
	if !found {
		return "", false
	}
	switch k := ChangeKind(rest); k {
	case Created, Updated, Deleted:
		return k, true
	}
	return "", false
}
