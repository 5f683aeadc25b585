package notify

import (
	"fmt"
	"time"
)

// EventType identifies the kind of server event a notification describes.
type EventType uint8

const (
	// EventNewFile signals that a new file was uploaded.
	EventNewFile EventType = iota
	// EventFileUpdated signals that an existing file was modified or renamed.
	EventFileUpdated
	// EventFileDeleted signals that a file was removed.
	EventFileDeleted
	// EventServerMessage carries a general announcement from the server.
	EventServerMessage
	// EventClientConnected signals that a client joined.
	EventClientConnected
	// EventClientDisconnected signals that a client left.
	EventClientDisconnected
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventNewFile:
		return "NEW_FILE"
	case EventFileUpdated:
		return "FILE_UPDATED"
	case EventFileDeleted:
		return "FILE_DELETED"
	case EventServerMessage:
		return "SERVER_MESSAGE"
	case EventClientConnected:
		return "CLIENT_CONNECTED"
	case EventClientDisconnected:
		return "CLIENT_DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Message is a single notification. It is immutable once constructed:
// enqueued once, fanned out to every registered client, then discarded.
type Message struct {
	Type      EventType
	Message   string
	Details   string
	Timestamp time.Time
}

// NewMessage constructs a notification stamped with the current time.
func NewMessage(t EventType, message, details string) *Message {
	return &Message{
		Type:      t,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// Frame returns the newline-terminated TCP wire form of the notification.
func (m *Message) Frame() []byte {
	return []byte(fmt.Sprintf("NOTIFICATION:[%s]%s|%s\n", m.Type, m.Message, m.Details))
}

// Datagram returns the UDP broadcast form of the notification.
func (m *Message) Datagram() []byte {
	return []byte(fmt.Sprintf("[%s] %s | %s", m.Type, m.Message, m.Details))
}
