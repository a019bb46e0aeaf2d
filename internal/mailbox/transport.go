// Package mailbox owns the persistent connection to the mail server and
// surfaces mailbox traffic as a stream of events.
package mailbox

import (
	"context"
	"time"
)

// EventType identifies what a transport event carries
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessage
	EventError
)

// Event is a single occurrence on the mailbox connection. Message is set
// for EventMessage, Err for EventError.
type Event struct {
	Type    EventType
	Message *Message
	Err     error
}

// Attachment is attachment metadata extracted from a message. Payloads are
// never retained.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
}

// Message is a mail message as delivered by a transport. Address and
// threading fields keep their raw wire shape (string, address object, or
// list); the pipeline canonicalizes them.
type Message struct {
	MessageID   string
	Subject     string
	From        any
	To          any
	InReplyTo   any
	References  any
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	SentAt      time.Time
	DeliveredAt time.Time
}

// Transport is a single-use connection to a mail source. Connect
// establishes the session and starts event delivery; the events channel is
// closed when the session ends, after a final EventError or
// EventDisconnected describing why. Close tears the session down and is
// safe to call at any point after Connect.
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// Factory builds a fresh Transport for each connection attempt
type Factory func() Transport
