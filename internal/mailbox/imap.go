package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"crm-mail-ingest-go/internal/config"
)

// IMAPTransport holds a persistent IMAP session: TLS dial, login, folder
// select, an initial sweep of unread messages inside the trailing window,
// then IDLE for new-message notifications. The folder is selected
// read-only and bodies are fetched with BODY.PEEK, so messages are never
// marked read and other mail clients are unaffected.
type IMAPTransport struct {
	cfg config.MailboxConfig

	client  *client.Client
	events  chan Event
	fetched map[uint32]struct{} // UIDs already delivered this session

	stop      chan struct{}
	closeOnce sync.Once
}

func NewIMAPTransport(cfg config.MailboxConfig) *IMAPTransport {
	return &IMAPTransport{
		cfg:     cfg,
		events:  make(chan Event, 64),
		fetched: make(map[uint32]struct{}),
		stop:    make(chan struct{}),
	}
}

// Connect dials the server, authenticates, selects the configured folder,
// and starts event delivery. A returned error means the session never came
// up; the caller decides whether to retry.
func (t *IMAPTransport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	c, err := client.DialTLS(addr, &tls.Config{ServerName: t.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(t.cfg.Username, t.cfg.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	// Read-only select: this worker must not change message flags.
	if _, err := c.Select(t.cfg.Folder, true); err != nil {
		c.Logout()
		return fmt.Errorf("failed to select folder %s: %w", t.cfg.Folder, err)
	}

	t.client = c
	logrus.Infof("IMAP session established: %s folder=%s", addr, t.cfg.Folder)

	t.emit(Event{Type: EventConnected})
	go t.run(ctx)
	return nil
}

// Events returns the event stream. Closed when the session ends.
func (t *IMAPTransport) Events() <-chan Event {
	return t.events
}

// Close tears the session down. Idempotent.
func (t *IMAPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.client != nil {
			t.client.Logout()
		}
	})
	return nil
}

func (t *IMAPTransport) run(ctx context.Context) {
	defer close(t.events)

	// Initial sweep picks up unread messages delivered while disconnected.
	if err := t.sweep(); err != nil {
		t.emit(Event{Type: EventError, Err: fmt.Errorf("initial sweep failed: %w", err)})
		return
	}

	updates := make(chan client.Update, 16)
	t.client.Updates = updates

	for {
		stopIdle := make(chan struct{})
		doneIdle := make(chan error, 1)
		go func() { doneIdle <- t.client.Idle(stopIdle, nil) }()

		select {
		case <-ctx.Done():
			close(stopIdle)
			<-doneIdle
			t.client.Logout()
			t.emit(Event{Type: EventDisconnected})
			return

		case <-t.stop:
			close(stopIdle)
			<-doneIdle
			t.emit(Event{Type: EventDisconnected})
			return

		case <-t.client.LoggedOut():
			close(stopIdle)
			<-doneIdle
			select {
			case <-t.stop:
				// Deliberate close, not a transport failure.
				t.emit(Event{Type: EventDisconnected})
			default:
				t.emit(Event{Type: EventError, Err: fmt.Errorf("server closed the connection")})
			}
			return

		case update := <-updates:
			close(stopIdle)
			<-doneIdle
			if _, ok := update.(*client.MailboxUpdate); ok {
				if err := t.sweep(); err != nil {
					t.emit(Event{Type: EventError, Err: fmt.Errorf("sweep after mailbox update failed: %w", err)})
					return
				}
			}

		case err := <-doneIdle:
			// IDLE ended on its own: the connection is gone.
			if err == nil {
				err = fmt.Errorf("idle terminated unexpectedly")
			}
			t.emit(Event{Type: EventError, Err: err})
			return
		}
	}
}

// sweep searches for unread messages within the trailing window and emits
// any not yet delivered in this session
func (t *IMAPTransport) sweep() error {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = time.Now().AddDate(0, 0, -t.cfg.WindowDays)

	uids, err := t.client.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}

	var pending []uint32
	for _, uid := range uids {
		if _, ok := t.fetched[uid]; !ok {
			pending = append(pending, uid)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	logrus.Debugf("Fetching %d unread messages", len(pending))

	seqset := new(imap.SeqSet)
	seqset.AddNum(pending...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(pending))
	done := make(chan error, 1)
	go func() { done <- t.client.UidFetch(seqset, items, messages) }()

	for msg := range messages {
		t.fetched[msg.Uid] = struct{}{}
		if !t.emit(Event{Type: EventMessage, Message: t.buildMessage(msg, section)}) {
			for range messages {
			}
			break
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	return nil
}

// buildMessage converts a fetched IMAP message into the transport shape.
// Body parse failures are logged and leave the envelope data intact.
func (t *IMAPTransport) buildMessage(msg *imap.Message, section *imap.BodySectionName) *Message {
	m := &Message{
		DeliveredAt: msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		m.MessageID = env.MessageId
		m.Subject = env.Subject
		m.From = env.From
		m.To = env.To
		m.SentAt = env.Date
		if env.InReplyTo != "" {
			m.InReplyTo = env.InReplyTo
		}
	}

	if r := msg.GetBody(section); r != nil {
		if err := parseBody(r, m); err != nil {
			logrus.Warnf("Failed to parse body of message %s: %v", m.MessageID, err)
		}
	}

	return m
}

// emit delivers an event unless the transport is being closed
func (t *IMAPTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.stop:
		return false
	}
}
