package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"crm-mail-ingest-go/internal/config"
)

// GmailTransport implements Transport over the Gmail API. The API has no
// push channel here, so new mail is discovered by polling the unread query
// on a fixed interval; everything downstream sees the same event stream as
// the IMAP transport.
type GmailTransport struct {
	cfg      config.MailboxConfig
	gmailCfg config.GmailConfig

	service   *gmail.Service
	events    chan Event
	lastCheck time.Time
	delivered map[string]struct{} // Gmail message ids delivered this session

	stop      chan struct{}
	closeOnce sync.Once
}

func NewGmailTransport(cfg config.MailboxConfig, gmailCfg config.GmailConfig) *GmailTransport {
	return &GmailTransport{
		cfg:       cfg,
		gmailCfg:  gmailCfg,
		events:    make(chan Event, 64),
		delivered: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Connect builds the Gmail service from the refresh token and verifies the
// credentials with a profile call before starting the poll loop
func (t *GmailTransport) Connect(ctx context.Context) error {
	oauth2Config := &oauth2.Config{
		ClientID:     t.gmailCfg.ClientID,
		ClientSecret: t.gmailCfg.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{RefreshToken: t.gmailCfg.RefreshToken}
	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return fmt.Errorf("failed to create Gmail service: %w", err)
	}

	if _, err := service.Users.GetProfile(t.gmailCfg.UserEmail).Do(); err != nil {
		return fmt.Errorf("failed to verify Gmail credentials: %w", err)
	}

	t.service = service
	t.lastCheck = time.Now().AddDate(0, 0, -t.cfg.WindowDays)
	logrus.Infof("Gmail session established for %s", t.gmailCfg.UserEmail)

	t.emit(Event{Type: EventConnected})
	go t.run(ctx)
	return nil
}

// Events returns the event stream. Closed when the session ends.
func (t *GmailTransport) Events() <-chan Event {
	return t.events
}

// Close stops the poll loop. Idempotent.
func (t *GmailTransport) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *GmailTransport) run(ctx context.Context) {
	defer close(t.events)

	if err := t.poll(); err != nil {
		t.emit(Event{Type: EventError, Err: err})
		return
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.emit(Event{Type: EventDisconnected})
			return
		case <-t.stop:
			t.emit(Event{Type: EventDisconnected})
			return
		case <-ticker.C:
			if err := t.poll(); err != nil {
				t.emit(Event{Type: EventError, Err: err})
				return
			}
		}
	}
}

// poll lists unread messages since the last check and emits the new ones
func (t *GmailTransport) poll() error {
	query := fmt.Sprintf("is:unread after:%d", t.lastCheck.Unix())

	response, err := t.service.Users.Messages.List(t.gmailCfg.UserEmail).Q(query).Do()
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	for _, ref := range response.Messages {
		if _, ok := t.delivered[ref.Id]; ok {
			continue
		}

		full, err := t.service.Users.Messages.Get(t.gmailCfg.UserEmail, ref.Id).Format("full").Do()
		if err != nil {
			logrus.Warnf("Failed to get message %s: %v", ref.Id, err)
			continue
		}

		t.delivered[ref.Id] = struct{}{}
		if !t.emit(Event{Type: EventMessage, Message: t.buildMessage(full)}) {
			return nil
		}
	}

	t.lastCheck = time.Now().Add(-time.Hour) // overlap guards against clock skew
	return nil
}

// buildMessage converts a Gmail API message into the transport shape
func (t *GmailTransport) buildMessage(msg *gmail.Message) *Message {
	m := &Message{
		DeliveredAt: time.UnixMilli(msg.InternalDate),
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Message-ID", "Message-Id":
				m.MessageID = header.Value
			case "Subject":
				m.Subject = header.Value
			case "From":
				m.From = header.Value
			case "To":
				m.To = strings.Split(header.Value, ",")
			case "In-Reply-To":
				m.InReplyTo = header.Value
			case "References":
				m.References = strings.Fields(header.Value)
			case "Date":
				if sent, err := time.Parse(time.RFC1123Z, header.Value); err == nil {
					m.SentAt = sent
				}
			}
		}
		t.walkParts(msg.Payload, m)
	}

	return m
}

// walkParts recursively extracts bodies and attachment metadata
func (t *GmailTransport) walkParts(part *gmail.MessagePart, m *Message) {
	if part.Filename != "" {
		var size int64
		if part.Body != nil {
			size = part.Body.Size
		}
		m.Attachments = append(m.Attachments, Attachment{
			Name:        part.Filename,
			ContentType: part.MimeType,
			Size:        size,
		})
	} else if part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/plain":
				if m.TextBody == "" {
					m.TextBody = string(data)
				}
			case "text/html":
				if m.HTMLBody == "" {
					m.HTMLBody = string(data)
				}
			}
		}
	}

	for _, sub := range part.Parts {
		t.walkParts(sub, m)
	}
}

// emit delivers an event unless the transport is being closed
func (t *GmailTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.stop:
		return false
	}
}
