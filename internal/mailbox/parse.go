package mailbox

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// parseBody walks the MIME structure of a raw message, filling text and
// HTML bodies, attachment metadata, and threading headers
func parseBody(r io.Reader, m *Message) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		// Not parseable as a MIME message; nothing to extract.
		return fmt.Errorf("failed to read message: %w", err)
	}

	if refs := mr.Header.Get("References"); refs != "" {
		m.References = strings.Fields(refs)
	}
	if m.InReplyTo == nil {
		if irt := mr.Header.Get("In-Reply-To"); irt != "" {
			m.InReplyTo = irt
		}
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("failed to read part body: %w", err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && m.TextBody == "":
				m.TextBody = string(content)
			case strings.HasPrefix(contentType, "text/html") && m.HTMLBody == "":
				m.HTMLBody = string(content)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			// Metadata only: measure the payload, never retain it.
			size, _ := io.Copy(io.Discard, p.Body)
			m.Attachments = append(m.Attachments, Attachment{
				Name:        filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	return nil
}
