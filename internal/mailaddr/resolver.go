// Package mailaddr canonicalizes raw email address fields into the
// lowercase form used for directory membership checks and store lookups.
package mailaddr

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/emersion/go-imap"
)

// ErrAddressMissing is returned when a field carries no usable address.
// Callers skip the message instead of treating this as a failure.
var ErrAddressMissing = errors.New("no address in field")

// Resolve extracts the canonical lowercase, trimmed email address from a
// raw address field. Supported shapes: a plain string, a display-name
// string ("Jane <jane@example.com>"), an *imap.Address, or a slice of
// either. For list-valued fields the first entry is authoritative.
// Anything else degrades to ErrAddressMissing.
func Resolve(field any) (string, error) {
	switch v := field.(type) {
	case nil:
		return "", ErrAddressMissing
	case string:
		return fromString(v)
	case []string:
		if len(v) == 0 {
			return "", ErrAddressMissing
		}
		return fromString(v[0])
	case *imap.Address:
		return fromIMAPAddress(v)
	case []*imap.Address:
		if len(v) == 0 {
			return "", ErrAddressMissing
		}
		return fromIMAPAddress(v[0])
	default:
		return "", ErrAddressMissing
	}
}

func fromString(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrAddressMissing
	}

	if parsed, err := mail.ParseAddress(raw); err == nil {
		return canonical(parsed.Address)
	}

	// Fall back to manual bracket extraction for inputs net/mail rejects,
	// e.g. unquoted display names with punctuation.
	if start := strings.LastIndex(raw, "<"); start != -1 {
		if end := strings.Index(raw[start:], ">"); end != -1 {
			return canonical(raw[start+1 : start+end])
		}
	}

	return canonical(raw)
}

func fromIMAPAddress(addr *imap.Address) (string, error) {
	if addr == nil {
		return "", ErrAddressMissing
	}
	if addr.MailboxName == "" || addr.HostName == "" {
		return "", ErrAddressMissing
	}
	return canonical(addr.Address())
}

func canonical(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return "", ErrAddressMissing
	}
	return addr, nil
}
