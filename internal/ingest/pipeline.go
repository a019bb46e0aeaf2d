package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"crm-mail-ingest-go/internal/dedup"
	"crm-mail-ingest-go/internal/directory"
	"crm-mail-ingest-go/internal/mailaddr"
	"crm-mail-ingest-go/internal/mailbox"
	"crm-mail-ingest-go/internal/metrics"
	"crm-mail-ingest-go/internal/model"
	"crm-mail-ingest-go/internal/repository"
)

// Discard reasons reported through metrics
const (
	discardDuplicate        = "duplicate"
	discardNoSender         = "no_sender"
	discardUnknownSender    = "unknown_sender"
	discardSenderNotFound   = "sender_not_found"
	discardNoRecipient      = "no_recipient"
	discardProcessingFailed = "processing_failed"
)

const bodyPlaceholder = "(no content)"

// Pipeline is the per-message decision path: dedup check, sender
// resolution, directory gate, recipient resolution, persistence, audit
// logging, dedup record. Messages are processed one at a time; any
// failure is logged and swallowed so the worker stays live.
type Pipeline struct {
	store         repository.Store
	cache         *directory.Cache
	guard         *dedup.Guard
	metrics       *metrics.Metrics
	fallbackEmail string
}

func NewPipeline(store repository.Store, cache *directory.Cache, guard *dedup.Guard, m *metrics.Metrics, fallbackEmail string) *Pipeline {
	return &Pipeline{
		store:         store,
		cache:         cache,
		guard:         guard,
		metrics:       m,
		fallbackEmail: strings.ToLower(strings.TrimSpace(fallbackEmail)),
	}
}

// Process runs one message through the pipeline
func (p *Pipeline) Process(msg *mailbox.Message) {
	start := time.Now()
	p.metrics.MessagesReceived.Inc()
	defer func() {
		p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}()

	if p.guard.Seen(msg.MessageID) {
		logrus.Debugf("Message %s already processed, skipping", msg.MessageID)
		p.discard(discardDuplicate)
		return
	}

	sender, err := mailaddr.Resolve(msg.From)
	if err != nil {
		// Cannot attribute the message to anyone.
		p.discard(discardNoSender)
		return
	}

	if !p.cache.Contains(sender) {
		// Not a tracked user. This is the primary noise filter, not an
		// error condition.
		logrus.Debugf("Ignoring message from untracked address %s", sender)
		p.discard(discardUnknownSender)
		return
	}

	ingested, err := p.ingest(msg, sender)
	if err != nil {
		logrus.Errorf("Failed to ingest message %s from %s: %v", msg.MessageID, sender, err)
		p.discard(discardProcessingFailed)
		return
	}
	if !ingested {
		// Discarded without persisting. The id stays unrecorded so a
		// redelivery gets another chance once the condition clears.
		return
	}

	p.guard.Record(msg.MessageID)
	p.metrics.MessagesIngested.Inc()
	p.metrics.DedupEntries.Set(float64(p.guard.Len()))
}

// ingest persists the message for an already-authorized sender address.
// Returns false when the message was discarded without creating a record.
func (p *Pipeline) ingest(msg *mailbox.Message, sender string) (bool, error) {
	account, err := p.store.FindUserByEmail(sender)
	if err != nil {
		return false, err
	}
	if account == nil {
		// Cache and store disagree; the next refresh heals this.
		logrus.Warnf("Sender %s is cached but has no account, skipping", sender)
		p.discard(discardSenderNotFound)
		return false, nil
	}

	recipient, err := p.resolveRecipient(msg.To)
	if err != nil {
		return false, err
	}
	if recipient == nil {
		p.discard(discardNoRecipient)
		return false, nil
	}

	now := time.Now()
	record := &model.EmailRecord{
		Subject:     msg.Subject,
		Direction:   model.DirectionInbound,
		Status:      model.StatusDelivered,
		SenderID:    account.ID,
		RecipientID: recipient.ID,
		MessageID:   msg.MessageID,
		InReplyTo:   firstValue(msg.InReplyTo),
		References:  joinedValues(msg.References),
		Attachments: normalizeAttachments(msg.Attachments),
		DeliveredAt: timestampOr(msg.DeliveredAt, now),
		SentAt:      timestampOr(msg.SentAt, now),
	}
	record.TextBody, record.HTMLBody = normalizeBodies(msg.TextBody, msg.HTMLBody)

	if err := p.store.CreateEmailRecord(record); err != nil {
		return false, err
	}

	if err := p.store.TouchLastCommunication(account.ID, record.DeliveredAt, preview(msg)); err != nil {
		logrus.Errorf("Failed to update last communication for user %d: %v", account.ID, err)
	}

	// Audit logging is fire-and-forget: its failure never aborts ingestion.
	if err := p.store.RecordActivity(&model.Activity{
		Type:        model.ActivityEmailReceived,
		Title:       record.Subject,
		Description: fmt.Sprintf("Inbound email from %s", sender),
		UserID:      account.ID,
		ActorID:     account.ID,
		Metadata: map[string]any{
			"message_id":       record.MessageID,
			"subject":          record.Subject,
			"attachment_count": len(record.Attachments),
		},
	}); err != nil {
		logrus.Errorf("Failed to record activity for message %s: %v", record.MessageID, err)
	}

	logrus.Infof("Ingested message %s from %s for recipient %d", record.MessageID, sender, recipient.ID)
	return true, nil
}

// resolveRecipient maps the raw recipient field to a staff or admin
// account, falling back to the designated fallback account. A nil result
// with nil error means the recipient address was unresolvable.
func (p *Pipeline) resolveRecipient(rawTo any) (*model.User, error) {
	address, err := mailaddr.Resolve(rawTo)
	if err != nil {
		return nil, nil
	}

	staff, err := p.cache.FindStaffOrAdmin(address)
	if err != nil {
		return nil, err
	}
	if staff != nil {
		return staff, nil
	}

	return p.fallbackRecipient()
}

// fallbackRecipient finds any existing staff or admin account, or
// provisions the configured fallback admin. Idempotent: an existing
// account always wins over creating a new one.
func (p *Pipeline) fallbackRecipient() (*model.User, error) {
	staff, err := p.store.FirstStaffOrAdmin()
	if err != nil {
		return nil, err
	}
	if staff != nil {
		return staff, nil
	}

	if existing, err := p.store.FindUserByEmail(p.fallbackEmail); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	// Random one-time secret, stored hashed and never logged. The account
	// is unusable until the credential is rotated out of band.
	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash fallback credential: %w", err)
	}

	fallback := &model.User{
		Name:               "Operations",
		Email:              p.fallbackEmail,
		Role:               model.RoleAdmin,
		PasswordHash:       string(hash),
		MustChangePassword: true,
	}
	if err := p.store.CreateUser(fallback); err != nil {
		return nil, err
	}

	logrus.Warnf("Provisioned fallback admin account %s; credential rotation required", p.fallbackEmail)

	if err := p.store.RecordActivity(&model.Activity{
		Type:        model.ActivityAccountProvisioned,
		Title:       "Fallback admin account provisioned",
		Description: fmt.Sprintf("No staff recipient could be resolved; created %s", p.fallbackEmail),
		UserID:      fallback.ID,
		ActorID:     fallback.ID,
	}); err != nil {
		logrus.Errorf("Failed to record provisioning activity: %v", err)
	}

	return fallback, nil
}

func (p *Pipeline) discard(reason string) {
	p.metrics.MessagesDiscarded.WithLabelValues(reason).Inc()
}

// normalizeAttachments keeps only entries with a name and fills defaults
func normalizeAttachments(attachments []mailbox.Attachment) []model.AttachmentMeta {
	var out []model.AttachmentMeta
	for _, a := range attachments {
		if a.Name == "" {
			continue
		}
		meta := model.AttachmentMeta{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		}
		if meta.ContentType == "" {
			meta.ContentType = "application/octet-stream"
		}
		if meta.Size < 0 {
			meta.Size = 0
		}
		out = append(out, meta)
	}
	return out
}

// normalizeBodies makes each body fall back to the other, or to a
// placeholder when both are absent
func normalizeBodies(text, html string) (string, string) {
	if text == "" && html == "" {
		return bodyPlaceholder, bodyPlaceholder
	}
	if text == "" {
		text = html
	}
	if html == "" {
		html = text
	}
	return text, html
}

// firstValue collapses a single-or-list header field to its first value
func firstValue(field any) string {
	switch v := field.(type) {
	case string:
		return strings.TrimSpace(v)
	case []string:
		if len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

// joinedValues collapses a single-or-list header field to one
// space-joined string
func joinedValues(field any) string {
	switch v := field.(type) {
	case string:
		return strings.TrimSpace(v)
	case []string:
		return strings.TrimSpace(strings.Join(v, " "))
	}
	return ""
}

func timestampOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// preview summarizes the message for the sender's last-message field
func preview(msg *mailbox.Message) string {
	if msg.Subject != "" {
		return msg.Subject
	}
	body := strings.TrimSpace(msg.TextBody)
	if body == "" {
		body = strings.TrimSpace(msg.HTMLBody)
	}
	if runes := []rune(body); len(runes) > 120 {
		body = string(runes[:120])
	}
	return body
}
