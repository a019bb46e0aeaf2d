package ingest

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"crm-mail-ingest-go/internal/dedup"
	"crm-mail-ingest-go/internal/directory"
	"crm-mail-ingest-go/internal/mailbox"
	"crm-mail-ingest-go/internal/metrics"
	"crm-mail-ingest-go/internal/model"
)

// Shared across the package's tests: promauto registers globally, so the
// metrics can only be constructed once per test binary.
var testMetrics = metrics.NewMetrics()

type touch struct {
	userID  uint
	at      time.Time
	preview string
}

// fakeStore implements repository.Store with in-memory state. The mutex
// matters only for listener tests, where the event loop goroutine writes
// while the test polls.
type fakeStore struct {
	mu         sync.Mutex
	addresses  []string
	users      map[string]*model.User
	staff      map[string]*model.User
	firstStaff *model.User

	records    []*model.EmailRecord
	activities []*model.Activity
	created    []*model.User
	touches    []touch

	createRecordErr error
	activityErr     error
	nextID          uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*model.User),
		staff:  make(map[string]*model.User),
		nextID: 100,
	}
}

func (f *fakeStore) ListUserAddresses() ([]string, error) { return f.addresses, nil }

func (f *fakeStore) FindUserByEmail(email string) (*model.User, error) {
	return f.users[email], nil
}

func (f *fakeStore) FindStaffOrAdminByEmail(email string) (*model.User, error) {
	return f.staff[email], nil
}

func (f *fakeStore) FirstStaffOrAdmin() (*model.User, error) { return f.firstStaff, nil }

func (f *fakeStore) CreateUser(user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	user.ID = f.nextID
	f.created = append(f.created, user)
	f.users[user.Email] = user
	return nil
}

func (f *fakeStore) CreateEmailRecord(record *model.EmailRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRecordErr != nil {
		return f.createRecordErr
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) TouchLastCommunication(userID uint, at time.Time, preview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, touch{userID: userID, at: at, preview: preview})
	return nil
}

func (f *fakeStore) RecordActivity(activity *model.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activityErr != nil {
		return f.activityErr
	}
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeStore) CountEmailRecords() (int64, error) {
	return int64(f.recordCount()), nil
}

func (f *fakeStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newTestPipeline(t *testing.T, store *fakeStore) (*Pipeline, *dedup.Guard) {
	t.Helper()
	cache := directory.NewCache(store)
	_, err := cache.Refresh()
	require.NoError(t, err)
	guard := dedup.NewGuard(100)
	return NewPipeline(store, cache, guard, testMetrics, "fallback@co.com"), guard
}

func TestPipelineIngestsTrackedSender(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, guard := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "abc123",
		Subject:   "Hi",
		From:      "Alice <alice@co.com>",
		To:        "ops@co.com",
		TextBody:  "Hello there",
	})

	require.Len(t, store.records, 1)
	record := store.records[0]
	assert.Equal(t, uint(1), record.SenderID)
	assert.Equal(t, uint(2), record.RecipientID)
	assert.Equal(t, "Hi", record.Subject)
	assert.Equal(t, model.DirectionInbound, record.Direction)
	assert.Equal(t, model.StatusDelivered, record.Status)
	assert.False(t, record.DeliveredAt.IsZero())
	assert.False(t, record.SentAt.IsZero())

	require.Len(t, store.activities, 1)
	activity := store.activities[0]
	assert.Equal(t, model.ActivityEmailReceived, activity.Type)
	assert.Equal(t, uint(1), activity.UserID)
	assert.Equal(t, "abc123", activity.Metadata["message_id"])
	assert.Equal(t, 0, activity.Metadata["attachment_count"])

	require.Len(t, store.touches, 1)
	assert.Equal(t, uint(1), store.touches[0].userID)
	assert.Equal(t, "Hi", store.touches[0].preview)

	assert.True(t, guard.Seen("abc123"))
}

func TestPipelineRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, _ := newTestPipeline(t, store)

	msg := &mailbox.Message{
		MessageID: "abc123",
		Subject:   "Hi",
		From:      "Alice <alice@co.com>",
		To:        "ops@co.com",
	}
	pipeline.Process(msg)
	pipeline.Process(msg)

	assert.Len(t, store.records, 1, "redelivery must not create a second record")
	assert.Len(t, store.activities, 1)
}

func TestPipelineIgnoresUntrackedSender(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}

	pipeline, guard := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "spam-1",
		From:      "spam@unknown.com",
		To:        "ops@co.com",
		Subject:   "Buy now",
	})

	assert.Empty(t, store.records)
	assert.Empty(t, store.activities)
	assert.False(t, guard.Seen("spam-1"), "dedup must stay untouched for discarded messages")
}

func TestPipelineDiscardsUnresolvableSender(t *testing.T) {
	store := newFakeStore()
	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{MessageID: "m1", Subject: "Hi"})

	assert.Empty(t, store.records)
	assert.Empty(t, store.activities)
}

func TestPipelineDiscardsWhenCacheAndStoreDisagree(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"ghost@co.com"} // cached but no account row

	pipeline, guard := newTestPipeline(t, store)

	msg := &mailbox.Message{
		MessageID: "m2",
		From:      "ghost@co.com",
		To:        "ops@co.com",
	}
	pipeline.Process(msg)

	assert.Empty(t, store.records)
	assert.False(t, guard.Seen("m2"), "discarded messages must not be marked processed")

	// The account shows up and the mail server redelivers.
	store.users["ghost@co.com"] = &model.User{ID: 3, Email: "ghost@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}
	pipeline.Process(msg)

	assert.Len(t, store.records, 1, "redelivery after the store heals must ingest")
	assert.True(t, guard.Seen("m2"))
}

func TestPipelineDiscardsWhenRecipientUnresolvable(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, guard := newTestPipeline(t, store)

	msg := &mailbox.Message{
		MessageID: "m2b",
		From:      "alice@co.com",
		Subject:   "Hi",
	}
	pipeline.Process(msg)

	assert.Empty(t, store.records)
	assert.False(t, guard.Seen("m2b"), "discarded messages must not be marked processed")

	msg.To = "ops@co.com"
	pipeline.Process(msg)

	assert.Len(t, store.records, 1)
	assert.True(t, guard.Seen("m2b"))
}

func TestPipelineFallsBackToExistingStaff(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.firstStaff = &model.User{ID: 9, Email: "admin@co.com", Role: model.RoleAdmin}

	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "m3",
		From:      "alice@co.com",
		To:        "nobody@co.com", // resolves but matches no staff account
		Subject:   "Hi",
	})

	require.Len(t, store.records, 1)
	assert.Equal(t, uint(9), store.records[0].RecipientID)
	assert.Empty(t, store.created, "no account should be provisioned when staff exists")
}

func TestPipelineProvisionsFallbackAdmin(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}

	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "m4",
		From:      "alice@co.com",
		To:        "nobody@co.com",
		Subject:   "Hi",
	})

	require.Len(t, store.created, 1)
	fallback := store.created[0]
	assert.Equal(t, "fallback@co.com", fallback.Email)
	assert.Equal(t, model.RoleAdmin, fallback.Role)
	assert.True(t, fallback.MustChangePassword)
	assert.NotEmpty(t, fallback.PasswordHash)
	// The stored credential must be a hash, never a usable plaintext.
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(fallback.PasswordHash), []byte("")))

	require.Len(t, store.records, 1)
	assert.Equal(t, fallback.ID, store.records[0].RecipientID)

	// Provisioning plus the ingested message itself.
	require.Len(t, store.activities, 2)
	assert.Equal(t, model.ActivityAccountProvisioned, store.activities[0].Type)
}

func TestPipelineNormalization(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID:  "m5",
		From:       "alice@co.com",
		To:         []string{"ops@co.com", "other@co.com"},
		InReplyTo:  []string{"<parent@co.com>", "<older@co.com>"},
		References: []string{"<root@co.com>", "<parent@co.com>"},
		Attachments: []mailbox.Attachment{
			{Name: "report.pdf", ContentType: "", Size: 1234},
			{Name: "", ContentType: "image/png", Size: 99}, // nameless, dropped
		},
	})

	require.Len(t, store.records, 1)
	record := store.records[0]

	assert.Equal(t, "<parent@co.com>", record.InReplyTo, "list in-reply-to collapses to first element")
	assert.Equal(t, "<root@co.com> <parent@co.com>", record.References, "references collapse to space-joined string")

	require.Len(t, record.Attachments, 1)
	assert.Equal(t, "report.pdf", record.Attachments[0].Name)
	assert.Equal(t, "application/octet-stream", record.Attachments[0].ContentType)
	assert.Equal(t, int64(1234), record.Attachments[0].Size)

	assert.Equal(t, bodyPlaceholder, record.TextBody, "absent bodies fall back to a placeholder")
	assert.Equal(t, bodyPlaceholder, record.HTMLBody)
}

func TestPipelineBodyFallback(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "m6",
		From:      "alice@co.com",
		To:        "ops@co.com",
		HTMLBody:  "<p>hello</p>",
	})

	require.Len(t, store.records, 1)
	assert.Equal(t, "<p>hello</p>", store.records[0].TextBody)
	assert.Equal(t, "<p>hello</p>", store.records[0].HTMLBody)
}

func TestPipelinePreviewTruncatesOnRunes(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, _ := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "m6b",
		From:      "alice@co.com",
		To:        "ops@co.com",
		TextBody:  strings.Repeat("é", 130),
	})

	require.Len(t, store.touches, 1)
	preview := store.touches[0].preview
	assert.True(t, utf8.ValidString(preview), "truncation must not split a rune")
	assert.Equal(t, strings.Repeat("é", 120), preview)
}

func TestPipelinePersistFailureAllowsRetry(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}
	store.createRecordErr = fmt.Errorf("store unavailable")

	pipeline, guard := newTestPipeline(t, store)

	msg := &mailbox.Message{
		MessageID: "m7",
		From:      "alice@co.com",
		To:        "ops@co.com",
	}
	pipeline.Process(msg)

	assert.Empty(t, store.records)
	assert.False(t, guard.Seen("m7"), "failed messages must not be marked processed")

	// The store recovers and the mail server redelivers.
	store.createRecordErr = nil
	pipeline.Process(msg)
	assert.Len(t, store.records, 1)
	assert.True(t, guard.Seen("m7"))
}

func TestPipelineActivityFailureDoesNotAbort(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}
	store.activityErr = fmt.Errorf("audit log down")

	pipeline, guard := newTestPipeline(t, store)

	pipeline.Process(&mailbox.Message{
		MessageID: "m8",
		From:      "alice@co.com",
		To:        "ops@co.com",
	})

	assert.Len(t, store.records, 1, "audit failure must not abort ingestion")
	assert.True(t, guard.Seen("m8"))
}

func TestPipelineMessageWithoutIDIsAlwaysProcessed(t *testing.T) {
	store := newFakeStore()
	store.addresses = []string{"alice@co.com"}
	store.users["alice@co.com"] = &model.User{ID: 1, Email: "alice@co.com", Role: model.RoleUser}
	store.staff["ops@co.com"] = &model.User{ID: 2, Email: "ops@co.com", Role: model.RoleStaff}

	pipeline, _ := newTestPipeline(t, store)

	msg := &mailbox.Message{
		From: "alice@co.com",
		To:   "ops@co.com",
	}
	pipeline.Process(msg)
	pipeline.Process(msg)

	assert.Len(t, store.records, 2, "messages without an id are never deduplicated")
}
