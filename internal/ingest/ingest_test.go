package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/contacts"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/provider"
)

const (
	testToken = "secret-auth-token"
	testURL   = "https://example.com/api/webhooks/provider"
)

type fakeStore struct {
	team     *db.Team
	contacts map[string]*db.Contact
	messages []*db.Message
	events   []string

	createMessageErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		team:     &db.Team{ID: uuid.New(), Name: "Demo Team"},
		contacts: make(map[string]*db.Contact),
	}
}

func (f *fakeStore) GetOrCreateTeam(ctx context.Context, name string) (*db.Team, error) {
	return f.team, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg *db.Message) error {
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, teamID uuid.UUID, eventType string, payload any) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeStore) UpsertContact(ctx context.Context, teamID uuid.UUID, phone string) (*db.Contact, error) {
	if c, ok := f.contacts[phone]; ok {
		return c, nil
	}
	c := &db.Contact{ID: uuid.New(), TeamID: teamID, Phone: phone}
	f.contacts[phone] = c
	return c, nil
}

func (f *fakeStore) GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error) {
	for _, c := range f.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, db.ErrNotFound
}

type fakeCredentials struct {
	token string
	err   error
}

func (f *fakeCredentials) Resolve(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &db.Credentials{TeamID: teamID, AccountSID: "AC1", AuthToken: f.token}, nil
}

type fakeDeduper struct {
	seen      map[string]bool
	err       error
	forgotten []string
}

func (f *fakeDeduper) FirstDelivery(ctx context.Context, teamID uuid.UUID, externalID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[externalID] {
		return false, nil
	}
	f.seen[externalID] = true
	return true, nil
}

func (f *fakeDeduper) Forget(ctx context.Context, teamID uuid.UUID, externalID string) error {
	delete(f.seen, externalID)
	f.forgotten = append(f.forgotten, externalID)
	return nil
}

// sign replicates the provider's documented signature scheme.
func sign(rawURL string, form url.Values, token string) http.Header {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(rawURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}

	h := http.Header{}
	h.Set(provider.SignatureHeader, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return h
}

func inboundForm(sid, from, body string) url.Values {
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("From", from)
	form.Set("To", "+15559876543")
	form.Set("Body", body)
	return form
}

func newIngestor(store *fakeStore, deduper Deduper) *Ingestor {
	logger := zap.NewNop()
	return New(
		store,
		contacts.NewResolver(store, logger),
		provider.NewVerifier(logger, false),
		&fakeCredentials{token: testToken},
		deduper,
		"Demo Team",
		logger,
	)
}

func TestIngestPersistsInboundMessage(t *testing.T) {
	store := newFakeStore()
	ing := newIngestor(store, nil)

	form := inboundForm("SM1", "+15551234567", "hello")
	msg, err := ing.Ingest(context.Background(), testURL, sign(testURL, form, testToken), form)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if msg.Direction != db.DirectionInbound {
		t.Errorf("expected INBOUND, got %s", msg.Direction)
	}
	if msg.Status != db.MessageStatusDelivered {
		t.Errorf("inbound messages are DELIVERED at creation, got %s", msg.Status)
	}
	if msg.ExternalID == nil || *msg.ExternalID != "SM1" {
		t.Errorf("external id not recorded: %v", msg.ExternalID)
	}
	if msg.Body == nil || *msg.Body != "hello" {
		t.Errorf("body not carried: %v", msg.Body)
	}

	if len(store.messages) != 1 {
		t.Fatalf("expected one persisted message, got %d", len(store.messages))
	}
	if len(store.events) != 1 || store.events[0] != db.EventMessageInbound {
		t.Errorf("expected one inbound event, got %v", store.events)
	}
	if _, ok := store.contacts["+15551234567"]; !ok {
		t.Error("contact not created for new sender")
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	ing := newIngestor(store, nil)

	form := inboundForm("SM1", "+15551234567", "hello")
	header := sign(testURL, form, "wrong-token")

	_, err := ing.Ingest(context.Background(), testURL, header, form)
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	if len(store.messages) != 0 || len(store.contacts) != 0 || len(store.events) != 0 {
		t.Error("a rejected webhook must persist nothing")
	}
}

func TestIngestRejectsWhenCredentialsMissing(t *testing.T) {
	store := newFakeStore()
	logger := zap.NewNop()
	ing := New(
		store,
		contacts.NewResolver(store, logger),
		provider.NewVerifier(logger, false),
		&fakeCredentials{err: &provider.ConfigurationError{Reason: "no credentials"}},
		nil,
		"Demo Team",
		logger,
	)

	form := inboundForm("SM1", "+15551234567", "hello")
	_, err := ing.Ingest(context.Background(), testURL, sign(testURL, form, testToken), form)
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("unverifiable webhooks must be rejected, got %v", err)
	}
}

func TestIngestStripsWhatsAppPrefixFromContact(t *testing.T) {
	store := newFakeStore()
	ing := newIngestor(store, nil)

	form := inboundForm("SM2", "whatsapp:+15551234567", "hola")
	msg, err := ing.Ingest(context.Background(), testURL, sign(testURL, form, testToken), form)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if msg.Channel != db.ChannelWhatsApp {
		t.Errorf("expected WHATSAPP channel, got %s", msg.Channel)
	}
	if _, ok := store.contacts["+15551234567"]; !ok {
		t.Errorf("contact must be keyed on the bare address, got %v", keysOf(store.contacts))
	}
}

func TestIngestDropsDuplicateDelivery(t *testing.T) {
	store := newFakeStore()
	deduper := &fakeDeduper{}
	ing := newIngestor(store, deduper)

	form := inboundForm("SM3", "+15551234567", "hello")
	header := sign(testURL, form, testToken)

	if _, err := ing.Ingest(context.Background(), testURL, header, form); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	_, err := ing.Ingest(context.Background(), testURL, header, form)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if len(store.messages) != 1 {
		t.Errorf("duplicate delivery must not persist a second row, got %d", len(store.messages))
	}
}

func TestIngestContinuesWhenDedupeUnavailable(t *testing.T) {
	store := newFakeStore()
	deduper := &fakeDeduper{err: errors.New("connection refused")}
	ing := newIngestor(store, deduper)

	form := inboundForm("SM4", "+15551234567", "hello")
	if _, err := ing.Ingest(context.Background(), testURL, sign(testURL, form, testToken), form); err != nil {
		t.Fatalf("dedupe outage must not block ingestion: %v", err)
	}
	if len(store.messages) != 1 {
		t.Error("message not persisted during dedupe outage")
	}
}

func TestIngestReleasesDedupeOnPersistFailure(t *testing.T) {
	store := newFakeStore()
	store.createMessageErr = errors.New("disk full")
	deduper := &fakeDeduper{}
	ing := newIngestor(store, deduper)

	form := inboundForm("SM5", "+15551234567", "hello")
	if _, err := ing.Ingest(context.Background(), testURL, sign(testURL, form, testToken), form); err == nil {
		t.Fatal("expected persistence error")
	}

	if len(deduper.forgotten) != 1 || deduper.forgotten[0] != "SM5" {
		t.Errorf("dedupe reservation must be released so the retry can land: %v", deduper.forgotten)
	}
}

func keysOf(m map[string]*db.Contact) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
