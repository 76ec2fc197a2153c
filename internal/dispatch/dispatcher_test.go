package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/provider"
)

type fakeStore struct {
	messages map[uuid.UUID]*db.Message
	contacts map[uuid.UUID]*db.Contact
	jobs     map[uuid.UUID]*db.ScheduledJob
	events   []string

	createMessageErr error
	markSentErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[uuid.UUID]*db.Message),
		contacts: make(map[uuid.UUID]*db.Contact),
		jobs:     make(map[uuid.UUID]*db.ScheduledJob),
	}
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg *db.Message) error {
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	stored := *msg
	f.messages[msg.ID] = &stored
	return nil
}

func (f *fakeStore) MarkMessageSent(ctx context.Context, id uuid.UUID, externalID, providerStatus string) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	msg, ok := f.messages[id]
	if !ok || msg.Status != db.MessageStatusPending {
		return db.ErrNotFound
	}
	if providerStatus == "queued" {
		msg.Status = db.MessageStatusPending
	} else {
		msg.Status = db.MessageStatusSent
	}
	msg.ExternalID = &externalID
	return nil
}

func (f *fakeStore) MarkMessageFailed(ctx context.Context, id uuid.UUID) error {
	msg, ok := f.messages[id]
	if !ok || msg.Status != db.MessageStatusPending {
		return db.ErrNotFound
	}
	msg.Status = db.MessageStatusFailed
	return nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *db.ScheduledJob) error {
	stored := *job
	f.jobs[job.ID] = &stored
	return nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	job, ok := f.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	job.Status = db.JobStatusCompleted
	job.Attempts++
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, teamID uuid.UUID, eventType string, payload any) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeStore) GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error) {
	contact, ok := f.contacts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return contact, nil
}

type fakeGateway struct {
	result   *provider.SendResult
	err      error
	requests []provider.SendRequest
}

func (f *fakeGateway) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Broadcast(teamID uuid.UUID, event string, payload any) {
	r.events = append(r.events, event)
}

func testContact() *db.Contact {
	return &db.Contact{ID: uuid.New(), Phone: "+15551234567"}
}

func TestDispatchImmediateSuccess(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM1", Status: "sent"}}
	notifier := &recordingNotifier{}

	d := New(store, gw, notifier, zap.NewNop())

	teamID := uuid.New()
	contact := testContact()

	result, err := d.DispatchImmediate(context.Background(), teamID, contact, "hello", nil, db.ChannelSMS)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if result.Message.Status != db.MessageStatusSent {
		t.Errorf("expected SENT, got %s", result.Message.Status)
	}
	if stored := store.messages[result.Message.ID]; stored.Status != db.MessageStatusSent {
		t.Errorf("stored message not SENT: %s", stored.Status)
	}
	if len(store.events) != 1 || store.events[0] != db.EventMessageOutboundSent {
		t.Errorf("expected one outbound.sent event, got %v", store.events)
	}
	if len(notifier.events) != 1 || notifier.events[0] != EventMessageNew {
		t.Errorf("expected one realtime broadcast, got %v", notifier.events)
	}
	if gw.requests[0].To != contact.Phone {
		t.Errorf("send addressed wrong: %q", gw.requests[0].To)
	}
}

func TestDispatchImmediateQueuedStaysPending(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM1", Status: "queued"}}

	d := New(store, gw, nil, zap.NewNop())

	result, err := d.DispatchImmediate(context.Background(), uuid.New(), testContact(), "hello", nil, db.ChannelSMS)
	if err != nil {
		t.Fatal(err)
	}

	if result.Message.Status != db.MessageStatusPending {
		t.Errorf("a queued acknowledgement must keep the message PENDING, got %s", result.Message.Status)
	}
	if result.Message.ExternalID == nil || *result.Message.ExternalID != "SM1" {
		t.Errorf("external id not recorded: %v", result.Message.ExternalID)
	}
}

func TestDispatchImmediateProviderFailure(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{err: &provider.ProviderError{StatusCode: 500, Message: "upstream down"}}
	notifier := &recordingNotifier{}

	d := New(store, gw, notifier, zap.NewNop())

	result, err := d.DispatchImmediate(context.Background(), uuid.New(), testContact(), "hello", nil, db.ChannelSMS)
	if err == nil {
		t.Fatal("expected error from failed send")
	}

	if result.Message.Status != db.MessageStatusFailed {
		t.Errorf("expected FAILED, got %s", result.Message.Status)
	}
	if stored := store.messages[result.Message.ID]; stored.Status != db.MessageStatusFailed {
		t.Errorf("stored message not FAILED: %s", stored.Status)
	}
	if len(store.events) != 0 {
		t.Errorf("no events should be written for a failed send, got %v", store.events)
	}
	if len(notifier.events) != 0 {
		t.Errorf("no broadcast for a failed send, got %v", notifier.events)
	}
}

func TestDispatchImmediatePersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.createMessageErr = errors.New("disk full")
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM1", Status: "sent"}}

	d := New(store, gw, nil, zap.NewNop())

	if _, err := d.DispatchImmediate(context.Background(), uuid.New(), testContact(), "hello", nil, db.ChannelSMS); err == nil {
		t.Fatal("expected error when the message cannot be persisted")
	}
	if len(gw.requests) != 0 {
		t.Error("nothing may be sent when the PENDING row was never written")
	}
}

func TestScheduleCreatesMessageAndJob(t *testing.T) {
	store := newFakeStore()
	d := New(store, &fakeGateway{}, nil, zap.NewNop())

	teamID := uuid.New()
	contact := testContact()
	at := time.Now().Add(time.Hour).UTC()

	msg, err := d.Schedule(context.Background(), teamID, contact, "later", []string{"https://media.example/a.jpg"}, db.ChannelWhatsApp, at)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if msg.Status != db.MessageStatusPending {
		t.Errorf("scheduled message must be PENDING, got %s", msg.Status)
	}
	if msg.ScheduledAt == nil || !msg.ScheduledAt.Equal(at) {
		t.Errorf("scheduled_at not recorded: %v", msg.ScheduledAt)
	}

	if len(store.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(store.jobs))
	}
	for _, job := range store.jobs {
		if job.MessageID != msg.ID {
			t.Errorf("job not linked to message: %s != %s", job.MessageID, msg.ID)
		}
		var payload db.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.ContactID != contact.ID || payload.Channel != db.ChannelWhatsApp || payload.Body != "later" {
			t.Errorf("payload mismatch: %+v", payload)
		}
	}
}

func scheduledJobFor(t *testing.T, teamID uuid.UUID, messageID uuid.UUID, payload db.JobPayload) *db.ScheduledJob {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &db.ScheduledJob{
		ID:        uuid.New(),
		TeamID:    teamID,
		MessageID: messageID,
		Payload:   data,
		Status:    db.JobStatusRunning,
	}
}

func TestDispatchScheduledSuccess(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM9", Status: "sent"}}
	d := New(store, gw, nil, zap.NewNop())

	teamID := uuid.New()
	contact := testContact()
	store.contacts[contact.ID] = contact

	msg := &db.Message{ID: uuid.New(), Status: db.MessageStatusPending}
	store.messages[msg.ID] = msg

	job := scheduledJobFor(t, teamID, msg.ID, db.JobPayload{ContactID: contact.ID, Channel: db.ChannelSMS, Body: "later"})
	store.jobs[job.ID] = job

	if err := d.DispatchScheduled(context.Background(), job); err != nil {
		t.Fatalf("dispatch scheduled: %v", err)
	}

	if store.messages[msg.ID].Status != db.MessageStatusSent {
		t.Errorf("message not SENT: %s", store.messages[msg.ID].Status)
	}
	if store.jobs[job.ID].Status != db.JobStatusCompleted {
		t.Errorf("job not COMPLETED: %s", store.jobs[job.ID].Status)
	}
	if len(store.events) != 1 || store.events[0] != db.EventScheduledSent {
		t.Errorf("expected one scheduled.sent event, got %v", store.events)
	}
}

func TestDispatchScheduledMissingContactLeavesMessagePending(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM9", Status: "sent"}}
	d := New(store, gw, nil, zap.NewNop())

	msg := &db.Message{ID: uuid.New(), Status: db.MessageStatusPending}
	store.messages[msg.ID] = msg

	job := scheduledJobFor(t, uuid.New(), msg.ID, db.JobPayload{ContactID: uuid.New(), Channel: db.ChannelSMS, Body: "later"})

	if err := d.DispatchScheduled(context.Background(), job); err == nil {
		t.Fatal("expected error for a missing contact")
	}

	if store.messages[msg.ID].Status != db.MessageStatusPending {
		t.Errorf("message must stay PENDING when the send never reached the gateway, got %s", store.messages[msg.ID].Status)
	}
	if len(gw.requests) != 0 {
		t.Error("nothing may be sent without a contact")
	}
}

func TestDispatchScheduledSendFailureMarksMessageFailed(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{err: &provider.ProviderError{StatusCode: 502, Message: "bad gateway"}}
	d := New(store, gw, nil, zap.NewNop())

	contact := testContact()
	store.contacts[contact.ID] = contact

	msg := &db.Message{ID: uuid.New(), Status: db.MessageStatusPending}
	store.messages[msg.ID] = msg

	job := scheduledJobFor(t, uuid.New(), msg.ID, db.JobPayload{ContactID: contact.ID, Channel: db.ChannelSMS, Body: "later"})

	if err := d.DispatchScheduled(context.Background(), job); err == nil {
		t.Fatal("expected error from failed send")
	}

	if store.messages[msg.ID].Status != db.MessageStatusFailed {
		t.Errorf("message not FAILED after provider rejection: %s", store.messages[msg.ID].Status)
	}
}

func TestDispatchScheduledMalformedPayload(t *testing.T) {
	store := newFakeStore()
	d := New(store, &fakeGateway{}, nil, zap.NewNop())

	job := &db.ScheduledJob{
		ID:      uuid.New(),
		Payload: json.RawMessage(`{not json`),
		Status:  db.JobStatusRunning,
	}

	if err := d.DispatchScheduled(context.Background(), job); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDispatchScheduledToleratesAlreadyAcknowledged(t *testing.T) {
	store := newFakeStore()
	store.markSentErr = db.ErrNotFound
	gw := &fakeGateway{result: &provider.SendResult{ExternalID: "SM9", Status: "sent"}}
	d := New(store, gw, nil, zap.NewNop())

	contact := testContact()
	store.contacts[contact.ID] = contact

	job := scheduledJobFor(t, uuid.New(), uuid.New(), db.JobPayload{ContactID: contact.ID, Channel: db.ChannelSMS, Body: "again"})
	store.jobs[job.ID] = job

	if err := d.DispatchScheduled(context.Background(), job); err != nil {
		t.Fatalf("re-executed job must complete when the message is already acknowledged: %v", err)
	}
	if store.jobs[job.ID].Status != db.JobStatusCompleted {
		t.Errorf("job not COMPLETED: %s", store.jobs[job.ID].Status)
	}
}
