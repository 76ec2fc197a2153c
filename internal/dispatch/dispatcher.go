// Package dispatch orchestrates outbound sends: persisting the message,
// invoking the provider gateway, and driving the status machine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/realtime"
)

// EventMessageNew is the realtime notification emitted on successful sends.
const EventMessageNew = "message.new"

// Store is the persistence surface the dispatcher writes through.
type Store interface {
	CreateMessage(ctx context.Context, msg *db.Message) error
	MarkMessageSent(ctx context.Context, id uuid.UUID, externalID, providerStatus string) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID) error
	CreateJob(ctx context.Context, job *db.ScheduledJob) error
	CompleteJob(ctx context.Context, id uuid.UUID) error
	AppendEvent(ctx context.Context, teamID uuid.UUID, eventType string, payload any) error
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
}

// Gateway sends one message through the messaging provider.
type Gateway interface {
	Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
}

// Result is the outcome of one dispatch. Message always carries the final
// persisted status; Provider is nil when the send failed.
type Result struct {
	Message  *db.Message
	Provider *provider.SendResult
}

// Dispatcher drives outbound messages through PENDING -> SENT | FAILED.
type Dispatcher struct {
	store    Store
	gateway  Gateway
	notifier realtime.Notifier
	logger   *zap.Logger
}

func New(store Store, gateway Gateway, notifier realtime.Notifier, logger *zap.Logger) *Dispatcher {
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	return &Dispatcher{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}
}

// DispatchImmediate persists a PENDING message, sends it through the
// gateway, and transitions it to SENT or FAILED. Failures come back as a
// structured error alongside the FAILED message; they are never allowed to
// escape as a panic or crash the request path.
func (d *Dispatcher) DispatchImmediate(ctx context.Context, teamID uuid.UUID, contact *db.Contact, body string, media []string, channel string) (*Result, error) {
	msg := newOutboundMessage(teamID, contact.ID, channel, body, media, nil)

	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}

	resp, err := d.gateway.Send(ctx, provider.SendRequest{
		TeamID:  teamID,
		To:      contact.Phone,
		Body:    body,
		Media:   media,
		Channel: channel,
	})
	if err != nil {
		d.failMessage(ctx, msg)
		metrics.RecordDispatch(channel, db.MessageStatusFailed)
		d.logger.Error("immediate send failed",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", channel),
		)
		return &Result{Message: msg}, err
	}

	d.acknowledge(ctx, msg, resp)
	metrics.RecordDispatch(channel, msg.Status)

	if err := d.store.AppendEvent(ctx, teamID, db.EventMessageOutboundSent, map[string]any{
		"message_id":  msg.ID,
		"external_id": resp.ExternalID,
	}); err != nil {
		d.logger.Warn("failed to append outbound event", zap.Error(err))
	}

	d.notifier.Broadcast(teamID, EventMessageNew, msg)

	return &Result{Message: msg, Provider: resp}, nil
}

// Schedule persists a PENDING message with its deferred-send job. The job
// payload carries everything the scheduler needs to re-drive the send.
func (d *Dispatcher) Schedule(ctx context.Context, teamID uuid.UUID, contact *db.Contact, body string, media []string, channel string, at time.Time) (*db.Message, error) {
	msg := newOutboundMessage(teamID, contact.ID, channel, body, media, &at)

	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist scheduled message: %w", err)
	}

	payload, err := json.Marshal(db.JobPayload{
		ContactID: contact.ID,
		Channel:   channel,
		Body:      body,
		Media:     media,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	job := &db.ScheduledJob{
		ID:          uuid.New(),
		TeamID:      teamID,
		MessageID:   msg.ID,
		Payload:     payload,
		ScheduledAt: at,
		Status:      db.JobStatusPending,
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist scheduled job: %w", err)
	}

	d.logger.Info("send scheduled",
		zap.String("message_id", msg.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Time("scheduled_at", at),
	)

	return msg, nil
}

// DispatchScheduled executes one claimed job. On success it updates the
// originating message, completes the job, and records the audit event. On
// any error it returns without completing the job; the scheduler owns the
// FAILED transition so attempts are accounted in exactly one place.
//
// The originating message is only marked FAILED when the provider rejected
// an actual send; a job that never reached the gateway (missing contact, no
// destination) leaves the message PENDING, which together with the terminal
// job marks it as orphaned.
func (d *Dispatcher) DispatchScheduled(ctx context.Context, job *db.ScheduledJob) error {
	var payload db.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed job payload: %w", err)
	}

	contact, err := d.store.GetContact(ctx, payload.ContactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("contact %s no longer exists: %w", payload.ContactID, err)
		}
		return fmt.Errorf("load contact: %w", err)
	}

	if contact.Phone == "" {
		return fmt.Errorf("contact %s has no destination address", contact.ID)
	}

	channel := payload.Channel
	if channel == "" {
		channel = db.ChannelSMS
	}

	resp, err := d.gateway.Send(ctx, provider.SendRequest{
		TeamID:  job.TeamID,
		To:      contact.Phone,
		Body:    payload.Body,
		Media:   payload.Media,
		Channel: channel,
	})
	if err != nil {
		msg := &db.Message{ID: job.MessageID, Status: db.MessageStatusPending}
		d.failMessage(ctx, msg)
		metrics.RecordDispatch(channel, db.MessageStatusFailed)
		return err
	}

	if err := d.store.MarkMessageSent(ctx, job.MessageID, resp.ExternalID, resp.Status); err != nil {
		// Tolerate at-least-once re-execution: the message may already
		// carry this acknowledgement from a previous attempt.
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("record send result: %w", err)
		}
		d.logger.Warn("message already acknowledged, continuing",
			zap.String("message_id", job.MessageID.String()),
		)
	}

	if err := d.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	metrics.RecordDispatch(channel, statusFor(resp.Status))

	if err := d.store.AppendEvent(ctx, job.TeamID, db.EventScheduledSent, map[string]any{
		"scheduled_job_id": job.ID,
		"message_id":       job.MessageID,
		"external_id":      resp.ExternalID,
	}); err != nil {
		d.logger.Warn("failed to append scheduled event", zap.Error(err))
	}

	d.logger.Info("scheduled job sent",
		zap.String("job_id", job.ID.String()),
		zap.String("external_id", resp.ExternalID),
	)

	return nil
}

func newOutboundMessage(teamID, contactID uuid.UUID, channel, body string, media []string, scheduledAt *time.Time) *db.Message {
	var bodyPtr *string
	if body != "" {
		bodyPtr = &body
	}

	return &db.Message{
		ID:          uuid.New(),
		TeamID:      teamID,
		ContactID:   contactID,
		Channel:     channel,
		Direction:   db.DirectionOutbound,
		Body:        bodyPtr,
		Media:       media,
		Status:      db.MessageStatusPending,
		ScheduledAt: scheduledAt,
	}
}

// acknowledge applies the provider's response to the in-memory message and
// the store. A "queued" provider status keeps the message PENDING per the
// status machine; anything else confirms SENT.
func (d *Dispatcher) acknowledge(ctx context.Context, msg *db.Message, resp *provider.SendResult) {
	if err := d.store.MarkMessageSent(ctx, msg.ID, resp.ExternalID, resp.Status); err != nil {
		d.logger.Error("failed to record send acknowledgement",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}

	now := time.Now().UTC()
	msg.ExternalID = &resp.ExternalID
	msg.SentAt = &now
	msg.Status = statusFor(resp.Status)
}

func (d *Dispatcher) failMessage(ctx context.Context, msg *db.Message) {
	if err := d.store.MarkMessageFailed(ctx, msg.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		d.logger.Error("failed to mark message FAILED",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}
	msg.Status = db.MessageStatusFailed
}

func statusFor(providerStatus string) string {
	if providerStatus == "queued" {
		return db.MessageStatusPending
	}
	return db.MessageStatusSent
}
