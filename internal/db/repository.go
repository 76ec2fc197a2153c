package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store owns all persistence. It is the single writer for message, job, and
// event rows; other components go through it.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a new Store backed by the given pool.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// GetOrCreateTeam resolves a team by name, creating it when absent. The
// upsert makes the fallback-team path idempotent under concurrent callers.
func (s *Store) GetOrCreateTeam(ctx context.Context, name string) (*Team, error) {
	query := `
		INSERT INTO teams (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`

	var team Team
	err := s.db.Pool().QueryRow(ctx, query, uuid.New(), name).Scan(
		&team.ID,
		&team.Name,
		&team.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get or create team: %w", err)
	}

	return &team, nil
}

// GetCredentials loads a team's provider credentials.
func (s *Store) GetCredentials(ctx context.Context, teamID uuid.UUID) (*Credentials, error) {
	query := `
		SELECT team_id, account_sid, auth_token, sms_from, whatsapp_from, updated_at
		FROM team_credentials
		WHERE team_id = $1
	`

	var creds Credentials
	err := s.db.Pool().QueryRow(ctx, query, teamID).Scan(
		&creds.TeamID,
		&creds.AccountSID,
		&creds.AuthToken,
		&creds.SMSFrom,
		&creds.WhatsAppFrom,
		&creds.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}

	return &creds, nil
}

// UpsertCredentials writes a team's provider credentials.
func (s *Store) UpsertCredentials(ctx context.Context, creds *Credentials) error {
	query := `
		INSERT INTO team_credentials (team_id, account_sid, auth_token, sms_from, whatsapp_from, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (team_id) DO UPDATE SET
			account_sid = EXCLUDED.account_sid,
			auth_token = EXCLUDED.auth_token,
			sms_from = EXCLUDED.sms_from,
			whatsapp_from = EXCLUDED.whatsapp_from,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		creds.TeamID,
		creds.AccountSID,
		creds.AuthToken,
		creds.SMSFrom,
		creds.WhatsAppFrom,
	).Scan(&creds.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}

	s.logger.Info("provider credentials updated",
		zap.String("team_id", creds.TeamID.String()),
	)

	return nil
}

// UpsertContact resolves a contact by (team, phone), creating it when
// absent. The ON CONFLICT upsert keeps two racing webhooks from creating
// duplicate contacts for the same address.
func (s *Store) UpsertContact(ctx context.Context, teamID uuid.UUID, phone string) (*Contact, error) {
	query := `
		INSERT INTO contacts (id, team_id, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, phone) DO UPDATE SET updated_at = NOW()
		RETURNING id, team_id, phone, name, created_at, updated_at
	`

	var contact Contact
	err := s.db.Pool().QueryRow(ctx, query, uuid.New(), teamID, phone).Scan(
		&contact.ID,
		&contact.TeamID,
		&contact.Phone,
		&contact.Name,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}

	return &contact, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	query := `
		SELECT id, team_id, phone, name, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`

	var contact Contact
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&contact.ID,
		&contact.TeamID,
		&contact.Phone,
		&contact.Name,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}

	return &contact, nil
}

// CreateMessage inserts a new message row.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, team_id, contact_id, channel, direction, body, media,
			status, external_id, scheduled_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.TeamID,
		msg.ContactID,
		msg.Channel,
		msg.Direction,
		msg.Body,
		msg.Media,
		msg.Status,
		msg.ExternalID,
		msg.ScheduledAt,
		msg.SentAt,
	).Scan(&msg.CreatedAt)

	if err != nil {
		s.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `
		SELECT id, team_id, contact_id, channel, direction, body, media,
		       status, external_id, scheduled_at, sent_at, created_at
		FROM messages
		WHERE id = $1
	`

	var msg Message
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&msg.ID,
		&msg.TeamID,
		&msg.ContactID,
		&msg.Channel,
		&msg.Direction,
		&msg.Body,
		&msg.Media,
		&msg.Status,
		&msg.ExternalID,
		&msg.ScheduledAt,
		&msg.SentAt,
		&msg.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return &msg, nil
}

// MarkMessageSent records the provider acknowledgement for an outbound
// message. A "queued" provider status keeps the message PENDING; anything
// else confirms SENT. Either way sent_at and external_id are recorded.
func (s *Store) MarkMessageSent(ctx context.Context, id uuid.UUID, externalID, providerStatus string) error {
	status := MessageStatusSent
	if providerStatus == "queued" {
		status = MessageStatusPending
	}

	query := `
		UPDATE messages
		SET status = $1, external_id = $2, sent_at = NOW()
		WHERE id = $3 AND direction = 'OUTBOUND' AND status = 'PENDING'
	`

	result, err := s.db.Pool().Exec(ctx, query, status, externalID, id)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkMessageFailed transitions an outbound message to FAILED. The status
// guard keeps a message that already reached SENT from reverting.
func (s *Store) MarkMessageFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE messages
		SET status = 'FAILED'
		WHERE id = $1 AND direction = 'OUTBOUND' AND status = 'PENDING'
	`

	result, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListThread returns a contact's messages ascending by creation time.
func (s *Store) ListThread(ctx context.Context, contactID uuid.UUID, limit int) ([]*Message, error) {
	query := `
		SELECT id, team_id, contact_id, channel, direction, body, media,
		       status, external_id, scheduled_at, sent_at, created_at
		FROM messages
		WHERE contact_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID,
			&msg.TeamID,
			&msg.ContactID,
			&msg.Channel,
			&msg.Direction,
			&msg.Body,
			&msg.Media,
			&msg.Status,
			&msg.ExternalID,
			&msg.ScheduledAt,
			&msg.SentAt,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// ListThreadSummaries returns the inbox view: one row per contact with the
// most recent message, newest activity first.
func (s *Store) ListThreadSummaries(ctx context.Context, teamID uuid.UUID, limit int) ([]*ThreadSummary, error) {
	query := `
		SELECT c.id,
		       COALESCE(c.name, c.phone) AS contact_name,
		       m.body,
		       COALESCE(m.channel, 'SMS') AS channel,
		       COALESCE(m.created_at, c.created_at) AS updated_at,
		       m.created_at
		FROM contacts c
		LEFT JOIN LATERAL (
			SELECT body, channel, created_at
			FROM messages
			WHERE contact_id = c.id
			ORDER BY created_at DESC
			LIMIT 1
		) m ON true
		WHERE c.team_id = $1
		ORDER BY COALESCE(m.created_at, c.created_at) DESC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []*ThreadSummary
	for rows.Next() {
		var t ThreadSummary
		err := rows.Scan(
			&t.ContactID,
			&t.ContactName,
			&t.Snippet,
			&t.Channel,
			&t.UpdatedAt,
			&t.LastMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return threads, nil
}

// CreateJob inserts a scheduled job.
func (s *Store) CreateJob(ctx context.Context, job *ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (id, team_id, message_id, payload, scheduled_at, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.TeamID,
		job.MessageID,
		job.Payload,
		job.ScheduledAt,
		job.Status,
		job.Attempts,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled job: %w", err)
	}

	return nil
}

// GetJob retrieves a scheduled job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*ScheduledJob, error) {
	query := `
		SELECT id, team_id, message_id, payload, scheduled_at, status,
		       attempts, last_error, created_at, updated_at
		FROM scheduled_jobs
		WHERE id = $1
	`

	var job ScheduledJob
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.TeamID,
		&job.MessageID,
		&job.Payload,
		&job.ScheduledAt,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scheduled job: %w", err)
	}

	return &job, nil
}

// ClaimDueJobs atomically transitions up to limit due PENDING jobs to
// RUNNING and returns them. The conditional update with SKIP LOCKED makes
// the claim safe even if more than one scheduler process is ever run.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*ScheduledJob, error) {
	query := `
		UPDATE scheduled_jobs
		SET status = 'RUNNING', updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM scheduled_jobs
			WHERE status = 'PENDING' AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, team_id, message_id, payload, scheduled_at, status,
		          attempts, last_error, created_at, updated_at
	`

	rows, err := s.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		var job ScheduledJob
		err := rows.Scan(
			&job.ID,
			&job.TeamID,
			&job.MessageID,
			&job.Payload,
			&job.ScheduledAt,
			&job.Status,
			&job.Attempts,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// CompleteJob marks a RUNNING job COMPLETED and increments its attempt count.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_jobs
		SET status = 'COMPLETED', attempts = attempts + 1, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`

	result, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// FailJob marks a job FAILED, increments its attempt count, and records the
// failure reason. Terminal: failed jobs are never re-enqueued.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE scheduled_jobs
		SET status = 'FAILED', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// AppendEvent writes one immutable audit record.
func (s *Store) AppendEvent(ctx context.Context, teamID uuid.UUID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
		INSERT INTO events (id, team_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.Pool().Exec(ctx, query, uuid.New(), teamID, eventType, data); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}
