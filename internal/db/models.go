package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel constants
const (
	ChannelSMS      = "SMS"
	ChannelWhatsApp = "WHATSAPP"
)

// Direction constants
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Message status constants. INBOUND messages are created DELIVERED and never
// transition; OUTBOUND messages move PENDING -> SENT | FAILED.
const (
	MessageStatusPending   = "PENDING"
	MessageStatusSent      = "SENT"
	MessageStatusFailed    = "FAILED"
	MessageStatusDelivered = "DELIVERED"
)

// Scheduled job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Event type tags
const (
	EventMessageInbound      = "message.inbound"
	EventMessageOutboundSent = "message.outbound.sent"
	EventScheduledSent       = "scheduled.sent"
)

// Team is the tenant boundary. Every contact, message, job, and event
// belongs to exactly one team.
type Team struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Credentials holds a team's provider account and per-channel sender
// addresses. AuthToken is never serialized.
type Credentials struct {
	TeamID       uuid.UUID `json:"team_id"`
	AccountSID   string    `json:"account_sid"`
	AuthToken    string    `json:"-"`
	SMSFrom      string    `json:"sms_from"`
	WhatsAppFrom string    `json:"whatsapp_from"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SenderFor returns the configured sender address for a channel, or ""
// when the channel has none.
func (c Credentials) SenderFor(channel string) string {
	switch channel {
	case ChannelWhatsApp:
		return c.WhatsAppFrom
	case ChannelSMS:
		return c.SMSFrom
	default:
		return ""
	}
}

// Contact is a team-scoped addressable party, created lazily on first
// inbound or outbound traffic. Uniqueness is on (team_id, phone).
type Contact struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	Phone     string    `json:"phone"`
	Name      *string   `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one unit of conversation. Media is nil when the message has no
// attachments; API consumers rely on null meaning "no attachments".
type Message struct {
	ID          uuid.UUID  `json:"id"`
	TeamID      uuid.UUID  `json:"team_id"`
	ContactID   uuid.UUID  `json:"contact_id"`
	Channel     string     `json:"channel"`
	Direction   string     `json:"direction"`
	Body        *string    `json:"body"`
	Media       []string   `json:"media"`
	Status      string     `json:"status"`
	ExternalID  *string    `json:"external_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// JobPayload is the opaque send request carried by a scheduled job.
type JobPayload struct {
	ContactID uuid.UUID `json:"contact_id"`
	Channel   string    `json:"channel"`
	Body      string    `json:"body"`
	Media     []string  `json:"media,omitempty"`
}

// ScheduledJob is a deferred send request. Only the scheduler mutates it
// after creation, and a terminal status is never re-enqueued.
type ScheduledJob struct {
	ID          uuid.UUID       `json:"id"`
	TeamID      uuid.UUID       `json:"team_id"`
	MessageID   uuid.UUID       `json:"message_id"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is an immutable audit record. Write-only, never updated.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	TeamID    uuid.UUID       `json:"team_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ThreadSummary is one row of the inbox listing: a contact plus its most
// recent message, if any.
type ThreadSummary struct {
	ContactID   uuid.UUID  `json:"id"`
	ContactName string     `json:"contact_name"`
	Snippet     *string    `json:"snippet"`
	Channel     string     `json:"channel"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastMessage *time.Time `json:"last_message_at,omitempty"`
}
