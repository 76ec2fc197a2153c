package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/dispatch"
	"github.com/threadline/threadline/internal/ingest"
	"github.com/threadline/threadline/internal/provider"
)

// Store is the read/settings surface the handlers need; dispatch and
// ingest own their own write paths.
type Store interface {
	GetOrCreateTeam(ctx context.Context, name string) (*db.Team, error)
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
	ListThread(ctx context.Context, contactID uuid.UUID, limit int) ([]*db.Message, error)
	ListThreadSummaries(ctx context.Context, teamID uuid.UUID, limit int) ([]*db.ThreadSummary, error)
	GetCredentials(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error)
	UpsertCredentials(ctx context.Context, creds *db.Credentials) error
}

// Dispatcher sends or schedules one outbound message.
type Dispatcher interface {
	DispatchImmediate(ctx context.Context, teamID uuid.UUID, contact *db.Contact, body string, media []string, channel string) (*dispatch.Result, error)
	Schedule(ctx context.Context, teamID uuid.UUID, contact *db.Contact, body string, media []string, channel string, at time.Time) (*db.Message, error)
}

// Ingestor processes one inbound provider callback.
type Ingestor interface {
	Ingest(ctx context.Context, rawURL string, header http.Header, form url.Values) (*db.Message, error)
}

// CacheInvalidator busts a team's credential cache entry after an update.
type CacheInvalidator interface {
	Invalidate(teamID uuid.UUID)
}

// SendRequest is the outbound send request body.
type SendRequest struct {
	Body       string   `json:"body"`
	Channel    string   `json:"channel,omitempty"`
	ContactID  string   `json:"contact_id"`
	Media      []string `json:"media,omitempty"`
	ScheduleAt string   `json:"schedule_at,omitempty"` // RFC 3339
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger          *zap.Logger
	store           Store
	dispatcher      Dispatcher
	ingestor        Ingestor
	cache           CacheInvalidator // nil when no credential cache is wired
	defaultTeamName string
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store Store, dispatcher Dispatcher, ingestor Ingestor, cache CacheInvalidator, defaultTeamName string) *Handler {
	return &Handler{
		logger:          logger,
		store:           store,
		dispatcher:      dispatcher,
		ingestor:        ingestor,
		cache:           cache,
		defaultTeamName: defaultTeamName,
	}
}

// HandleWebhook handles POST /api/webhooks/provider. The provider sends a
// form-encoded body with a signature header; invalid signatures are
// rejected with 403 and nothing is persisted.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body", err.Error())
		return
	}

	rawURL := callbackURL(r)

	msg, err := h.ingestor.Ingest(r.Context(), rawURL, r.Header, r.PostForm)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrSignature):
			h.writeError(w, http.StatusForbidden, "invalid_signature", "Invalid provider signature", "")
		case errors.Is(err, ingest.ErrDuplicate):
			// Acknowledge so the provider stops retrying.
			h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		default:
			h.logger.Error("webhook ingestion failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process webhook", "")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message_id": msg.ID})
}

// SendMessage handles POST /api/messages/send. With schedule_at present the
// send is deferred to the scheduler; otherwise it is dispatched inline and
// the provider's result (or structured failure) is returned synchronously.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Body == "" || req.ContactID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "body and contact_id are required")
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = db.ChannelSMS
	}
	if channel != db.ChannelSMS && channel != db.ChannelWhatsApp {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be SMS or WHATSAPP")
		return
	}

	contactID, err := uuid.Parse(req.ContactID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact_id", "contact_id must be a valid UUID")
		return
	}

	team, err := h.store.GetOrCreateTeam(ctx, h.defaultTeamName)
	if err != nil {
		h.logger.Error("failed to resolve team", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve team", "")
		return
	}

	contact, err := h.store.GetContact(ctx, contactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Contact not found", "")
			return
		}
		h.logger.Error("failed to load contact", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load contact", "")
		return
	}

	if req.ScheduleAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduleAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule_at", "schedule_at must be an RFC 3339 timestamp")
			return
		}

		msg, err := h.dispatcher.Schedule(ctx, team.ID, contact, req.Body, req.Media, channel, at)
		if err != nil {
			h.logger.Error("failed to schedule send", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule message", "")
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"scheduled":  true,
			"message_id": msg.ID,
		})
		return
	}

	result, err := h.dispatcher.DispatchImmediate(ctx, team.ID, contact, req.Body, req.Media, channel)
	if err != nil {
		h.writeSendFailure(w, result, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message_id": result.Message.ID,
		"provider": map[string]string{
			"external_id": result.Provider.ExternalID,
			"status":      result.Provider.Status,
		},
	})
}

// GetThread handles GET /api/messages/thread/{id}: a contact's messages
// ascending by creation time.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	contactID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact ID", "ID must be a valid UUID")
		return
	}

	messages, err := h.store.ListThread(r.Context(), contactID, 200)
	if err != nil {
		h.logger.Error("failed to list thread", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list thread", "")
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"id":         m.ID,
			"contact_id": m.ContactID,
			"direction":  m.Direction,
			"channel":    m.Channel,
			"body":       m.Body,
			"media":      m.Media,
			"status":     m.Status,
			"created_at": m.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, out)
}

// ListThreads handles GET /api/inbox/threads: thread summaries for the
// team, most recently active first.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	team, err := h.store.GetOrCreateTeam(ctx, h.defaultTeamName)
	if err != nil {
		h.logger.Error("failed to resolve team", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve team", "")
		return
	}

	threads, err := h.store.ListThreadSummaries(ctx, team.ID, 200)
	if err != nil {
		h.logger.Error("failed to list threads", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list threads", "")
		return
	}

	if threads == nil {
		threads = []*db.ThreadSummary{}
	}
	h.writeJSON(w, http.StatusOK, threads)
}

// GetProviderSettings handles GET /api/settings/provider. The auth token is
// never returned.
func (h *Handler) GetProviderSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	team, err := h.store.GetOrCreateTeam(ctx, h.defaultTeamName)
	if err != nil {
		h.logger.Error("failed to resolve team", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve team", "")
		return
	}

	creds, err := h.store.GetCredentials(ctx, team.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
			return
		}
		h.logger.Error("failed to load credentials", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load settings", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"configured":    true,
		"account_sid":   creds.AccountSID,
		"sms_from":      creds.SMSFrom,
		"whatsapp_from": creds.WhatsAppFrom,
		"updated_at":    creds.UpdatedAt.Format(time.RFC3339),
	})
}

// UpdateProviderSettings handles PUT /api/settings/provider, storing new
// credentials and invalidating the credential cache entry so the next send
// picks them up immediately.
func (h *Handler) UpdateProviderSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		AccountSID   string `json:"account_sid"`
		AuthToken    string `json:"auth_token"`
		SMSFrom      string `json:"sms_from"`
		WhatsAppFrom string `json:"whatsapp_from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.AccountSID == "" || req.AuthToken == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "account_sid and auth_token are required")
		return
	}

	team, err := h.store.GetOrCreateTeam(ctx, h.defaultTeamName)
	if err != nil {
		h.logger.Error("failed to resolve team", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve team", "")
		return
	}

	creds := &db.Credentials{
		TeamID:       team.ID,
		AccountSID:   req.AccountSID,
		AuthToken:    req.AuthToken,
		SMSFrom:      req.SMSFrom,
		WhatsAppFrom: req.WhatsAppFrom,
	}

	if err := h.store.UpsertCredentials(ctx, creds); err != nil {
		h.logger.Error("failed to update credentials", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update settings", "")
		return
	}

	if h.cache != nil {
		h.cache.Invalidate(team.ID)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) writeSendFailure(w http.ResponseWriter, result *dispatch.Result, err error) {
	var configErr *provider.ConfigurationError
	var providerErr *provider.ProviderError

	messageID := ""
	if result != nil && result.Message != nil {
		messageID = result.Message.ID.String()
	}

	switch {
	case errors.As(err, &configErr):
		h.writeError(w, http.StatusUnprocessableEntity, "configuration_error", "Provider not configured", configErr.Reason)
	case errors.As(err, &providerErr):
		h.writeError(w, http.StatusBadGateway, "provider_error", "Provider rejected the send", providerErr.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Send failed", "")
	}

	h.logger.Error("immediate send failed",
		zap.Error(err),
		zap.String("message_id", messageID),
	)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// callbackURL reconstructs the exact public URL the provider signed,
// honoring proxy forwarding headers.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}

	return scheme + "://" + host + r.URL.RequestURI()
}
