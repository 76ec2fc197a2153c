// Package ingest normalizes and persists inbound provider webhooks:
// verify signature, parse payload, resolve contact, persist message.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/contacts"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/provider"
)

// ErrSignature rejects a callback whose signature did not verify. Nothing
// is persisted; the HTTP layer maps this to 403.
var ErrSignature = errors.New("invalid webhook signature")

// ErrDuplicate marks a callback already processed inside the dedupe window.
// The HTTP layer acknowledges it so the provider stops retrying.
var ErrDuplicate = errors.New("duplicate webhook delivery")

// Store is the persistence surface the ingestor writes through.
type Store interface {
	GetOrCreateTeam(ctx context.Context, name string) (*db.Team, error)
	CreateMessage(ctx context.Context, msg *db.Message) error
	AppendEvent(ctx context.Context, teamID uuid.UUID, eventType string, payload any) error
}

// Deduper detects repeat deliveries of the same external message id.
type Deduper interface {
	FirstDelivery(ctx context.Context, teamID uuid.UUID, externalID string) (bool, error)
	Forget(ctx context.Context, teamID uuid.UUID, externalID string) error
}

// CredentialResolver supplies the shared secret used for verification.
type CredentialResolver interface {
	Resolve(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error)
}

// Ingestor drives one callback through
// RECEIVED -> VERIFIED -> NORMALIZED -> PERSISTED. Any failure before
// PERSISTED aborts the whole callback without partial records.
type Ingestor struct {
	store           Store
	resolver        *contacts.Resolver
	verifier        *provider.Verifier
	credentials     CredentialResolver
	deduper         Deduper // nil disables dedupe
	defaultTeamName string
	logger          *zap.Logger
}

func New(store Store, resolver *contacts.Resolver, verifier *provider.Verifier, credentials CredentialResolver, deduper Deduper, defaultTeamName string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:           store,
		resolver:        resolver,
		verifier:        verifier,
		credentials:     credentials,
		deduper:         deduper,
		defaultTeamName: defaultTeamName,
		logger:          logger,
	}
}

// Ingest processes one inbound callback and returns the persisted message.
// rawURL must be the exact public URL the provider called.
func (i *Ingestor) Ingest(ctx context.Context, rawURL string, header http.Header, form url.Values) (*db.Message, error) {
	team, err := i.store.GetOrCreateTeam(ctx, i.defaultTeamName)
	if err != nil {
		return nil, fmt.Errorf("resolve team: %w", err)
	}

	creds, err := i.credentials.Resolve(ctx, team.ID)
	if err != nil {
		// No usable secret means the signature cannot be checked; the
		// callback is rejected rather than trusted.
		i.logger.Warn("no credentials for webhook verification",
			zap.Error(err),
			zap.String("team_id", team.ID.String()),
		)
		metrics.RecordWebhookRejection("no_credentials")
		return nil, ErrSignature
	}

	if !i.verifier.Verify(rawURL, header, form, creds.AuthToken) {
		metrics.RecordWebhookRejection("signature")
		return nil, ErrSignature
	}

	normalized := provider.ParseInbound(form)

	if i.deduper != nil {
		first, err := i.deduper.FirstDelivery(ctx, team.ID, normalized.ExternalID)
		if err != nil {
			// Dedupe is best effort: with Redis down duplicates become
			// possible again, as in the days before the dedupe window.
			i.logger.Warn("inbound dedupe unavailable, continuing", zap.Error(err))
		} else if !first {
			metrics.RecordWebhookDuplicate()
			return nil, ErrDuplicate
		}
	}

	msg, err := i.persist(ctx, team, normalized)
	if err != nil {
		if i.deduper != nil {
			// Release the id so the provider's retry can succeed.
			if forgetErr := i.deduper.Forget(ctx, team.ID, normalized.ExternalID); forgetErr != nil {
				i.logger.Warn("failed to release dedupe reservation", zap.Error(forgetErr))
			}
		}
		return nil, err
	}

	metrics.RecordInbound(normalized.Channel)

	i.logger.Info("inbound message persisted",
		zap.String("message_id", msg.ID.String()),
		zap.String("external_id", normalized.ExternalID),
		zap.String("channel", normalized.Channel),
	)

	return msg, nil
}

func (i *Ingestor) persist(ctx context.Context, team *db.Team, in provider.NormalizedInbound) (*db.Message, error) {
	contact, err := i.resolver.Resolve(ctx, team.ID, in.From)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}

	externalID := in.ExternalID
	msg := &db.Message{
		ID:         uuid.New(),
		TeamID:     team.ID,
		ContactID:  contact.ID,
		Channel:    in.Channel,
		Direction:  db.DirectionInbound,
		Body:       in.Body,
		Media:      in.Media,
		Status:     db.MessageStatusDelivered, // terminal at creation
		ExternalID: &externalID,
	}

	if err := i.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}

	if err := i.store.AppendEvent(ctx, team.ID, db.EventMessageInbound, map[string]any{
		"message_id":  msg.ID,
		"external_id": in.ExternalID,
		"from":        in.From,
		"channel":     in.Channel,
	}); err != nil {
		i.logger.Warn("failed to append inbound event", zap.Error(err))
	}

	return msg, nil
}
