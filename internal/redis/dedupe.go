package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDedupeTTL bounds how long an inbound external id is remembered.
// Provider retries arrive within minutes; a day covers delayed redeliveries
// without growing the keyspace forever.
const DefaultDedupeTTL = 24 * time.Hour

// InboundDeduper detects duplicate inbound webhook deliveries by external
// message id, using an atomic SET NX so two concurrent deliveries of the
// same callback resolve to exactly one winner.
type InboundDeduper struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewInboundDeduper creates a deduper with the given retention window.
func NewInboundDeduper(client *Client, ttl time.Duration, logger *zap.Logger) *InboundDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &InboundDeduper{client: client, ttl: ttl, logger: logger}
}

func (d *InboundDeduper) key(teamID uuid.UUID, externalID string) string {
	return fmt.Sprintf("dedupe:inbound:%s:%s", teamID, externalID)
}

// FirstDelivery reports whether this (team, externalID) pair has not been
// seen inside the retention window, atomically recording it when new.
// Returns true (deliver) on the first sighting, false on a duplicate.
func (d *InboundDeduper) FirstDelivery(ctx context.Context, teamID uuid.UUID, externalID string) (bool, error) {
	set, err := d.client.rdb.SetNX(ctx, d.key(teamID, externalID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		d.logger.Info("duplicate inbound delivery dropped",
			zap.String("team_id", teamID.String()),
			zap.String("external_id", externalID),
		)
	}

	return set, nil
}

// Forget removes a recorded delivery, releasing the id for reprocessing.
// Used when persistence fails after the id was already reserved.
func (d *InboundDeduper) Forget(ctx context.Context, teamID uuid.UUID, externalID string) error {
	return d.client.rdb.Del(ctx, d.key(teamID, externalID)).Err()
}
