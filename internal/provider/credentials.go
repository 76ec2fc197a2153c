package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/metrics"
)

// CredentialSource loads a team's provider credentials from durable storage.
type CredentialSource interface {
	GetCredentials(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error)
}

type cacheEntry struct {
	creds       db.Credentials
	refreshedAt time.Time
}

// CredentialCache is a process-local, read-mostly cache of per-team provider
// credentials. Entries expire after a bounded TTL and can be evicted
// explicitly via Invalidate when a team's credentials change.
type CredentialCache struct {
	source   CredentialSource
	defaults db.Credentials // process-level fallback for teams with no row
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]cacheEntry
}

// NewCredentialCache creates a credential cache. defaults may be zero; in
// that case teams without stored credentials fail with ConfigurationError.
func NewCredentialCache(source CredentialSource, defaults db.Credentials, ttl time.Duration, logger *zap.Logger) *CredentialCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CredentialCache{
		source:   source,
		defaults: defaults,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[uuid.UUID]cacheEntry),
	}
}

// Resolve returns the credentials for a team, serving from cache while the
// entry is fresh.
func (c *CredentialCache) Resolve(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error) {
	c.mu.RLock()
	entry, ok := c.entries[teamID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.refreshedAt) < c.ttl {
		metrics.RecordCredentialCacheLookup("hit")
		creds := entry.creds
		return &creds, nil
	}

	if ok {
		metrics.RecordCredentialCacheLookup("expired")
	} else {
		metrics.RecordCredentialCacheLookup("miss")
	}

	creds, err := c.load(ctx, teamID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[teamID] = cacheEntry{creds: *creds, refreshedAt: c.now()}
	c.mu.Unlock()

	return creds, nil
}

// Invalidate evicts a team's cache entry. Called when credentials are
// updated so the next send sees the new values immediately.
func (c *CredentialCache) Invalidate(teamID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, teamID)
	c.mu.Unlock()

	c.logger.Info("credential cache entry invalidated",
		zap.String("team_id", teamID.String()),
	)
}

func (c *CredentialCache) load(ctx context.Context, teamID uuid.UUID) (*db.Credentials, error) {
	creds, err := c.source.GetCredentials(ctx, teamID)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if c.defaults.AccountSID == "" || c.defaults.AuthToken == "" {
		return nil, &ConfigurationError{Reason: "no credentials configured for team " + teamID.String()}
	}

	c.logger.Debug("using process-level provider credentials",
		zap.String("team_id", teamID.String()),
	)

	fallback := c.defaults
	fallback.TeamID = teamID
	return &fallback, nil
}
