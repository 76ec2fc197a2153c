// Package contacts maps raw addresses to durable team-scoped contacts.
package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/provider"
)

// Store is the persistence surface the resolver needs.
type Store interface {
	UpsertContact(ctx context.Context, teamID uuid.UUID, phone string) (*db.Contact, error)
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
}

// Resolver resolves raw provider addresses to contacts, creating them
// lazily on first contact with a new address.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve normalizes an address and returns the contact for
// (team, normalized address), creating one with no display name when
// absent. The underlying upsert is atomic, so two webhooks racing on the
// same address yield exactly one contact row.
func (r *Resolver) Resolve(ctx context.Context, teamID uuid.UUID, address string) (*db.Contact, error) {
	normalized := provider.NormalizeAddress(address)
	if normalized == "" {
		return nil, errors.New("address is empty after normalization")
	}

	contact, err := r.store.UpsertContact(ctx, teamID, normalized)
	if err != nil {
		return nil, fmt.Errorf("resolve contact %q: %w", normalized, err)
	}

	return contact, nil
}

// Lookup fetches an existing contact by id.
func (r *Resolver) Lookup(ctx context.Context, id uuid.UUID) (*db.Contact, error) {
	return r.store.GetContact(ctx, id)
}
