// Package store persists contacts. All list results are ordered by created_at
// ascending with id as the tie-break, and soft-deleted rows are never returned.
package store

import (
	"context"

	"bitespeed/internal/models"
)

// Store is the set of contact operations the reconciliation engine relies on.
type Store interface {
	// FindByEmailOrPhone returns contacts matching either identifier. Nil
	// identifiers take no part in the match.
	FindByEmailOrPhone(ctx context.Context, email, phoneNumber *string) ([]*models.Contact, error)
	FindByIDs(ctx context.Context, ids []int64) ([]*models.Contact, error)
	// FindByID returns sentinel.ErrNotFound when no contact has the id.
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	// FindByPrimaryOrLinked returns the primary itself plus every contact linked to it.
	FindByPrimaryOrLinked(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	Create(ctx context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error)
	Update(ctx context.Context, id int64, update models.ContactUpdate) error
	// UpdateManyLinkedID re-points every contact linked to oldLinkedID.
	UpdateManyLinkedID(ctx context.Context, oldLinkedID, newLinkedID int64) error
}

// Transactor provides the transactional boundary for contact mutations.
// Implementations may wrap a database transaction or, in-memory, a coarse lock.
// Errors from fn roll back every write made through the supplied Store.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(s Store) error) error
}
