// Package remote implements the migrations SchemaStore and Ledger over the
// PocketBase REST API. Calls need a superuser token.
//
// The remote store is not transactional: the runner records a step after its
// action succeeds, so a failure between the two leaves the step applied but
// unrecorded and it is attempted again on the next run.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eqr/pbschema"
	"github.com/eqr/pbschema/migrations"
	"github.com/eqr/pbschema/schema"
)

// Store reads and saves collection schemas through /api/collections.
type Store struct {
	collections *pbschema.Collections
}

// NewStore binds a Store to an authenticated client.
func NewStore(client pbschema.AuthenticatedClient) *Store {
	return &Store{collections: pbschema.NewCollections(client)}
}

// collectionPatch is the subset of a collection the store writes back.
type collectionPatch struct {
	Name   string           `json:"name"`
	Fields schema.FieldList `json:"fields"`
}

// FindCollectionByRef fetches a collection by id or name.
func (s *Store) FindCollectionByRef(ctx context.Context, ref string) (*schema.Collection, error) {
	var c schema.Collection
	if err := s.collections.Get(ctx, ref, &c); err != nil {
		return nil, fmt.Errorf("get collection %s: %w", ref, mapError(err))
	}
	return &c, nil
}

// Save patches the collection name and fields.
func (s *Store) Save(ctx context.Context, c *schema.Collection) error {
	if c == nil {
		return fmt.Errorf("%w: collection is nil", migrations.ErrPersist)
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: collection id is required", migrations.ErrPersist)
	}

	patch := collectionPatch{Name: c.Name, Fields: c.Fields}
	if err := s.collections.Update(ctx, c.ID, patch, nil); err != nil {
		return fmt.Errorf("update collection %s: %w", c.ID, mapError(err))
	}
	return nil
}

// mapError translates HTTP sentinels into the migrations error kinds. The
// original error stays in the chain.
func mapError(err error) error {
	switch {
	case errors.Is(err, pbschema.ErrNotFound):
		return fmt.Errorf("%w: %w", migrations.ErrNotFound, err)
	case errors.Is(err, pbschema.ErrBadRequest),
		errors.Is(err, pbschema.ErrValidation),
		errors.Is(err, pbschema.ErrConflict):
		return fmt.Errorf("%w: %w", migrations.ErrPersist, err)
	}
	return err
}
