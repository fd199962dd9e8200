package migrations

import (
	"context"

	"github.com/eqr/pbschema/schema"
)

// SchemaStore is the collection metadata backend that actions mutate.
//
// FindCollectionByRef accepts a collection id or name and returns a copy the
// caller may modify; it fails with ErrNotFound when nothing matches. Save
// persists the collection and fails with ErrPersist when the backend rejects it.
type SchemaStore interface {
	FindCollectionByRef(ctx context.Context, ref string) (*schema.Collection, error)
	Save(ctx context.Context, c *schema.Collection) error
}

// Ledger is the durable AppliedSet.
//
// Applied returns records oldest first. Remove fails with ErrNotApplied when
// the step has no record.
type Ledger interface {
	Applied(ctx context.Context) ([]Record, error)
	Record(ctx context.Context, stepID string) error
	Remove(ctx context.Context, stepID string) error
}

// Transactor runs fn in a single backend transaction. The store and ledger
// passed to fn are bound to that transaction; if fn returns an error both the
// schema change and the ledger update are discarded.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(store SchemaStore, ledger Ledger) error) error
}
