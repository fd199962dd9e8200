package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eqr/pbschema"
	"github.com/eqr/pbschema/migrations"
)

// Ledger stores applied steps as records of a PocketBase collection.
type Ledger struct {
	collections    *pbschema.Collections
	records        *pbschema.Repository[migrations.Record]
	collectionName string
	appName        string
	autoCreate     bool
	now            func() time.Time
	logger         *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// LedgerOption configures the Ledger.
type LedgerOption func(*Ledger)

// WithCollectionName overrides the default ledger collection name.
func WithCollectionName(name string) LedgerOption {
	trimmed := strings.TrimSpace(name)
	return func(l *Ledger) {
		if trimmed != "" {
			l.collectionName = trimmed
		}
	}
}

// WithAutoCreate controls whether the ledger collection is created
// automatically when missing. Defaults to true.
func WithAutoCreate(autoCreate bool) LedgerOption {
	return func(l *Ledger) {
		l.autoCreate = autoCreate
	}
}

// WithAppName scopes the ledger to one application so that several apps can
// share a collection.
func WithAppName(name string) LedgerOption {
	return func(l *Ledger) {
		l.appName = strings.TrimSpace(name)
	}
}

// WithLedgerLogger sets the logger used when the collection is created.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used for applied_at.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger constructs a Ledger with optional configuration.
func NewLedger(client pbschema.AuthenticatedClient, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		collectionName: migrations.DefaultLedgerName,
		autoCreate:     true,
		now:            time.Now,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	l.collections = pbschema.NewCollections(client)
	l.records = pbschema.NewRepository[migrations.Record](client, l.collectionName)
	return l
}

// CollectionName returns the name of the ledger collection.
func (l *Ledger) CollectionName() string {
	return l.collectionName
}

// EnsureCollection checks that the ledger collection exists and creates it
// when auto-creation is enabled. It returns ErrCollectionNotFound otherwise.
func (l *Ledger) EnsureCollection(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ensured {
		return nil
	}

	exists, err := l.collections.Exists(ctx, l.collectionName)
	if err != nil {
		return fmt.Errorf("check ledger collection %s: %w", l.collectionName, err)
	}

	if !exists {
		if !l.autoCreate {
			return fmt.Errorf("%w: %s", migrations.ErrCollectionNotFound, l.collectionName)
		}
		if err := l.createCollection(ctx); err != nil {
			return err
		}
		l.logger.Info("created ledger collection", "collection", l.collectionName)
	}

	l.ensured = true
	return nil
}

// createCollection creates the ledger collection. Its API rules are left
// null so only superusers can read or write it.
func (l *Ledger) createCollection(ctx context.Context) error {
	name := l.collectionName
	payload := map[string]any{
		"name":       name,
		"type":       "base",
		"listRule":   nil,
		"viewRule":   nil,
		"createRule": nil,
		"updateRule": nil,
		"deleteRule": nil,
		"fields": []map[string]any{
			{"name": "name", "type": "text", "required": true},
			{"name": "appname", "type": "text"},
			{"name": "applied_at", "type": "date", "required": true},
		},
		"indexes": []string{
			fmt.Sprintf("CREATE UNIQUE INDEX idx_%s_appname_name ON %s (appname, name)", name, name),
		},
	}

	if err := l.collections.Create(ctx, payload, nil); err != nil {
		return fmt.Errorf("create ledger collection %s: %w", name, err)
	}
	return nil
}

// Applied returns the records of this ledger's app, oldest first.
func (l *Ledger) Applied(ctx context.Context) ([]migrations.Record, error) {
	if err := l.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	records, err := l.records.All(ctx, pbschema.ListOptions{
		Filter: pbschema.Eq("appname", l.appName),
		Sort:   "applied_at",
		Fields: []string{"id", "appname", "name", "applied_at"},
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger records: %w", err)
	}

	migrations.SortRecords(records)
	return records, nil
}

// Record adds a ledger entry for stepID.
func (l *Ledger) Record(ctx context.Context, stepID string) error {
	if err := l.EnsureCollection(ctx); err != nil {
		return err
	}

	_, err := l.records.Create(ctx, migrations.Record{
		AppName:   l.appName,
		StepID:    stepID,
		AppliedAt: migrations.PBTime{Time: l.now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("create ledger record %s: %w", stepID, mapError(err))
	}
	return nil
}

// Remove deletes every ledger entry for stepID in this app. It returns
// ErrNotApplied when there is none.
func (l *Ledger) Remove(ctx context.Context, stepID string) error {
	if err := l.EnsureCollection(ctx); err != nil {
		return err
	}

	records, err := l.records.All(ctx, pbschema.ListOptions{
		Filter: pbschema.And(pbschema.Eq("appname", l.appName), pbschema.Eq("name", stepID)),
		Fields: []string{"id", "name"},
	})
	if err != nil {
		return fmt.Errorf("find ledger record %s: %w", stepID, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s", migrations.ErrNotApplied, stepID)
	}

	for _, rec := range records {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return fmt.Errorf("%w: missing record id for %s", migrations.ErrPersist, stepID)
		}
		if err := l.records.Delete(ctx, id); err != nil && !errors.Is(err, pbschema.ErrNotFound) {
			return fmt.Errorf("delete ledger record %s: %w", stepID, err)
		}
	}
	return nil
}
