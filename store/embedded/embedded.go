// Package embedded runs migrations in-process against a PocketBase app, so
// each step and its ledger entry commit in one database transaction.
package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/eqr/pbschema/migrations"
	"github.com/eqr/pbschema/schema"
)

// DefaultTable is the SQL table that holds ledger entries.
const DefaultTable = "_pbschema_ledger"

// timeLayout has a fixed width so that stored values sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000000Z"

// Backend implements SchemaStore, Ledger and Transactor over a core.App.
type Backend struct {
	app     core.App
	table   string
	appName string
	now     func() time.Time
}

// Option configures the Backend.
type Option func(*Backend)

// WithTable overrides the ledger table name.
func WithTable(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(b *Backend) {
		if trimmed != "" {
			b.table = trimmed
		}
	}
}

// WithAppName scopes ledger entries to an application name.
func WithAppName(name string) Option {
	return func(b *Backend) {
		b.appName = strings.TrimSpace(name)
	}
}

// WithClock overrides the clock used for applied_at.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New wraps a bootstrapped app. Call EnsureLedger before use.
func New(app core.App, opts ...Option) *Backend {
	b := &Backend{
		app:   app,
		table: DefaultTable,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Open bootstraps the PocketBase data directory dataDir and wraps it. The
// returned close function releases the database handles.
func Open(dataDir string, opts ...Option) (*Backend, func() error, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, nil, errors.New("data dir is required")
	}

	app := core.NewBaseApp(core.BaseAppConfig{DataDir: dataDir})
	if err := app.Bootstrap(); err != nil {
		return nil, nil, fmt.Errorf("bootstrap %s: %w", dataDir, err)
	}

	b := New(app, opts...)
	if err := b.EnsureLedger(context.Background()); err != nil {
		_ = app.ResetBootstrapState()
		return nil, nil, err
	}
	return b, app.ResetBootstrapState, nil
}

// EnsureLedger creates the ledger table when missing.
func (b *Backend) EnsureLedger(ctx context.Context) error {
	_, err := b.app.NonconcurrentDB().NewQuery(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS {{%[1]s}} (
			[[id]]         INTEGER PRIMARY KEY AUTOINCREMENT,
			[[appname]]    TEXT NOT NULL DEFAULT '',
			[[name]]       TEXT NOT NULL,
			[[applied_at]] TEXT NOT NULL,
			UNIQUE ([[appname]], [[name]])
		)`, b.table)).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("create ledger table %s: %w", b.table, err)
	}
	return nil
}

// FindCollectionByRef loads a collection by id or name.
func (b *Backend) FindCollectionByRef(_ context.Context, ref string) (*schema.Collection, error) {
	col, err := b.app.FindCollectionByNameOrId(ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: collection %s", migrations.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("find collection %s: %w", ref, err)
	}

	data, err := json.Marshal(col)
	if err != nil {
		return nil, fmt.Errorf("encode collection %s: %w", ref, err)
	}

	var out schema.Collection
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", ref, err)
	}
	return &out, nil
}

type collectionPatch struct {
	Name   string           `json:"name"`
	Fields schema.FieldList `json:"fields"`
}

// Save applies the name and fields of c to the stored collection and saves it
// through the app, so PocketBase validates the change and alters the table.
func (b *Backend) Save(ctx context.Context, c *schema.Collection) error {
	if c == nil {
		return fmt.Errorf("%w: collection is nil", migrations.ErrPersist)
	}

	col, err := b.app.FindCollectionByNameOrId(c.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: collection %s", migrations.ErrNotFound, c.ID)
		}
		return fmt.Errorf("find collection %s: %w", c.ID, err)
	}

	patch, err := json.Marshal(collectionPatch{Name: c.Name, Fields: c.Fields})
	if err != nil {
		return fmt.Errorf("%w: encode collection %s: %w", migrations.ErrPersist, c.ID, err)
	}
	if err := json.Unmarshal(patch, col); err != nil {
		return fmt.Errorf("%w: apply collection %s: %w", migrations.ErrPersist, c.ID, err)
	}

	if err := b.app.SaveWithContext(ctx, col); err != nil {
		return fmt.Errorf("%w: save collection %s: %w", migrations.ErrPersist, c.ID, err)
	}
	return nil
}

type ledgerRow struct {
	ID        int64  `db:"id"`
	AppName   string `db:"appname"`
	Name      string `db:"name"`
	AppliedAt string `db:"applied_at"`
}

// Applied returns the ledger entries of this app in insertion order.
func (b *Backend) Applied(ctx context.Context) ([]migrations.Record, error) {
	var rows []ledgerRow
	err := b.app.DB().
		Select("id", "appname", "name", "applied_at").
		From(b.table).
		Where(dbx.HashExp{"appname": b.appName}).
		OrderBy("applied_at ASC", "id ASC").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	out := make([]migrations.Record, 0, len(rows))
	for _, row := range rows {
		at, err := time.Parse(timeLayout, row.AppliedAt)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", row.Name, err)
		}
		out = append(out, migrations.Record{
			ID:        fmt.Sprint(row.ID),
			AppName:   row.AppName,
			StepID:    row.Name,
			AppliedAt: migrations.PBTime{Time: at},
		})
	}
	return out, nil
}

// Record inserts a ledger entry for stepID.
func (b *Backend) Record(ctx context.Context, stepID string) error {
	_, err := b.app.NonconcurrentDB().Insert(b.table, dbx.Params{
		"appname":    b.appName,
		"name":       stepID,
		"applied_at": b.now().UTC().Format(timeLayout),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("%w: record %s: %w", migrations.ErrPersist, stepID, err)
	}
	return nil
}

// Remove deletes the ledger entry for stepID.
func (b *Backend) Remove(ctx context.Context, stepID string) error {
	res, err := b.app.NonconcurrentDB().Delete(b.table, dbx.HashExp{
		"appname": b.appName,
		"name":    stepID,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("%w: remove %s: %w", migrations.ErrPersist, stepID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %s: %w", stepID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", migrations.ErrNotApplied, stepID)
	}
	return nil
}

// InTransaction runs fn with a store and ledger bound to one database
// transaction. Any error rolls back both the schema change and the ledger.
func (b *Backend) InTransaction(_ context.Context, fn func(store migrations.SchemaStore, ledger migrations.Ledger) error) error {
	return b.app.RunInTransaction(func(txApp core.App) error {
		tx := *b
		tx.app = txApp
		return fn(&tx, &tx)
	})
}
