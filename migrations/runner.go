package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Runner applies registered steps against a SchemaStore and keeps the Ledger
// consistent with them. Steps run strictly one after another.
type Runner struct {
	store  SchemaStore
	ledger Ledger
	tx     Transactor
	steps  []Step
	byID   map[string]Step
	logger *slog.Logger
	dryRun bool
}

// Option configures the Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDryRun makes ApplyAll, Revert, RevertTo and Prune log what they would
// do without touching the store or the ledger.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithTransactor sets the transactor used to commit each step together with
// its ledger update. Passing nil disables transactions.
func WithTransactor(tx Transactor) Option {
	return func(r *Runner) {
		r.tx = tx
	}
}

// NewRunner constructs a Runner. When store and ledger are the same value and
// it implements Transactor, each step commits atomically with its ledger
// update. A Transactor set with WithTransactor must hand fn the same ledger
// that was passed here.
func NewRunner(store SchemaStore, ledger Ledger, opts ...Option) *Runner {
	r := &Runner{
		store:  store,
		ledger: ledger,
		byID:   make(map[string]Step),
		logger: slog.Default(),
	}
	if tx, ok := store.(Transactor); ok && sameValue(store, ledger) {
		r.tx = tx
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Register adds a single step, ensuring it is valid and its id unique.
func (r *Runner) Register(s Step) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if _, exists := r.byID[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMigration, s.ID)
	}

	r.byID[s.ID] = s
	r.steps = append(r.steps, s)
	return nil
}

// RegisterAll adds multiple steps in order.
func (r *Runner) RegisterAll(steps ...Step) error {
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// Steps returns the registered steps in ascending id order.
func (r *Runner) Steps() []Step {
	return r.sortedSteps()
}

// ApplyAll runs Up for every registered step missing from the ledger, in
// ascending id order. It stops at the first failure and returns a *StepError;
// steps applied before the failure stay applied.
func (r *Runner) ApplyAll(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	appliedIDs := recordIDs(applied)

	count := 0
	for _, s := range r.sortedSteps() {
		if _, ok := appliedIDs[s.ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.dryRun {
			r.logger.Info("would apply migration", "step", s.ID, "action", s.Up.String())
			count++
			continue
		}

		r.logger.Info("applying migration", "step", s.ID, "op", s.Up.Op(), "action", s.Up.String())
		started := time.Now()
		if err := r.run(ctx, s, Up); err != nil {
			r.logger.Error("migration failed", "step", s.ID, "direction", Up, "err", err)
			return &StepError{StepID: s.ID, Direction: Up, Err: err}
		}
		r.logger.Debug("applied migration", "step", s.ID, "took", time.Since(started))
		count++
	}

	if count == 0 {
		r.logger.Info("no pending migrations")
	}
	return nil
}

// Revert runs Down for the n most recently applied steps, newest first, and
// removes them from the ledger. n <= 0 is a no-op and n is clamped to the
// number of applied steps. It stops at the first failure; reversions done
// before the failure stay committed.
func (r *Runner) Revert(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := r.check(); err != nil {
		return err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	if n > len(applied) {
		n = len(applied)
	}
	return r.revertSuffix(ctx, applied[len(applied)-n:])
}

// RevertTo reverts every step applied after stepID and then stepID itself.
// It returns ErrNotApplied without touching the store when stepID is not in
// the ledger.
func (r *Runner) RevertTo(ctx context.Context, stepID string) error {
	if err := r.check(); err != nil {
		return err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	stepID = strings.TrimSpace(stepID)
	for i, rec := range applied {
		if rec.StepID == stepID {
			return r.revertSuffix(ctx, applied[i:])
		}
	}
	return fmt.Errorf("%w: %s", ErrNotApplied, stepID)
}

// revertSuffix reverts records (oldest first) in reverse order.
func (r *Runner) revertSuffix(ctx context.Context, records []Record) error {
	steps := make([]Step, len(records))
	for i, rec := range records {
		s, ok := r.byID[rec.StepID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMigrationNotFound, rec.StepID)
		}
		steps[i] = s
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.dryRun {
			r.logger.Info("would revert migration", "step", s.ID, "action", s.Down.String())
			continue
		}

		r.logger.Info("reverting migration", "step", s.ID, "op", s.Down.Op(), "action", s.Down.String())
		if err := r.run(ctx, s, Down); err != nil {
			r.logger.Error("migration failed", "step", s.ID, "direction", Down, "err", err)
			return &StepError{StepID: s.ID, Direction: Down, Err: err}
		}
	}
	return nil
}

// run executes one direction of a step and updates the ledger, inside a
// transaction when a Transactor is configured.
func (r *Runner) run(ctx context.Context, s Step, dir Direction) error {
	commit := func(store SchemaStore, ledger Ledger) error {
		if err := s.action(dir).Apply(ctx, store); err != nil {
			return err
		}
		if dir == Up {
			if err := ledger.Record(ctx, s.ID); err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		}
		if err := ledger.Remove(ctx, s.ID); err != nil {
			return fmt.Errorf("remove migration record: %w", err)
		}
		return nil
	}

	if r.tx != nil {
		return r.tx.InTransaction(ctx, commit)
	}
	return commit(r.store, r.ledger)
}

// Pending returns registered steps that have not been applied, in run order.
func (r *Runner) Pending(ctx context.Context) ([]Step, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	appliedIDs := recordIDs(applied)

	pending := make([]Step, 0)
	for _, s := range r.sortedSteps() {
		if _, ok := appliedIDs[s.ID]; !ok {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// Applied returns the ledger records, oldest first.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.ledger.Applied(ctx)
}

// StepStatus describes one registered step or one orphaned ledger record.
type StepStatus struct {
	StepID      string
	Description string
	Applied     bool
	AppliedAt   time.Time
	// Orphaned is set for ledger records whose step is no longer registered.
	Orphaned bool
}

// Status lists every registered step in id order followed by orphaned records.
func (r *Runner) Status(ctx context.Context) ([]StepStatus, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	byStep := make(map[string]Record, len(applied))
	for _, rec := range applied {
		byStep[rec.StepID] = rec
	}

	out := make([]StepStatus, 0, len(r.steps)+len(applied))
	for _, s := range r.sortedSteps() {
		st := StepStatus{StepID: s.ID, Description: s.Description}
		if rec, ok := byStep[s.ID]; ok {
			st.Applied = true
			st.AppliedAt = rec.AppliedAt.Time
		}
		out = append(out, st)
	}

	for _, rec := range applied {
		if _, ok := r.byID[rec.StepID]; ok {
			continue
		}
		out = append(out, StepStatus{
			StepID:    rec.StepID,
			Applied:   true,
			AppliedAt: rec.AppliedAt.Time,
			Orphaned:  true,
		})
	}
	return out, nil
}

// Prune removes ledger records whose step is no longer registered and
// returns them.
func (r *Runner) Prune(ctx context.Context) ([]Record, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	pruned := make([]Record, 0)
	for _, rec := range applied {
		if _, ok := r.byID[rec.StepID]; ok {
			continue
		}
		if r.dryRun {
			r.logger.Info("would prune ledger record", "step", rec.StepID)
		} else {
			if err := r.ledger.Remove(ctx, rec.StepID); err != nil && !errors.Is(err, ErrNotApplied) {
				return pruned, fmt.Errorf("prune %s: %w", rec.StepID, err)
			}
			r.logger.Info("pruned ledger record", "step", rec.StepID)
		}
		pruned = append(pruned, rec)
	}
	return pruned, nil
}

func (r *Runner) check() error {
	if r.store == nil {
		return errors.New("runner schema store is nil")
	}
	if r.ledger == nil {
		return errors.New("runner ledger is nil")
	}
	return nil
}

func (r *Runner) sortedSteps() []Step {
	copySlice := make([]Step, len(r.steps))
	copy(copySlice, r.steps)

	sort.Slice(copySlice, func(i, j int) bool {
		return copySlice[i].ID < copySlice[j].ID
	})

	return copySlice
}

// sameValue reports whether a and b hold the same comparable value.
func sameValue(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func recordIDs(records []Record) map[string]struct{} {
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ids[rec.StepID] = struct{}{}
	}
	return ids
}
