// Package memory provides an in-process SchemaStore, Ledger and Transactor.
// It is used for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eqr/pbschema/migrations"
	"github.com/eqr/pbschema/schema"
)

// Store keeps collections and the applied set in memory. Every read returns a
// copy and every write stores a copy.
type Store struct {
	mu          sync.Mutex
	collections map[string]*schema.Collection
	applied     []migrations.Record
	appName     string
	now         func() time.Time
	lastApplied time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithAppName scopes ledger records to an application name.
func WithAppName(name string) Option {
	return func(s *Store) {
		s.appName = strings.TrimSpace(name)
	}
}

// WithClock overrides the clock used for AppliedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*schema.Collection),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put seeds or replaces a collection without validation.
func (s *Store) Put(c *schema.Collection) error {
	clone, err := c.Clone()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[clone.ID] = clone
	return nil
}

// Collections returns copies of all collections ordered by id.
func (s *Store) Collections() ([]*schema.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.collections))
	for id := range s.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*schema.Collection, 0, len(ids))
	for _, id := range ids {
		clone, err := s.collections[id].Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

// FindCollectionByRef looks a collection up by id, then by case-insensitive name.
func (s *Store) FindCollectionByRef(_ context.Context, ref string) (*schema.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.lookup(ref)
	if c == nil {
		return nil, fmt.Errorf("%w: collection %s", migrations.ErrNotFound, ref)
	}
	return c.Clone()
}

func (s *Store) lookup(ref string) *schema.Collection {
	if c, ok := s.collections[ref]; ok {
		return c
	}
	for _, c := range s.collections {
		if strings.EqualFold(c.Name, ref) {
			return c
		}
	}
	return nil
}

// Save validates and stores c. Invalid collections and names already used by
// another collection are rejected with ErrPersist.
func (s *Store) Save(_ context.Context, c *schema.Collection) error {
	if c == nil {
		return fmt.Errorf("%w: collection is nil", migrations.ErrPersist)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: collection %s: %w", migrations.ErrPersist, c.ID, err)
	}

	clone, err := c.Clone()
	if err != nil {
		return fmt.Errorf("%w: %w", migrations.ErrPersist, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.collections {
		if id != clone.ID && strings.EqualFold(other.Name, clone.Name) {
			return fmt.Errorf("%w: collection name %q is already used by %s", migrations.ErrPersist, clone.Name, id)
		}
	}
	s.collections[clone.ID] = clone
	return nil
}

// Applied returns the ledger records in application order.
func (s *Store) Applied(_ context.Context) ([]migrations.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]migrations.Record, len(s.applied))
	copy(out, s.applied)
	return out, nil
}

// Record appends stepID to the ledger.
func (s *Store) Record(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.applied {
		if rec.StepID == stepID {
			return fmt.Errorf("%w: %s already recorded", migrations.ErrPersist, stepID)
		}
	}

	// Keep AppliedAt strictly increasing so that ordering by time matches
	// insertion order even on coarse clocks.
	at := s.now().UTC()
	if !at.After(s.lastApplied) {
		at = s.lastApplied.Add(time.Nanosecond)
	}
	s.lastApplied = at

	s.applied = append(s.applied, migrations.Record{
		ID:        fmt.Sprintf("mem%06d", len(s.applied)+1),
		AppName:   s.appName,
		StepID:    stepID,
		AppliedAt: migrations.PBTime{Time: at},
	})
	return nil
}

// Remove deletes stepID from the ledger.
func (s *Store) Remove(_ context.Context, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.applied {
		if rec.StepID == stepID {
			s.applied = append(s.applied[:i:i], s.applied[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", migrations.ErrNotApplied, stepID)
}

// InTransaction runs fn against the store and restores the previous
// collections and ledger if fn fails.
func (s *Store) InTransaction(_ context.Context, fn func(store migrations.SchemaStore, ledger migrations.Ledger) error) error {
	s.mu.Lock()
	collections := make(map[string]*schema.Collection, len(s.collections))
	for id, c := range s.collections {
		collections[id] = c
	}
	applied := make([]migrations.Record, len(s.applied))
	copy(applied, s.applied)
	lastApplied := s.lastApplied
	s.mu.Unlock()

	if err := fn(s, s); err != nil {
		s.mu.Lock()
		s.collections = collections
		s.applied = applied
		s.lastApplied = lastApplied
		s.mu.Unlock()
		return err
	}
	return nil
}
