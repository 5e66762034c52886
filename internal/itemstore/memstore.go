package itemstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store] used in tests and local development.
// All operations are safe for concurrent use.
type MemStore struct {
	mu         sync.RWMutex
	items      map[string]Item
	categories map[string]Category
	now        func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		items:      make(map[string]Item),
		categories: make(map[string]Category),
		now:        time.Now,
	}
}

// AddCategory registers a category so snapshots can report it. Primarily for
// seeding test fixtures.
func (s *MemStore) AddCategory(c Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.categories[c.ID] = c
}

func (s *MemStore) Create(_ context.Context, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(item)
}

func (s *MemStore) createLocked(item Item) (Item, error) {
	if !item.Kind.Valid() {
		return Item{}, fmt.Errorf("memstore: create: invalid kind %q", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	return item, nil
}

func (s *MemStore) Update(_ context.Context, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(item)
}

func (s *MemStore) updateLocked(item Item) (Item, error) {
	prev, ok := s.items[item.ID]
	if !ok {
		return Item{}, fmt.Errorf("memstore: update %q: %w", item.ID, ErrNotFound)
	}
	item.CreatedAt = prev.CreatedAt
	item.UpdatedAt = s.now()
	s.items[item.ID] = item
	return item, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("memstore: delete %q: %w", id, ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

func (s *MemStore) BulkCreate(ctx context.Context, items []Item) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if !item.Kind.Valid() {
			return nil, fmt.Errorf("memstore: bulk create: invalid kind %q", item.Kind)
		}
	}
	created := make([]Item, len(items))
	for i, item := range items {
		c, err := s.createLocked(item)
		if err != nil {
			return nil, err
		}
		created[i] = c
	}
	return created, nil
}

func (s *MemStore) BulkUpdate(ctx context.Context, items []Item) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything so a missing ID
	// leaves the store unchanged.
	for _, item := range items {
		if _, ok := s.items[item.ID]; !ok {
			return nil, fmt.Errorf("memstore: bulk update %q: %w", item.ID, ErrNotFound)
		}
	}
	updated := make([]Item, len(items))
	for i, item := range items {
		u, err := s.updateLocked(item)
		if err != nil {
			return nil, err
		}
		updated[i] = u
	}
	return updated, nil
}

func (s *MemStore) BulkDelete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.items[id]; !ok {
			return fmt.Errorf("memstore: bulk delete %q: %w", id, ErrNotFound)
		}
	}
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}

func (s *MemStore) Search(_ context.Context, opts SearchOpts) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(opts.Query)
	results := []Item{}
	for _, item := range s.items {
		if query != "" &&
			!strings.Contains(strings.ToLower(item.Title), query) &&
			!strings.Contains(strings.ToLower(item.Notes), query) {
			continue
		}
		if opts.Kind != "" && item.Kind != opts.Kind {
			continue
		}
		if opts.CategoryID != "" && item.CategoryID != opts.CategoryID {
			continue
		}
		if !opts.After.IsZero() && item.StartAt.Before(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !item.StartAt.Before(opts.Before) {
			continue
		}
		if opts.Done != nil && item.Done != *opts.Done {
			continue
		}
		results = append(results, item)
	}

	sortItems(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *MemStore) CheckConflicts(_ context.Context, from, to time.Time) ([]Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scheduled := []Item{}
	for _, item := range s.items {
		if item.StartAt.IsZero() || item.EndAt.IsZero() {
			continue
		}
		if item.EndAt.Before(from) || item.StartAt.After(to) {
			continue
		}
		scheduled = append(scheduled, item)
	}
	sortItems(scheduled)

	conflicts := []Conflict{}
	for i := 0; i < len(scheduled); i++ {
		for j := i + 1; j < len(scheduled); j++ {
			overlap := overlapDuration(scheduled[i], scheduled[j])
			if overlap > 0 {
				conflicts = append(conflicts, Conflict{
					A:       scheduled[i],
					B:       scheduled[j],
					Overlap: overlap,
				})
			}
		}
	}
	return conflicts, nil
}

func overlapDuration(a, b Item) time.Duration {
	start := a.StartAt
	if b.StartAt.After(start) {
		start = b.StartAt
	}
	end := a.EndAt
	if b.EndAt.Before(end) {
		end = b.EndAt
	}
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

func (s *MemStore) Reschedule(_ context.Context, id string, startAt, endAt time.Time) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("memstore: reschedule %q: %w", id, ErrNotFound)
	}
	item.StartAt = startAt
	item.EndAt = endAt
	item.UpdatedAt = s.now()
	s.items[id] = item
	return item, nil
}

func (s *MemStore) ExpandRecurring(_ context.Context, from, to time.Time) ([]Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recurring := []Item{}
	for _, item := range s.items {
		if item.Recurrence != "" && !item.StartAt.IsZero() {
			recurring = append(recurring, item)
		}
	}
	return ExpandOccurrences(recurring, from, to), nil
}

func (s *MemStore) Snapshot(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Items:      make([]Item, 0, len(s.items)),
		Categories: make([]Category, 0, len(s.categories)),
		TakenAt:    s.now(),
	}
	for _, item := range s.items {
		snap.Items = append(snap.Items, item)
	}
	for _, c := range s.categories {
		snap.Categories = append(snap.Categories, c)
	}
	sortItems(snap.Items)
	sort.Slice(snap.Categories, func(i, j int) bool {
		return snap.Categories[i].Name < snap.Categories[j].Name
	})
	return snap, nil
}

// sortItems orders by start time then title, unscheduled items last.
func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.StartAt.IsZero() && !b.StartAt.IsZero():
			return false
		case !a.StartAt.IsZero() && b.StartAt.IsZero():
			return true
		case !a.StartAt.Equal(b.StartAt):
			return a.StartAt.Before(b.StartAt)
		}
		return a.Title < b.Title
	})
}
