// Package itemstore defines the persistent item model behind the voice
// assistant's scheduling operations.
//
// An [Item] is a single dashboard entry: a todo, goal, calendar event, routine
// or note. The [Store] interface exposes the mutation and query surface the
// function-call dispatcher invokes on the model's behalf, plus the composite
// scheduling operations (conflict check, reschedule, recurring expansion).
//
// The interface is public so that alternative backends (PostgreSQL, SQLite,
// in-memory, …) can be supplied without depending on daygrid internals.
//
// Every implementation must be safe for concurrent use.
package itemstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by operations that reference an item ID not present
// in the store.
var ErrNotFound = errors.New("itemstore: item not found")

// Kind classifies a dashboard item.
type Kind string

const (
	KindTodo    Kind = "todo"
	KindGoal    Kind = "goal"
	KindEvent   Kind = "event"
	KindRoutine Kind = "routine"
	KindNote    Kind = "note"
)

// Valid reports whether k is one of the known item kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTodo, KindGoal, KindEvent, KindRoutine, KindNote:
		return true
	}
	return false
}

// Item is a single user-owned dashboard entry.
type Item struct {
	// ID is the unique identifier for this item (a UUID).
	ID string

	// Kind classifies the item (todo, goal, event, routine, note).
	Kind Kind

	// Title is the short human-visible label.
	Title string

	// Notes holds free-form detail text. May be empty.
	Notes string

	// StartAt is when a scheduled item begins. Zero for unscheduled items.
	StartAt time.Time

	// EndAt is when a scheduled item ends. Zero for open-ended or
	// unscheduled items.
	EndAt time.Time

	// Recurrence is an optional repetition rule ("daily", "weekly",
	// "monthly"). Empty for one-off items.
	Recurrence string

	// CategoryID groups the item under a user-defined category.
	// Empty means uncategorised.
	CategoryID string

	// Done marks a todo or routine occurrence as completed.
	Done bool

	// CreatedAt and UpdatedAt are maintained by the store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Category is a user-defined grouping for items.
type Category struct {
	ID   string
	Name string
}

// Snapshot is a point-in-time read of the full item and category state. The
// dispatcher fetches one before building tool context and refreshes it after
// every mutating call.
type Snapshot struct {
	Items      []Item
	Categories []Category

	// TakenAt is when the snapshot was read.
	TakenAt time.Time
}

// SearchOpts configures a Search call. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// Query matches against title and notes. Empty matches everything.
	Query string

	// Kind restricts results to a single item kind.
	Kind Kind

	// CategoryID restricts results to one category.
	CategoryID string

	// After filters items starting at or after this instant.
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters items starting before this instant.
	// A zero Time disables the upper bound.
	Before time.Time

	// Done filters on completion state when non-nil.
	Done *bool

	// Limit caps the number of results. 0 means no cap.
	Limit int
}

// Conflict describes two scheduled items whose time ranges overlap.
type Conflict struct {
	A, B Item

	// Overlap is the duration for which both items are active.
	Overlap time.Duration
}

// Occurrence is one concrete instance of a recurring item within an
// expansion window.
type Occurrence struct {
	Item    Item
	StartAt time.Time
	EndAt   time.Time
}

// Store is the full item persistence surface. Mutating operations assign
// CreatedAt/UpdatedAt themselves; callers provide the rest.
type Store interface {
	// Create inserts item and returns it with ID and timestamps filled in.
	// If item.ID is empty a new UUID is assigned.
	Create(ctx context.Context, item Item) (Item, error)

	// Update replaces the stored item with the same ID and returns the
	// updated value. Returns [ErrNotFound] if no such item exists.
	Update(ctx context.Context, item Item) (Item, error)

	// Delete removes the item with the given ID.
	// Returns [ErrNotFound] if no such item exists.
	Delete(ctx context.Context, id string) error

	// BulkCreate inserts all items, assigning IDs where missing.
	// Either every item is created or none are.
	BulkCreate(ctx context.Context, items []Item) ([]Item, error)

	// BulkUpdate replaces all given items. Either every item is updated or
	// none are; a missing ID fails the whole batch with [ErrNotFound].
	BulkUpdate(ctx context.Context, items []Item) ([]Item, error)

	// BulkDelete removes all given IDs. Either every item is deleted or
	// none are; a missing ID fails the whole batch with [ErrNotFound].
	BulkDelete(ctx context.Context, ids []string) error

	// Search returns items matching opts, ordered by StartAt then title.
	Search(ctx context.Context, opts SearchOpts) ([]Item, error)

	// CheckConflicts returns every pair of scheduled items whose time
	// ranges overlap within the given window.
	CheckConflicts(ctx context.Context, from, to time.Time) ([]Conflict, error)

	// Reschedule moves the item to a new start/end and returns it.
	// Returns [ErrNotFound] if no such item exists.
	Reschedule(ctx context.Context, id string, startAt, endAt time.Time) (Item, error)

	// ExpandRecurring materialises the occurrences of every recurring item
	// within the window, ordered by start time.
	ExpandRecurring(ctx context.Context, from, to time.Time) ([]Occurrence, error)

	// Snapshot returns a point-in-time copy of all items and categories.
	Snapshot(ctx context.Context) (Snapshot, error)
}
