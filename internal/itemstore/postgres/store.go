// Package postgres provides a PostgreSQL-backed [itemstore.Store].
//
// All operations share a single [pgxpool.Pool] connection pool. [Migrate]
// installs the schema idempotently on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	item, _ := store.Create(ctx, itemstore.Item{Kind: itemstore.KindTodo, Title: "buy milk"})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daygrid/daygrid/internal/itemstore"
)

// Compile-time interface check.
var _ itemstore.Store = (*Store)(nil)

const ddlItems = `
CREATE TABLE IF NOT EXISTS items (
    id          TEXT         PRIMARY KEY,
    kind        TEXT         NOT NULL,
    title       TEXT         NOT NULL,
    notes       TEXT         NOT NULL DEFAULT '',
    start_at    TIMESTAMPTZ,
    end_at      TIMESTAMPTZ,
    recurrence  TEXT         NOT NULL DEFAULT '',
    category_id TEXT         NOT NULL DEFAULT '',
    done        BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_kind     ON items (kind);
CREATE INDEX IF NOT EXISTS idx_items_start_at ON items (start_at);
CREATE INDEX IF NOT EXISTS idx_items_category ON items (category_id);

CREATE TABLE IF NOT EXISTS categories (
    id    TEXT  PRIMARY KEY,
    name  TEXT  NOT NULL
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlItems); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed item store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const itemColumns = "id, kind, title, notes, start_at, end_at, recurrence, category_id, done, created_at, updated_at"

func (s *Store) Create(ctx context.Context, item itemstore.Item) (itemstore.Item, error) {
	if !item.Kind.Valid() {
		return itemstore.Item{}, fmt.Errorf("postgres store: create: invalid kind %q", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO items (id, kind, title, notes, start_at, end_at, recurrence, category_id, done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + itemColumns

	row := s.pool.QueryRow(ctx, q,
		item.ID, string(item.Kind), item.Title, item.Notes,
		nullTime(item.StartAt), nullTime(item.EndAt),
		item.Recurrence, item.CategoryID, item.Done,
	)
	created, err := scanItem(row)
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("postgres store: create: %w", err)
	}
	return created, nil
}

func (s *Store) Update(ctx context.Context, item itemstore.Item) (itemstore.Item, error) {
	const q = `
		UPDATE items
		SET    kind = $2, title = $3, notes = $4, start_at = $5, end_at = $6,
		       recurrence = $7, category_id = $8, done = $9, updated_at = now()
		WHERE  id = $1
		RETURNING ` + itemColumns

	row := s.pool.QueryRow(ctx, q,
		item.ID, string(item.Kind), item.Title, item.Notes,
		nullTime(item.StartAt), nullTime(item.EndAt),
		item.Recurrence, item.CategoryID, item.Done,
	)
	updated, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return itemstore.Item{}, fmt.Errorf("postgres store: update %q: %w", item.ID, itemstore.ErrNotFound)
	}
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("postgres store: update: %w", err)
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: delete %q: %w", id, itemstore.ErrNotFound)
	}
	return nil
}

func (s *Store) BulkCreate(ctx context.Context, items []itemstore.Item) ([]itemstore.Item, error) {
	var created []itemstore.Item
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		created = make([]itemstore.Item, len(items))
		for i, item := range items {
			if !item.Kind.Valid() {
				return fmt.Errorf("invalid kind %q", item.Kind)
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			const q = `
				INSERT INTO items (id, kind, title, notes, start_at, end_at, recurrence, category_id, done)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING ` + itemColumns
			row := tx.QueryRow(ctx, q,
				item.ID, string(item.Kind), item.Title, item.Notes,
				nullTime(item.StartAt), nullTime(item.EndAt),
				item.Recurrence, item.CategoryID, item.Done,
			)
			c, err := scanItem(row)
			if err != nil {
				return err
			}
			created[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: bulk create: %w", err)
	}
	return created, nil
}

func (s *Store) BulkUpdate(ctx context.Context, items []itemstore.Item) ([]itemstore.Item, error) {
	var updated []itemstore.Item
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated = make([]itemstore.Item, len(items))
		for i, item := range items {
			const q = `
				UPDATE items
				SET    kind = $2, title = $3, notes = $4, start_at = $5, end_at = $6,
				       recurrence = $7, category_id = $8, done = $9, updated_at = now()
				WHERE  id = $1
				RETURNING ` + itemColumns
			row := tx.QueryRow(ctx, q,
				item.ID, string(item.Kind), item.Title, item.Notes,
				nullTime(item.StartAt), nullTime(item.EndAt),
				item.Recurrence, item.CategoryID, item.Done,
			)
			u, err := scanItem(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update %q: %w", item.ID, itemstore.ErrNotFound)
			}
			if err != nil {
				return err
			}
			updated[i] = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: bulk update: %w", err)
	}
	return updated, nil
}

func (s *Store) BulkDelete(ctx context.Context, ids []string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, id := range ids {
			tag, err := tx.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("delete %q: %w", id, itemstore.ErrNotFound)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: bulk delete: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, opts itemstore.SearchOpts) ([]itemstore.Item, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"TRUE"}
	if opts.Query != "" {
		p := next("%" + opts.Query + "%")
		conditions = append(conditions, fmt.Sprintf("(title ILIKE %s OR notes ILIKE %s)", p, p))
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = "+next(string(opts.Kind)))
	}
	if opts.CategoryID != "" {
		conditions = append(conditions, "category_id = "+next(opts.CategoryID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "start_at >= "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "start_at < "+next(opts.Before))
	}
	if opts.Done != nil {
		conditions = append(conditions, "done = "+next(*opts.Done))
	}

	q := "SELECT " + itemColumns + "\nFROM items\nWHERE " +
		strings.Join(conditions, "\n  AND ") +
		"\nORDER BY start_at NULLS LAST, title"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectItems(rows)
}

func (s *Store) CheckConflicts(ctx context.Context, from, to time.Time) ([]itemstore.Conflict, error) {
	// Self-join on overlapping ranges; a.id < b.id keeps each pair once.
	const q = `
		SELECT a.id, a.kind, a.title, a.notes, a.start_at, a.end_at, a.recurrence, a.category_id, a.done, a.created_at, a.updated_at,
		       b.id, b.kind, b.title, b.notes, b.start_at, b.end_at, b.recurrence, b.category_id, b.done, b.created_at, b.updated_at
		FROM   items a
		JOIN   items b ON a.id < b.id
		WHERE  a.start_at IS NOT NULL AND a.end_at IS NOT NULL
		  AND  b.start_at IS NOT NULL AND b.end_at IS NOT NULL
		  AND  a.start_at < b.end_at AND b.start_at < a.end_at
		  AND  a.end_at >= $1 AND a.start_at <= $2
		  AND  b.end_at >= $1 AND b.start_at <= $2
		ORDER  BY a.start_at, b.start_at`

	rows, err := s.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres store: check conflicts: %w", err)
	}
	conflicts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (itemstore.Conflict, error) {
		var a, b scannedItem
		if err := row.Scan(
			&a.ID, &a.Kind, &a.Title, &a.Notes, &a.StartAt, &a.EndAt, &a.Recurrence, &a.CategoryID, &a.Done, &a.CreatedAt, &a.UpdatedAt,
			&b.ID, &b.Kind, &b.Title, &b.Notes, &b.StartAt, &b.EndAt, &b.Recurrence, &b.CategoryID, &b.Done, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return itemstore.Conflict{}, err
		}
		c := itemstore.Conflict{A: a.item(), B: b.item()}
		c.Overlap = overlap(c.A, c.B)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: check conflicts: scan: %w", err)
	}
	if conflicts == nil {
		conflicts = []itemstore.Conflict{}
	}
	return conflicts, nil
}

func overlap(a, b itemstore.Item) time.Duration {
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

func (s *Store) Reschedule(ctx context.Context, id string, startAt, endAt time.Time) (itemstore.Item, error) {
	const q = `
		UPDATE items
		SET    start_at = $2, end_at = $3, updated_at = now()
		WHERE  id = $1
		RETURNING ` + itemColumns

	row := s.pool.QueryRow(ctx, q, id, nullTime(startAt), nullTime(endAt))
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return itemstore.Item{}, fmt.Errorf("postgres store: reschedule %q: %w", id, itemstore.ErrNotFound)
	}
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("postgres store: reschedule: %w", err)
	}
	return item, nil
}

// ExpandRecurring reads every recurring item and materialises its occurrences
// in Go. Recurrence arithmetic (calendar-aware month stepping) is simpler here
// than in SQL and the recurring-item count is small.
func (s *Store) ExpandRecurring(ctx context.Context, from, to time.Time) ([]itemstore.Occurrence, error) {
	const q = `
		SELECT ` + itemColumns + `
		FROM   items
		WHERE  recurrence <> '' AND start_at IS NOT NULL`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: expand recurring: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	return itemstore.ExpandOccurrences(items, from, to), nil
}

func (s *Store) Snapshot(ctx context.Context) (itemstore.Snapshot, error) {
	snap := itemstore.Snapshot{TakenAt: time.Now()}

	rows, err := s.pool.Query(ctx, "SELECT "+itemColumns+" FROM items ORDER BY start_at NULLS LAST, title")
	if err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("postgres store: snapshot items: %w", err)
	}
	snap.Items, err = collectItems(rows)
	if err != nil {
		return itemstore.Snapshot{}, err
	}

	catRows, err := s.pool.Query(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("postgres store: snapshot categories: %w", err)
	}
	snap.Categories, err = pgx.CollectRows(catRows, func(row pgx.CollectableRow) (itemstore.Category, error) {
		var c itemstore.Category
		err := row.Scan(&c.ID, &c.Name)
		return c, err
	})
	if err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("postgres store: snapshot categories: scan: %w", err)
	}
	if snap.Categories == nil {
		snap.Categories = []itemstore.Category{}
	}
	return snap, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Row scanning
// ─────────────────────────────────────────────────────────────────────────────

// scannedItem mirrors itemstore.Item with nullable timestamps for scanning.
type scannedItem struct {
	ID         string
	Kind       string
	Title      string
	Notes      string
	StartAt    *time.Time
	EndAt      *time.Time
	Recurrence string
	CategoryID string
	Done       bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (si scannedItem) item() itemstore.Item {
	item := itemstore.Item{
		ID:         si.ID,
		Kind:       itemstore.Kind(si.Kind),
		Title:      si.Title,
		Notes:      si.Notes,
		Recurrence: si.Recurrence,
		CategoryID: si.CategoryID,
		Done:       si.Done,
		CreatedAt:  si.CreatedAt,
		UpdatedAt:  si.UpdatedAt,
	}
	if si.StartAt != nil {
		item.StartAt = *si.StartAt
	}
	if si.EndAt != nil {
		item.EndAt = *si.EndAt
	}
	return item
}

func scanItem(row pgx.Row) (itemstore.Item, error) {
	var si scannedItem
	if err := row.Scan(
		&si.ID, &si.Kind, &si.Title, &si.Notes, &si.StartAt, &si.EndAt,
		&si.Recurrence, &si.CategoryID, &si.Done, &si.CreatedAt, &si.UpdatedAt,
	); err != nil {
		return itemstore.Item{}, err
	}
	return si.item(), nil
}

// collectItems scans pgx rows into a slice of Item values.
func collectItems(rows pgx.Rows) ([]itemstore.Item, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (itemstore.Item, error) {
		return scanItem(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if items == nil {
		items = []itemstore.Item{}
	}
	return items, nil
}

// nullTime maps a zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
