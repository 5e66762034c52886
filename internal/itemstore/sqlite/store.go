// Package sqlite provides a SQLite-backed [itemstore.Store]. It is the
// default local backend: a single file, no daemon.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/daygrid/daygrid/internal/itemstore"
)

// Compile-time interface check.
var _ itemstore.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id          TEXT     PRIMARY KEY,
    kind        TEXT     NOT NULL,
    title       TEXT     NOT NULL,
    notes       TEXT     NOT NULL DEFAULT '',
    start_at    INTEGER,
    end_at      INTEGER,
    recurrence  TEXT     NOT NULL DEFAULT '',
    category_id TEXT     NOT NULL DEFAULT '',
    done        INTEGER  NOT NULL DEFAULT 0,
    created_at  INTEGER  NOT NULL,
    updated_at  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_kind     ON items (kind);
CREATE INDEX IF NOT EXISTS idx_items_start_at ON items (start_at);
CREATE INDEX IF NOT EXISTS idx_items_category ON items (category_id);

CREATE TABLE IF NOT EXISTS categories (
    id    TEXT  PRIMARY KEY,
    name  TEXT  NOT NULL
);
`

// Store provides SQLite-backed item persistence. Timestamps are stored as
// Unix milliseconds (UTC). All operations are safe for concurrent use.
type Store struct {
	db *sql.DB
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// Open opens an item store at the given path, creating the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = "id, kind, title, notes, start_at, end_at, recurrence, category_id, done, created_at, updated_at"

func (s *Store) Create(ctx context.Context, item itemstore.Item) (itemstore.Item, error) {
	created, err := createExec(ctx, s.db, item)
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("sqlite store: create: %w", err)
	}
	return created, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createExec(ctx context.Context, db execer, item itemstore.Item) (itemstore.Item, error) {
	if !item.Kind.Valid() {
		return itemstore.Item{}, fmt.Errorf("invalid kind %q", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	item.CreatedAt = now
	item.UpdatedAt = now

	const q = `
		INSERT INTO items (id, kind, title, notes, start_at, end_at, recurrence, category_id, done, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		item.ID, string(item.Kind), item.Title, item.Notes,
		toMillis(item.StartAt), toMillis(item.EndAt),
		item.Recurrence, item.CategoryID, item.Done,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return itemstore.Item{}, err
	}
	return item, nil
}

func (s *Store) Update(ctx context.Context, item itemstore.Item) (itemstore.Item, error) {
	updated, err := updateExec(ctx, s.db, item)
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("sqlite store: update: %w", err)
	}
	return updated, nil
}

func updateExec(ctx context.Context, db execer, item itemstore.Item) (itemstore.Item, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	const q = `
		UPDATE items
		SET    kind = ?, title = ?, notes = ?, start_at = ?, end_at = ?,
		       recurrence = ?, category_id = ?, done = ?, updated_at = ?
		WHERE  id = ?`
	res, err := db.ExecContext(ctx, q,
		string(item.Kind), item.Title, item.Notes,
		toMillis(item.StartAt), toMillis(item.EndAt),
		item.Recurrence, item.CategoryID, item.Done, now.UnixMilli(),
		item.ID,
	)
	if err != nil {
		return itemstore.Item{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return itemstore.Item{}, err
	}
	if n == 0 {
		return itemstore.Item{}, fmt.Errorf("update %q: %w", item.ID, itemstore.ErrNotFound)
	}
	item.UpdatedAt = now
	return item, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: delete %q: %w", id, itemstore.ErrNotFound)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) BulkCreate(ctx context.Context, items []itemstore.Item) ([]itemstore.Item, error) {
	created := make([]itemstore.Item, len(items))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, item := range items {
			c, err := createExec(ctx, tx, item)
			if err != nil {
				return err
			}
			created[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: bulk create: %w", err)
	}
	return created, nil
}

func (s *Store) BulkUpdate(ctx context.Context, items []itemstore.Item) ([]itemstore.Item, error) {
	updated := make([]itemstore.Item, len(items))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, item := range items {
			u, err := updateExec(ctx, tx, item)
			if err != nil {
				return err
			}
			updated[i] = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: bulk update: %w", err)
	}
	return updated, nil
}

func (s *Store) BulkDelete(ctx context.Context, ids []string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("delete %q: %w", id, itemstore.ErrNotFound)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite store: bulk delete: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, opts itemstore.SearchOpts) ([]itemstore.Item, error) {
	args := []any{}
	conditions := []string{"1=1"}
	if opts.Query != "" {
		p := "%" + strings.ToLower(opts.Query) + "%"
		conditions = append(conditions, "(LOWER(title) LIKE ? OR LOWER(notes) LIKE ?)")
		args = append(args, p, p)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.CategoryID != "" {
		conditions = append(conditions, "category_id = ?")
		args = append(args, opts.CategoryID)
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "start_at >= ?")
		args = append(args, opts.After.UTC().UnixMilli())
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "start_at < ?")
		args = append(args, opts.Before.UTC().UnixMilli())
	}
	if opts.Done != nil {
		conditions = append(conditions, "done = ?")
		args = append(args, *opts.Done)
	}

	q := "SELECT " + itemColumns + " FROM items WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY start_at IS NULL, start_at, title"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: search: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *Store) CheckConflicts(ctx context.Context, from, to time.Time) ([]itemstore.Conflict, error) {
	const q = `
		SELECT ` + itemColumns + `
		FROM   items
		WHERE  start_at IS NOT NULL AND end_at IS NOT NULL
		  AND  end_at >= ? AND start_at <= ?
		ORDER  BY start_at, title`

	rows, err := s.db.QueryContext(ctx, q, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite store: check conflicts: %w", err)
	}
	defer rows.Close()
	scheduled, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	// Pairwise scan; the window keeps the candidate set small.
	conflicts := []itemstore.Conflict{}
	for i := 0; i < len(scheduled); i++ {
		for j := i + 1; j < len(scheduled); j++ {
			if d := overlap(scheduled[i], scheduled[j]); d > 0 {
				conflicts = append(conflicts, itemstore.Conflict{
					A:       scheduled[i],
					B:       scheduled[j],
					Overlap: d,
				})
			}
		}
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
	now := time.Now().UTC().Truncate(time.Millisecond)

	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET start_at = ?, end_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(startAt), toMillis(endAt), now.UnixMilli(), id,
	)
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("sqlite store: reschedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return itemstore.Item{}, fmt.Errorf("sqlite store: reschedule %q: %w", id, itemstore.ErrNotFound)
	}
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (itemstore.Item, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return itemstore.Item{}, fmt.Errorf("sqlite store: get %q: %w", id, itemstore.ErrNotFound)
	}
	if err != nil {
		return itemstore.Item{}, fmt.Errorf("sqlite store: get: %w", err)
	}
	return item, nil
}

func (s *Store) ExpandRecurring(ctx context.Context, from, to time.Time) ([]itemstore.Occurrence, error) {
	const q = `
		SELECT ` + itemColumns + `
		FROM   items
		WHERE  recurrence <> '' AND start_at IS NOT NULL`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: expand recurring: %w", err)
	}
	defer rows.Close()
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	return itemstore.ExpandOccurrences(items, from, to), nil
}

func (s *Store) Snapshot(ctx context.Context) (itemstore.Snapshot, error) {
	snap := itemstore.Snapshot{TakenAt: time.Now()}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items ORDER BY start_at IS NULL, start_at, title")
	if err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("sqlite store: snapshot items: %w", err)
	}
	snap.Items, err = func() ([]itemstore.Item, error) {
		defer rows.Close()
		return collectItems(rows)
	}()
	if err != nil {
		return itemstore.Snapshot{}, err
	}

	catRows, err := s.db.QueryContext(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("sqlite store: snapshot categories: %w", err)
	}
	defer catRows.Close()
	snap.Categories = []itemstore.Category{}
	for catRows.Next() {
		var c itemstore.Category
		if err := catRows.Scan(&c.ID, &c.Name); err != nil {
			return itemstore.Snapshot{}, fmt.Errorf("sqlite store: snapshot categories: scan: %w", err)
		}
		snap.Categories = append(snap.Categories, c)
	}
	if err := catRows.Err(); err != nil {
		return itemstore.Snapshot{}, fmt.Errorf("sqlite store: snapshot categories: %w", err)
	}
	return snap, nil
}

// AddCategory inserts or renames a category.
func (s *Store) AddCategory(ctx context.Context, c itemstore.Category) (itemstore.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		c.ID, c.Name,
	)
	if err != nil {
		return itemstore.Category{}, fmt.Errorf("sqlite store: add category: %w", err)
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Row scanning
// ─────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (itemstore.Item, error) {
	var (
		item               itemstore.Item
		kind               string
		startAt, endAt     sql.NullInt64
		createdAt, updated int64
	)
	if err := row.Scan(
		&item.ID, &kind, &item.Title, &item.Notes, &startAt, &endAt,
		&item.Recurrence, &item.CategoryID, &item.Done, &createdAt, &updated,
	); err != nil {
		return itemstore.Item{}, err
	}
	item.Kind = itemstore.Kind(kind)
	item.StartAt = fromMillis(startAt)
	item.EndAt = fromMillis(endAt)
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updated).UTC()
	return item, nil
}

func collectItems(rows *sql.Rows) ([]itemstore.Item, error) {
	items := []itemstore.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}
	return items, nil
}
