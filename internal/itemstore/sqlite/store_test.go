package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/daygrid/daygrid/internal/itemstore"
	"github.com/daygrid/daygrid/internal/itemstore/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := sqlite.Open("  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCreateRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	created, err := s.Create(ctx, itemstore.Item{
		Kind:    itemstore.KindEvent,
		Title:   "Dentist",
		Notes:   "bring insurance card",
		StartAt: start,
		EndAt:   start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Error("expected generated ID")
	}

	got, err := s.Search(ctx, itemstore.SearchOpts{Query: "dentist"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}
	if !got[0].StartAt.Equal(start) {
		t.Errorf("StartAt: got %v, want %v", got[0].StartAt, start)
	}
	if got[0].Notes != "bring insurance card" {
		t.Errorf("Notes: got %q", got[0].Notes)
	}
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, itemstore.Item{ID: "nope", Kind: itemstore.KindTodo})
	if !errors.Is(err, itemstore.ErrNotFound) {
		t.Errorf("Update: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "nope"); !errors.Is(err, itemstore.ErrNotFound) {
		t.Errorf("Delete: got %v, want ErrNotFound", err)
	}
}

func TestBulkUpdateRollsBack(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, itemstore.Item{Kind: itemstore.KindTodo, Title: "original"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	batch := []itemstore.Item{
		{ID: created.ID, Kind: itemstore.KindTodo, Title: "renamed"},
		{ID: "missing", Kind: itemstore.KindTodo, Title: "ghost"},
	}
	if _, err := s.BulkUpdate(ctx, batch); !errors.Is(err, itemstore.ErrNotFound) {
		t.Fatalf("BulkUpdate: got %v, want ErrNotFound", err)
	}

	items, err := s.Search(ctx, itemstore.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].Title != "original" {
		t.Errorf("failed batch mutated the store: %+v", items)
	}
}

func TestCheckConflicts(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	mk := func(title string, startHour, endHour int) {
		t.Helper()
		_, err := s.Create(ctx, itemstore.Item{
			Kind:    itemstore.KindEvent,
			Title:   title,
			StartAt: day.Add(time.Duration(startHour) * time.Hour),
			EndAt:   day.Add(time.Duration(endHour) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Create %q: %v", title, err)
		}
	}
	mk("dentist", 9, 11)
	mk("standup", 10, 12)
	mk("lunch", 12, 13)

	conflicts, err := s.CheckConflicts(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].Overlap != time.Hour {
		t.Errorf("overlap: got %v, want 1h", conflicts[0].Overlap)
	}
}

func TestExpandRecurringWeekly(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC) // a Monday
	_, err := s.Create(ctx, itemstore.Item{
		Kind:       itemstore.KindRoutine,
		Title:      "gym",
		StartAt:    start,
		EndAt:      start.Add(time.Hour),
		Recurrence: "weekly",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	occ, err := s.ExpandRecurring(ctx, start, start.AddDate(0, 0, 21))
	if err != nil {
		t.Fatalf("ExpandRecurring: %v", err)
	}
	if len(occ) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(occ))
	}
	for i, o := range occ {
		want := start.AddDate(0, 0, 7*i)
		if !o.StartAt.Equal(want) {
			t.Errorf("occurrence %d: got %v, want %v", i, o.StartAt, want)
		}
	}
}

func TestSnapshotIncludesCategories(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.AddCategory(ctx, itemstore.Category{Name: "health"}); err != nil {
		t.Fatalf("AddCategory: %v", err)
	}
	if _, err := s.Create(ctx, itemstore.Item{Kind: itemstore.KindTodo, Title: "book dentist"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Items) != 1 || len(snap.Categories) != 1 {
		t.Errorf("snapshot: %d items, %d categories", len(snap.Items), len(snap.Categories))
	}
	if snap.Categories[0].Name != "health" {
		t.Errorf("category: got %q", snap.Categories[0].Name)
	}
}
