package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/daygrid/daygrid/internal/itemstore"
)

// handlerFunc executes one allow-listed operation. The returned map becomes
// the response envelope body (success flag added by the caller).
type handlerFunc func(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error)

var handlers = map[string]handlerFunc{
	OpCreateItem:      handleCreateItem,
	OpUpdateItem:      handleUpdateItem,
	OpDeleteItem:      handleDeleteItem,
	OpBulkCreateItems: handleBulkCreateItems,
	OpBulkUpdateItems: handleBulkUpdateItems,
	OpBulkDeleteItems: handleBulkDeleteItems,
	OpSearchItems:     handleSearchItems,
	OpCheckConflicts:  handleCheckConflicts,
	OpRescheduleItem:  handleRescheduleItem,
	OpExpandRecurring: handleExpandRecurring,
}

func handleCreateItem(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	item, err := itemFromArgs(args)
	if err != nil {
		return nil, err
	}
	created, err := d.store.Create(ctx, item)
	if err != nil {
		return nil, err
	}
	return map[string]any{"item": itemToMap(created)}, nil
}

func handleUpdateItem(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	current, ok := d.findInSnapshot(id)
	if !ok {
		// Snapshot may be stale; fall back to a fresh search by ID.
		items, err := d.store.Search(ctx, itemstore.SearchOpts{})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.ID == id {
				current, ok = item, true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("no item with id %q", id)
		}
	}

	applyItemArgs(&current, args)
	updated, err := d.store.Update(ctx, current)
	if err != nil {
		return nil, err
	}
	return map[string]any{"item": itemToMap(updated)}, nil
}

func handleDeleteItem(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	if err := d.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": id}, nil
}

func handleBulkCreateItems(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	raw, ok := args["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing or invalid items array")
	}
	items := make([]itemstore.Item, 0, len(raw))
	for i, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] is not an object", i)
		}
		item, err := itemFromArgs(fields)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		items = append(items, item)
	}
	created, err := d.store.BulkCreate(ctx, items)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": itemsToMaps(created)}, nil
}

func handleBulkUpdateItems(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	raw, ok := args["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing or invalid items array")
	}
	items := make([]itemstore.Item, 0, len(raw))
	for i, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] is not an object", i)
		}
		id, err := stringArg(fields, "id")
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		current, found := d.findInSnapshot(id)
		if !found {
			return nil, fmt.Errorf("items[%d]: no item with id %q", i, id)
		}
		applyItemArgs(&current, fields)
		items = append(items, current)
	}
	updated, err := d.store.BulkUpdate(ctx, items)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": itemsToMaps(updated)}, nil
}

func handleBulkDeleteItems(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	raw, ok := args["ids"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing or invalid ids array")
	}
	ids := make([]string, 0, len(raw))
	for i, entry := range raw {
		id, ok := entry.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("ids[%d] is not a non-empty string", i)
		}
		ids = append(ids, id)
	}
	if err := d.store.BulkDelete(ctx, ids); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": ids}, nil
}

func handleSearchItems(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	opts := itemstore.SearchOpts{
		Query:      optString(args, "query"),
		Kind:       itemstore.Kind(optString(args, "kind")),
		CategoryID: optString(args, "categoryId"),
	}
	var err error
	if opts.After, err = optTime(args, "after"); err != nil {
		return nil, err
	}
	if opts.Before, err = optTime(args, "before"); err != nil {
		return nil, err
	}
	if v, ok := args["done"].(bool); ok {
		opts.Done = &v
	}
	if v, ok := args["limit"].(float64); ok {
		opts.Limit = int(v)
	}

	items, err := d.store.Search(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": itemsToMaps(items)}, nil
}

func handleCheckConflicts(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	from, to, err := windowArgs(args)
	if err != nil {
		return nil, err
	}
	conflicts, err := d.store.CheckConflicts(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(conflicts))
	for i, c := range conflicts {
		out[i] = map[string]any{
			"a":              itemToMap(c.A),
			"b":              itemToMap(c.B),
			"overlapMinutes": c.Overlap.Minutes(),
		}
	}
	return map[string]any{"conflicts": out}, nil
}

func handleRescheduleItem(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	startAt, err := timeArg(args, "startAt")
	if err != nil {
		return nil, err
	}
	endAt, err := optTime(args, "endAt")
	if err != nil {
		return nil, err
	}
	moved, err := d.store.Reschedule(ctx, id, startAt, endAt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"item": itemToMap(moved)}, nil
}

func handleExpandRecurring(ctx context.Context, d *Dispatcher, args map[string]any) (map[string]any, error) {
	from, to, err := windowArgs(args)
	if err != nil {
		return nil, err
	}
	occurrences, err := d.store.ExpandRecurring(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(occurrences))
	for i, occ := range occurrences {
		entry := map[string]any{
			"item":    itemToMap(occ.Item),
			"startAt": occ.StartAt.Format(time.RFC3339),
		}
		if !occ.EndAt.IsZero() {
			entry["endAt"] = occ.EndAt.Format(time.RFC3339)
		}
		out[i] = entry
	}
	return map[string]any{"occurrences": out}, nil
}

// findInSnapshot looks an item up in the cached snapshot.
func (d *Dispatcher) findInSnapshot(id string) (itemstore.Item, bool) {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	for _, item := range d.snapshot.Items {
		if item.ID == id {
			return item, true
		}
	}
	return itemstore.Item{}, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Argument decoding
// ─────────────────────────────────────────────────────────────────────────────

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func optString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func timeArg(args map[string]any, key string) (time.Time, error) {
	raw, err := stringArg(args, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("argument %q is not an RFC 3339 time: %v", key, err)
	}
	return t, nil
}

func optTime(args map[string]any, key string) (time.Time, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("argument %q is not an RFC 3339 time: %v", key, err)
	}
	return t, nil
}

func windowArgs(args map[string]any) (from, to time.Time, err error) {
	if from, err = timeArg(args, "from"); err != nil {
		return
	}
	to, err = timeArg(args, "to")
	return
}

// itemFromArgs builds a new item from create arguments.
func itemFromArgs(args map[string]any) (itemstore.Item, error) {
	kind := itemstore.Kind(optString(args, "kind"))
	if !kind.Valid() {
		return itemstore.Item{}, fmt.Errorf("missing or invalid item kind %q", kind)
	}
	title, err := stringArg(args, "title")
	if err != nil {
		return itemstore.Item{}, err
	}
	item := itemstore.Item{
		Kind:       kind,
		Title:      title,
		Notes:      optString(args, "notes"),
		Recurrence: optString(args, "recurrence"),
		CategoryID: optString(args, "categoryId"),
	}
	if item.StartAt, err = optTime(args, "startAt"); err != nil {
		return itemstore.Item{}, err
	}
	if item.EndAt, err = optTime(args, "endAt"); err != nil {
		return itemstore.Item{}, err
	}
	if v, ok := args["done"].(bool); ok {
		item.Done = v
	}
	return item, nil
}

// applyItemArgs overwrites only the fields present in args. Parse errors on
// optional times leave the field unchanged rather than failing an otherwise
// valid partial update.
func applyItemArgs(item *itemstore.Item, args map[string]any) {
	if v, ok := args["kind"].(string); ok && itemstore.Kind(v).Valid() {
		item.Kind = itemstore.Kind(v)
	}
	if v, ok := args["title"].(string); ok && v != "" {
		item.Title = v
	}
	if v, ok := args["notes"].(string); ok {
		item.Notes = v
	}
	if v, ok := args["recurrence"].(string); ok {
		item.Recurrence = v
	}
	if v, ok := args["categoryId"].(string); ok {
		item.CategoryID = v
	}
	if v, ok := args["done"].(bool); ok {
		item.Done = v
	}
	if t, err := optTime(args, "startAt"); err == nil && !t.IsZero() {
		item.StartAt = t
	}
	if t, err := optTime(args, "endAt"); err == nil && !t.IsZero() {
		item.EndAt = t
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Response shaping
// ─────────────────────────────────────────────────────────────────────────────

func itemToMap(item itemstore.Item) map[string]any {
	m := map[string]any{
		"id":    item.ID,
		"kind":  string(item.Kind),
		"title": item.Title,
		"done":  item.Done,
	}
	if item.Notes != "" {
		m["notes"] = item.Notes
	}
	if !item.StartAt.IsZero() {
		m["startAt"] = item.StartAt.Format(time.RFC3339)
	}
	if !item.EndAt.IsZero() {
		m["endAt"] = item.EndAt.Format(time.RFC3339)
	}
	if item.Recurrence != "" {
		m["recurrence"] = item.Recurrence
	}
	if item.CategoryID != "" {
		m["categoryId"] = item.CategoryID
	}
	return m
}

func itemsToMaps(items []itemstore.Item) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, item := range items {
		out[i] = itemToMap(item)
	}
	return out
}
