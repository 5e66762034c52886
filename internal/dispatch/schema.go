package dispatch

import "github.com/daygrid/daygrid/pkg/live"

// Operation names in the fixed allow-list. Anything else is rejected as an
// unknown function before execution.
const (
	OpCreateItem      = "createItem"
	OpUpdateItem      = "updateItem"
	OpDeleteItem      = "deleteItem"
	OpBulkCreateItems = "bulkCreateItems"
	OpBulkUpdateItems = "bulkUpdateItems"
	OpBulkDeleteItems = "bulkDeleteItems"
	OpSearchItems     = "searchItems"
	OpCheckConflicts  = "checkConflicts"
	OpRescheduleItem  = "rescheduleItem"
	OpExpandRecurring = "expandRecurring"
)

// mutatingOps is the set of operations that change item state. After one of
// these executes, the dispatcher refreshes its snapshot and fires the
// reconciliation fan-out.
var mutatingOps = map[string]bool{
	OpCreateItem:      true,
	OpUpdateItem:      true,
	OpDeleteItem:      true,
	OpBulkCreateItems: true,
	OpBulkUpdateItems: true,
	OpBulkDeleteItems: true,
	OpRescheduleItem:  true,
}

// itemProperties is the shared schema fragment for item fields accepted by
// create and update operations.
func itemProperties() map[string]any {
	return map[string]any{
		"kind": map[string]any{
			"type":        "string",
			"enum":        []string{"todo", "goal", "event", "routine", "note"},
			"description": "What kind of item this is.",
		},
		"title": map[string]any{
			"type":        "string",
			"description": "Short label shown on the dashboard.",
		},
		"notes": map[string]any{
			"type":        "string",
			"description": "Free-form detail text.",
		},
		"startAt": map[string]any{
			"type":        "string",
			"description": "Start time, RFC 3339. Omit for unscheduled items.",
		},
		"endAt": map[string]any{
			"type":        "string",
			"description": "End time, RFC 3339.",
		},
		"recurrence": map[string]any{
			"type":        "string",
			"enum":        []string{"daily", "weekly", "monthly"},
			"description": "Repetition rule. Omit for one-off items.",
		},
		"categoryId": map[string]any{
			"type":        "string",
			"description": "Category to file the item under.",
		},
		"done": map[string]any{
			"type":        "boolean",
			"description": "Completion state.",
		},
	}
}

func withID(props map[string]any) map[string]any {
	props["id"] = map[string]any{
		"type":        "string",
		"description": "ID of the item to operate on.",
	}
	return props
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func windowSchema() map[string]any {
	return objectSchema(map[string]any{
		"from": map[string]any{
			"type":        "string",
			"description": "Window start, RFC 3339.",
		},
		"to": map[string]any{
			"type":        "string",
			"description": "Window end, RFC 3339.",
		},
	}, "from", "to")
}

// ToolDeclarations returns the full allow-listed function schema announced to
// the peer during session setup.
func ToolDeclarations() []live.ToolDeclaration {
	return []live.ToolDeclaration{
		{
			Name:        OpCreateItem,
			Description: "Create a single dashboard item (todo, goal, event, routine or note).",
			Parameters:  objectSchema(itemProperties(), "kind", "title"),
		},
		{
			Name:        OpUpdateItem,
			Description: "Update fields of an existing item. Only the provided fields change.",
			Parameters:  objectSchema(withID(itemProperties()), "id"),
		},
		{
			Name:        OpDeleteItem,
			Description: "Delete an item by ID.",
			Parameters: objectSchema(map[string]any{
				"id": map[string]any{"type": "string", "description": "ID of the item to delete."},
			}, "id"),
		},
		{
			Name:        OpBulkCreateItems,
			Description: "Create several items in one atomic operation.",
			Parameters: objectSchema(map[string]any{
				"items": map[string]any{
					"type":        "array",
					"items":       objectSchema(itemProperties(), "kind", "title"),
					"description": "Items to create.",
				},
			}, "items"),
		},
		{
			Name:        OpBulkUpdateItems,
			Description: "Update several items in one atomic operation.",
			Parameters: objectSchema(map[string]any{
				"items": map[string]any{
					"type":        "array",
					"items":       objectSchema(withID(itemProperties()), "id"),
					"description": "Items to update, each identified by id.",
				},
			}, "items"),
		},
		{
			Name:        OpBulkDeleteItems,
			Description: "Delete several items in one atomic operation.",
			Parameters: objectSchema(map[string]any{
				"ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "IDs of the items to delete.",
				},
			}, "ids"),
		},
		{
			Name:        OpSearchItems,
			Description: "Search items by text, kind, category, schedule window or completion state.",
			Parameters: objectSchema(map[string]any{
				"query":      map[string]any{"type": "string", "description": "Text matched against title and notes."},
				"kind":       map[string]any{"type": "string", "enum": []string{"todo", "goal", "event", "routine", "note"}},
				"categoryId": map[string]any{"type": "string"},
				"after":      map[string]any{"type": "string", "description": "Only items starting at or after this RFC 3339 time."},
				"before":     map[string]any{"type": "string", "description": "Only items starting before this RFC 3339 time."},
				"done":       map[string]any{"type": "boolean"},
				"limit":      map[string]any{"type": "integer", "description": "Maximum number of results."},
			}),
		},
		{
			Name:        OpCheckConflicts,
			Description: "Find pairs of scheduled items whose times overlap within a window.",
			Parameters:  windowSchema(),
		},
		{
			Name:        OpRescheduleItem,
			Description: "Move an item to a new start and end time.",
			Parameters: objectSchema(map[string]any{
				"id":      map[string]any{"type": "string", "description": "ID of the item to move."},
				"startAt": map[string]any{"type": "string", "description": "New start time, RFC 3339."},
				"endAt":   map[string]any{"type": "string", "description": "New end time, RFC 3339."},
			}, "id", "startAt"),
		},
		{
			Name:        OpExpandRecurring,
			Description: "List the concrete occurrences of recurring items within a window.",
			Parameters:  windowSchema(),
		},
	}
}
