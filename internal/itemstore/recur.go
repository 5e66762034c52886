package itemstore

import (
	"sort"
	"time"
)

// ExpandOccurrences materialises the occurrences of every recurring item in
// items within [from, to), ordered by start time. Items without a recurrence
// rule or without a start time contribute nothing. Unknown recurrence rules
// are skipped rather than erroring; the rule string came from the model and a
// bad value should not fail the whole expansion.
func ExpandOccurrences(items []Item, from, to time.Time) []Occurrence {
	occurrences := []Occurrence{}
	for _, item := range items {
		if item.Recurrence == "" || item.StartAt.IsZero() {
			continue
		}
		occurrences = append(occurrences, expandItem(item, from, to)...)
	}
	sort.Slice(occurrences, func(i, j int) bool {
		return occurrences[i].StartAt.Before(occurrences[j].StartAt)
	})
	return occurrences
}

// expandItem steps the item's start time forward by its recurrence interval,
// collecting every occurrence that falls within [from, to). Month steps use
// calendar arithmetic, so a Jan 31 monthly item lands on the civil date
// AddDate produces.
func expandItem(item Item, from, to time.Time) []Occurrence {
	switch item.Recurrence {
	case "daily", "weekly", "monthly":
	default:
		return nil
	}
	step := func(t time.Time) time.Time {
		switch item.Recurrence {
		case "daily":
			return t.AddDate(0, 0, 1)
		case "weekly":
			return t.AddDate(0, 0, 7)
		default:
			return t.AddDate(0, 1, 0)
		}
	}

	var dur time.Duration
	if !item.EndAt.IsZero() {
		dur = item.EndAt.Sub(item.StartAt)
	}

	occurrences := []Occurrence{}
	for start := item.StartAt; start.Before(to); start = step(start) {
		if start.Before(from) {
			continue
		}
		occ := Occurrence{Item: item, StartAt: start}
		if dur > 0 {
			occ.EndAt = start.Add(dur)
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences
}
