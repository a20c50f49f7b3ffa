package engine

import (
	"fmt"
	"reflect"

	"traceline/internal/domain"
)

// Diff computes the structured field-level delta between two snapshots. Pure
// function: no storage access, no audit entry. Unchanged fields are omitted
// unless full is set. Options are matched by id, not position, so a reorder
// without content change shows up only as an options_order modification.
func Diff(from, to domain.DecisionFields, full bool) []domain.FieldDelta {
	var deltas []domain.FieldDelta

	scalar := func(field string, before, after any) {
		deltas = append(deltas, scalarDelta(field, before, after, full)...)
	}
	scalar("title", from.Title, to.Title)
	scalar("description", from.Description, to.Description)
	scalar("category", from.Category, to.Category)
	scalar("owner", from.Owner, to.Owner)
	scalar("due_date", derefString(from.DueDate), derefString(to.DueDate))
	scalar("tags", from.Tags, to.Tags)

	deltas = append(deltas, optionDeltas(from.Options, to.Options, full)...)
	return deltas
}

func scalarDelta(field string, before, after any, full bool) []domain.FieldDelta {
	kind := changeKind(before, after)
	if kind == "unchanged" && !full {
		return nil
	}
	d := domain.FieldDelta{Field: field, ChangeKind: kind}
	if !isEmpty(before) {
		d.Before = before
	}
	if !isEmpty(after) {
		d.After = after
	}
	return []domain.FieldDelta{d}
}

func optionDeltas(from, to []domain.DecisionOption, full bool) []domain.FieldDelta {
	var deltas []domain.FieldDelta
	fromByID := map[string]domain.DecisionOption{}
	for _, o := range from {
		fromByID[o.ID] = o
	}
	toByID := map[string]domain.DecisionOption{}
	for _, o := range to {
		toByID[o.ID] = o
	}

	// Per-option content, keyed by stable id.
	for _, o := range from {
		after, ok := toByID[o.ID]
		field := fmt.Sprintf("options.%s", o.ID)
		switch {
		case !ok:
			deltas = append(deltas, domain.FieldDelta{Field: field, Before: o, ChangeKind: "removed"})
		case o != after:
			deltas = append(deltas, domain.FieldDelta{Field: field, Before: o, After: after, ChangeKind: "modified"})
		case full:
			deltas = append(deltas, domain.FieldDelta{Field: field, Before: o, After: after, ChangeKind: "unchanged"})
		}
	}
	for _, o := range to {
		if _, ok := fromByID[o.ID]; !ok {
			deltas = append(deltas, domain.FieldDelta{Field: fmt.Sprintf("options.%s", o.ID), After: o, ChangeKind: "added"})
		}
	}

	// Ordering is its own field so a pure reorder is one modification, not a
	// remove+add per option.
	fromOrder := optionOrder(from)
	toOrder := optionOrder(to)
	deltas = append(deltas, scalarDelta("options_order", fromOrder, toOrder, full)...)
	return deltas
}

func optionOrder(options []domain.DecisionOption) []string {
	if len(options) == 0 {
		return nil
	}
	ids := make([]string, len(options))
	for i, o := range options {
		ids[i] = o.ID
	}
	return ids
}

func changeKind(before, after any) string {
	be, ae := isEmpty(before), isEmpty(after)
	switch {
	case be && ae:
		return "unchanged"
	case be:
		return "added"
	case ae:
		return "removed"
	case reflect.DeepEqual(before, after):
		return "unchanged"
	default:
		return "modified"
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map {
		return rv.Len() == 0
	}
	return false
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Apply replays a set of deltas over a field map, reconstructing the target
// snapshot. Used by callers re-merging a draft over a newer version; also the
// round-trip check for Diff.
func Apply(base domain.DecisionFields, deltas []domain.FieldDelta) domain.DecisionFields {
	out := base
	out.Tags = append([]string(nil), base.Tags...)
	options := map[string]domain.DecisionOption{}
	for _, o := range base.Options {
		options[o.ID] = o
	}
	order := optionOrder(base.Options)

	for _, d := range deltas {
		if d.ChangeKind == "unchanged" {
			continue
		}
		switch d.Field {
		case "title":
			out.Title = stringOr(d.After, "")
		case "description":
			out.Description = stringOr(d.After, "")
		case "category":
			out.Category = stringOr(d.After, "")
		case "owner":
			out.Owner = stringOr(d.After, "")
		case "due_date":
			s := stringOr(d.After, "")
			if s == "" {
				out.DueDate = nil
			} else {
				out.DueDate = &s
			}
		case "tags":
			out.Tags = stringSlice(d.After)
		case "options_order":
			order = stringSlice(d.After)
		default: // options.<id>
			var id string
			if _, err := fmt.Sscanf(d.Field, "options.%s", &id); err != nil {
				continue
			}
			if d.ChangeKind == "removed" {
				delete(options, id)
			} else if o, ok := d.After.(domain.DecisionOption); ok {
				options[id] = o
			}
		}
	}

	out.Options = nil
	for _, id := range order {
		if o, ok := options[id]; ok {
			out.Options = append(out.Options, o)
		}
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func stringSlice(v any) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	return nil
}
