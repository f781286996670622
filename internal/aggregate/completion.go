package aggregate

import "github.com/tinylsp/lspmux/internal/jsonutil"

// combineCompletion implements §4.6's completion combine rule: normalize
// each response to a CompletionList shape and deep-merge, concatenating
// items (already stash-substituted by the dispatcher before Combine runs).
func combineCompletion(successes []Received) any {
	items := make([]any, 0)
	incomplete := false

	for _, s := range successes {
		list := normalizeCompletionList(s.Payload)
		if inc, ok := list["isIncomplete"].(bool); ok && inc {
			incomplete = true
		}
		its, _ := jsonutil.AsSlice(list["items"])
		items = append(items, its...)
	}

	return map[string]any{
		"isIncomplete": incomplete,
		"items":        items,
	}
}

// normalizeCompletionList accepts either a bare array of CompletionItem or
// a CompletionList object and returns the CompletionList shape.
func normalizeCompletionList(payload any) map[string]any {
	if arr, ok := jsonutil.AsSlice(payload); ok {
		return map[string]any{"isIncomplete": false, "items": arr}
	}
	if obj, ok := jsonutil.AsMap(payload); ok {
		items, _ := jsonutil.AsSlice(obj["items"])
		incomplete, _ := obj["isIncomplete"].(bool)
		return map[string]any{"isIncomplete": incomplete, "items": items}
	}
	return map[string]any{"isIncomplete": false, "items": []any{}}
}
