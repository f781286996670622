package aggregate

import "github.com/tinylsp/lspmux/internal/jsonutil"

// combineDiagnostic implements §4.6's pull-diagnostic combine rule:
// concatenate items, attach source to any diagnostic lacking one, always
// emit kind "full", and never preserve resultId (the multiplexer does not
// cache per-backend result IDs across pulls).
func combineDiagnostic(successes []Received) any {
	items := make([]any, 0)
	for _, s := range successes {
		report, ok := jsonutil.AsMap(s.Payload)
		if !ok {
			continue
		}
		// An "unchanged" report carries no items of its own; the
		// multiplexer has no cached resultId to resolve it against, so
		// it contributes nothing to this aggregation round rather than
		// fabricating stale data.
		if kind, _ := report["kind"].(string); kind == "unchanged" {
			continue
		}
		reportItems, _ := jsonutil.AsSlice(report["items"])
		for _, item := range reportItems {
			items = append(items, attachSource(item, s.BackendName))
		}
	}
	return map[string]any{
		"kind":  "full",
		"items": items,
	}
}

func attachSource(diagnostic any, backendName string) any {
	m, ok := jsonutil.AsMap(diagnostic)
	if !ok {
		return diagnostic
	}
	if existing, ok := m["source"].(string); ok && existing != "" {
		return m
	}
	return jsonutil.SetIn(m, backendName, "source")
}
