package aggregate

import "github.com/tinylsp/lspmux/internal/jsonutil"

// combineCodeAction implements §4.6's code-action combine rule: concatenate
// item lists preserving back-end order.
func combineCodeAction(successes []Received) any {
	out := make([]any, 0)
	for _, s := range successes {
		items, ok := jsonutil.AsSlice(s.Payload)
		if !ok {
			continue
		}
		out = append(out, items...)
	}
	return out
}
