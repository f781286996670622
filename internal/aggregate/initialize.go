package aggregate

import "github.com/tinylsp/lspmux/internal/jsonutil"

// combineInitialize implements §4.6's initialize combine rule: deep-merge
// capabilities (scalars never overwrite structured values; structured
// values override scalars; objects recurse), except semanticTokensProvider
// (never merged, first successful back-end's value wins untouched) and
// textDocumentSync (degrades to full-text sync if any back-end only
// supports that), with explicitly masked keys dropped, plus a concatenated
// serverInfo.
func (a *Aggregator) combineInitialize(successes []Received) any {
	merged := make(map[string]any)
	var semanticTokens any
	sawSemanticTokens := false

	for _, s := range successes {
		capsVal, _ := jsonutil.Get(s.Payload, "capabilities")
		caps, _ := jsonutil.AsMap(capsVal)
		if caps == nil {
			continue
		}
		for key, val := range caps {
			if a.Masked(key) {
				continue
			}
			if key == "semanticTokensProvider" {
				if !sawSemanticTokens {
					semanticTokens = val
					sawSemanticTokens = true
				}
				continue
			}
			if existing, ok := merged[key]; ok {
				merged[key] = jsonutil.DeepMerge(existing, val)
			} else {
				merged[key] = val
			}
		}
	}

	if sawSemanticTokens {
		merged["semanticTokensProvider"] = semanticTokens
	}

	if degraded, ok := degradedTextDocumentSync(successes); ok {
		merged["textDocumentSync"] = degraded
	}

	result := map[string]any{"capabilities": merged}
	if info := combineServerInfo(successes); info != nil {
		result["serverInfo"] = info
	}
	return result
}

// degradedTextDocumentSync reports whether any back-end only supports
// full-text sync, and if so the degraded value the merge must take
// (a bare 1, matching what such a back-end would have sent).
func degradedTextDocumentSync(successes []Received) (any, bool) {
	for _, s := range successes {
		capsVal, _ := jsonutil.Get(s.Payload, "capabilities")
		caps, _ := jsonutil.AsMap(capsVal)
		if caps == nil {
			continue
		}
		v, ok := caps["textDocumentSync"]
		if !ok {
			continue
		}
		if isFullOnlySync(v) {
			return float64(1), true
		}
	}
	return nil, false
}

func isFullOnlySync(v any) bool {
	switch t := v.(type) {
	case float64:
		return t == 1
	case int:
		return t == 1
	case map[string]any:
		change, ok := t["change"]
		if !ok {
			return false
		}
		switch c := change.(type) {
		case float64:
			return c == 1
		case int:
			return c == 1
		}
	}
	return false
}

// combineServerInfo concatenates serverInfo.name with "+" and
// serverInfo.version with "," in successes order (callers pass the primary
// first, then the rest in configured order, per the specification's
// decision on the open question of merge order with 3+ back-ends).
func combineServerInfo(successes []Received) map[string]any {
	var names, versions []string
	for _, s := range successes {
		infoVal, _ := jsonutil.Get(s.Payload, "serverInfo")
		info, _ := jsonutil.AsMap(infoVal)
		if info == nil {
			continue
		}
		if name, ok := info["name"].(string); ok && name != "" {
			names = append(names, name)
		}
		if version, ok := info["version"].(string); ok && version != "" {
			versions = append(versions, version)
		}
	}
	if len(names) == 0 && len(versions) == 0 {
		return nil
	}
	out := make(map[string]any)
	if len(names) > 0 {
		out["name"] = joinStrings(names, "+")
	}
	if len(versions) > 0 {
		out["version"] = joinStrings(versions, ",")
	}
	return out
}

func joinStrings(parts []string, sep string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}
