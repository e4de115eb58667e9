package engine

// normalize canonicalizes a raw agent result into the map shape used
// for logging, persistence and downstream lookup. Mapping results are
// kept as-is with a derived `result` alias when absent; everything else
// is wrapped.
func normalize(v interface{}) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{
			"result": v,
			"status": "success",
		}
	}

	out := make(map[string]interface{}, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	if _, ok := out["result"]; !ok {
		if alias, ok := deriveResult(out); ok {
			out["result"] = alias
		}
	}
	return out
}

// deriveResult picks the most specific known field as the result alias.
func deriveResult(m map[string]interface{}) (interface{}, bool) {
	for _, k := range []string{"response", "merged", "memories", "status"} {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
