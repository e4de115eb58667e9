package engine

// Recognized result shapes for the hoisting pass. Nested `result.*`
// sub-objects matching one of these shapes get their fields lifted one
// level so downstream agents can address them without digging.
var (
	llmShapeKeys    = []string{"response", "confidence", "internal_reasoning", "metrics", "formatted_prompt"}
	memoryShapeKeys = []string{"memories"}
	forkShapeKeys   = []string{"status", "fork_group", "merged"}
)

// buildPayload assembles the per-step payload: the run input plus a
// hoisted copy of previous outputs. The copy keeps the live map owned
// by the scheduler out of agent hands.
func buildPayload(input interface{}, prev map[string]interface{}, runID string, step int, agentID string) Payload {
	outputs := make(map[string]interface{}, len(prev))
	for id, v := range prev {
		outputs[id] = hoist(v)
	}
	return Payload{
		Input:           input,
		PreviousOutputs: outputs,
		RunID:           runID,
		Step:            step,
		AgentID:         agentID,
	}
}

// hoist copies a stored result and lifts recognized fields out of a
// nested `result` sub-object. Scalars and unrecognized maps pass
// through unchanged (maps still copied).
func hoist(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}

	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = val
	}

	sub, ok := out["result"].(map[string]interface{})
	if !ok {
		return out
	}

	if hasAnyKey(sub, memoryShapeKeys) {
		liftAbsent(out, sub, memoryShapeKeys)
	}
	if hasAnyKey(sub, llmShapeKeys) {
		liftAbsent(out, sub, llmShapeKeys)
	}
	if isForkShape(sub) {
		liftAbsent(out, sub, forkShapeKeys)
	}
	return out
}

// liftAbsent copies recognized keys from sub into out, never
// overwriting a field the top level already has.
func liftAbsent(out, sub map[string]interface{}, keys []string) {
	for _, k := range keys {
		if _, exists := out[k]; exists {
			continue
		}
		if v, ok := sub[k]; ok {
			out[k] = v
		}
	}
}

func hasAnyKey(m map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// isForkShape requires status plus fork group to avoid hoisting every
// map that merely carries a status field.
func isForkShape(m map[string]interface{}) bool {
	_, hasStatus := m["status"]
	_, hasGroup := m["fork_group"]
	return hasStatus && hasGroup
}

// snapshotOutputs produces the immutable per-branch copy of previous
// outputs taken at fork time. Nested maps are copied one level deep;
// branches must not mutate deeper structures.
func snapshotOutputs(prev map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(prev))
	for id, v := range prev {
		if m, ok := v.(map[string]interface{}); ok {
			cp := make(map[string]interface{}, len(m))
			for k, val := range m {
				cp[k] = val
			}
			out[id] = cp
			continue
		}
		out[id] = v
	}
	return out
}
