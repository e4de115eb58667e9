package engine

import (
	"fmt"

	"github.com/loomworks/loom/internal/workflow"
)

// evaluateRoute resolves a router step to the ordered list of agent ids
// to prepend. When a custom handler produced a result, that result
// wins if it is an id list; otherwise the static routing map is
// consulted with the decision value from previous outputs. An empty or
// unrecognized outcome routes nowhere and leaves the queue untouched.
func evaluateRoute(spec *workflow.AgentSpec, handlerResult interface{}, prev map[string]interface{}) ([]string, string, error) {
	if spec.DecisionKey == "" {
		// Validated at load time; reaching this means the descriptor
		// was mutated after load.
		return nil, "", &workflow.ConfigError{Node: spec.ID, Reason: "router requires a decision_key"}
	}

	if ids := toIDList(handlerResult); len(ids) > 0 {
		return ids, "", nil
	}

	decision := decisionValue(prev, spec.DecisionKey)
	return spec.Routes[decision], decision, nil
}

// toIDList accepts the two list shapes handlers return.
func toIDList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		ids := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			ids = append(ids, s)
		}
		return ids
	default:
		return nil
	}
}

// decisionValue stringifies the previous output the router keys on.
// Mapping results contribute their `result` field.
func decisionValue(prev map[string]interface{}, key string) string {
	v, ok := prev[key]
	if !ok {
		return ""
	}
	if m, isMap := v.(map[string]interface{}); isMap {
		if r, ok := m["result"]; ok {
			v = r
		}
	}
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
