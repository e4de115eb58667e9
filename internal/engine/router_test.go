package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/workflow"
)

func routerSpec() *workflow.AgentSpec {
	return &workflow.AgentSpec{
		ID:          "router1",
		Kind:        workflow.KindRouter,
		DecisionKey: "classifier",
		Routes: map[string][]string{
			"yes": {"approve", "notify"},
			"no":  {"reject"},
		},
	}
}

func TestEvaluateRouteFromDecisionKey(t *testing.T) {
	prev := map[string]interface{}{
		"classifier": map[string]interface{}{"result": "yes"},
	}
	ids, decision, err := evaluateRoute(routerSpec(), nil, prev)
	require.NoError(t, err)
	assert.Equal(t, "yes", decision)
	assert.Equal(t, []string{"approve", "notify"}, ids)
}

func TestEvaluateRouteUnknownDecisionRoutesNowhere(t *testing.T) {
	prev := map[string]interface{}{
		"classifier": map[string]interface{}{"result": "maybe"},
	}
	ids, decision, err := evaluateRoute(routerSpec(), nil, prev)
	require.NoError(t, err)
	assert.Equal(t, "maybe", decision)
	assert.Empty(t, ids)
}

func TestEvaluateRouteHandlerListWins(t *testing.T) {
	prev := map[string]interface{}{
		"classifier": map[string]interface{}{"result": "yes"},
	}
	ids, _, err := evaluateRoute(routerSpec(), []string{"custom"}, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, ids)

	// Mixed-type lists are not id lists; fall back to the map.
	ids, _, err = evaluateRoute(routerSpec(), []interface{}{"custom", 3}, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "notify"}, ids)
}

func TestEvaluateRouteMissingDecisionKeyIsConfigError(t *testing.T) {
	spec := &workflow.AgentSpec{ID: "router1", Kind: workflow.KindRouter}
	_, _, err := evaluateRoute(spec, nil, nil)
	var cfgErr *workflow.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestDecisionValueStringification(t *testing.T) {
	prev := map[string]interface{}{
		"bool":   map[string]interface{}{"result": true},
		"num":    map[string]interface{}{"result": 3},
		"plain":  "direct",
		"nilval": map[string]interface{}{"result": nil},
	}
	assert.Equal(t, "true", decisionValue(prev, "bool"))
	assert.Equal(t, "3", decisionValue(prev, "num"))
	assert.Equal(t, "direct", decisionValue(prev, "plain"))
	assert.Equal(t, "", decisionValue(prev, "nilval"))
	assert.Equal(t, "", decisionValue(prev, "absent"))
}
