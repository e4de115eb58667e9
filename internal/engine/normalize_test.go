package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeWrapsScalars(t *testing.T) {
	out := normalize("hello")
	assert.Equal(t, "hello", out["result"])
	assert.Equal(t, "success", out["status"])

	out = normalize(nil)
	assert.Nil(t, out["result"])
	assert.Equal(t, "success", out["status"])
}

func TestNormalizeKeepsExistingResult(t *testing.T) {
	out := normalize(map[string]interface{}{
		"result":   "explicit",
		"response": "ignored for aliasing",
	})
	assert.Equal(t, "explicit", out["result"])
}

func TestNormalizeDerivesResultAlias(t *testing.T) {
	// response is the most specific alias source.
	out := normalize(map[string]interface{}{
		"response": "llm text",
		"status":   "success",
	})
	assert.Equal(t, "llm text", out["result"])

	out = normalize(map[string]interface{}{
		"merged": map[string]interface{}{"A": "a"},
		"status": "done",
	})
	assert.Equal(t, map[string]interface{}{"A": "a"}, out["result"])

	out = normalize(map[string]interface{}{
		"memories": []interface{}{"m1"},
	})
	assert.Equal(t, []interface{}{"m1"}, out["result"])

	out = normalize(map[string]interface{}{"status": "waiting"})
	assert.Equal(t, "waiting", out["result"])
}

func TestNormalizeLeavesUnknownMapsAlone(t *testing.T) {
	out := normalize(map[string]interface{}{"other": 1})
	_, ok := out["result"]
	assert.False(t, ok)
	assert.Equal(t, 1, out["other"])
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{"response": "x"}
	_ = normalize(in)
	_, ok := in["result"]
	assert.False(t, ok)
}
