package tree

import (
	"testing"

	"github.com/jablotron/ja2mqtt/internal/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndDeepEval(t *testing.T) {
	raw := map[string]any{
		"section_code": "=data.section_code",
		"state":        "ARMED",
		"nested": map[string]any{
			"pin": "=data.pin",
		},
	}
	compiled, err := Compile(raw)
	require.NoError(t, err)

	env := expr.NewEnv()
	env.Set("data", map[string]any{"section_code": float64(1), "pin": "1234"})

	out, err := DeepEval(compiled, env)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, float64(1), m["section_code"])
	assert.Equal(t, "ARMED", m["state"])
	assert.Equal(t, "1234", m["nested"].(map[string]any)["pin"])
}

func TestMergeFillsMissingKeysOnly(t *testing.T) {
	source := map[string]any{
		"section_code": "ARMED",
		"corrid":       "should-not-override",
	}
	dest := map[string]any{"corrid": "abc"}
	out := Merge(source, dest)
	assert.Equal(t, "abc", out["corrid"])
	assert.Equal(t, "ARMED", out["section_code"])
}

func TestMergeEmptyDestination(t *testing.T) {
	source := map[string]any{"a": 1}
	out := Merge(source, map[string]any{})
	assert.Equal(t, 1, out["a"])
}

func TestDeepEvalLenientSwallowsErrors(t *testing.T) {
	compiled, err := Compile(map[string]any{"x": "=undefined_fn()"})
	require.NoError(t, err)
	var errText string
	env := expr.NewEnv()
	out := DeepEvalLenient(compiled, env, func(e string, err error) { errText = e })
	assert.Nil(t, out.(map[string]any)["x"])
	assert.Equal(t, "undefined_fn()", errText)
}
