package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalLiterals(t *testing.T) {
	env := NewEnv()
	cases := map[string]any{
		`"hello"`: "hello",
		`'world'`: "world",
		`42`:      42,
		`3.5`:     3.5,
		`true`:    true,
		`false`:   false,
	}
	for src, want := range cases {
		e, err := Compile(src)
		require.NoError(t, err)
		got, err := e.Eval(env)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEvalIdentAndMember(t *testing.T) {
	env := NewEnv()
	env.Set("topology", map[string]any{"name": "panel"})
	e := MustCompile("topology.name")
	got, err := e.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, "panel", got)
}

func TestEvalFuncCall(t *testing.T) {
	env := NewEnv()
	env.RegisterFunc("format", func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	})
	e := MustCompile(`format("x")`)
	got, err := e.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

type fakeCaller struct{ group1 string }

func (f *fakeCaller) CallMethod(name string, args []any) (any, error) {
	if name == "group" {
		return f.group1, nil
	}
	return nil, nil
}

func TestEvalMethodCall(t *testing.T) {
	env := NewEnv()
	env.Set("data", &fakeCaller{group1: "1234"})
	e := MustCompile("data.group(1)")
	got, err := e.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, "1234", got)
}

func TestEvalKeywordArgs(t *testing.T) {
	env := NewEnv()
	env.RegisterFunc("format", func(args []any, kwargs map[string]any) (any, error) {
		return kwargs["pin"], nil
	})
	e := MustCompile(`format("{pin} SET {code}", pin=data.group(1), code=1)`)
	env.Set("data", &fakeCaller{group1: "1234"})
	got, err := e.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, "1234", got)
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(`pattern("unterminated`)
	assert.Error(t, err)
}
