package expr

import "fmt"

// Func is a builtin or matcher-constructor invocable from an expression.
// args holds positional arguments in source order; kwargs holds named
// arguments (used by format()).
type Func func(args []any, kwargs map[string]any) (any, error)

// Env is the dynamic scope an Expr evaluates against: named variable
// bindings (topology, data) plus a function table (pattern, format,
// prf_state, section_state, write_prf_state). Functions are resolved
// through a table rather than hardcoded so that the bridge can register
// stateful matcher constructors without this package knowing about them.
type Env struct {
	vars  map[string]any
	funcs map[string]Func
}

// NewEnv creates an empty Env.
func NewEnv() *Env {
	return &Env{vars: map[string]any{}, funcs: map[string]Func{}}
}

// Set installs or overwrites a variable binding.
func (e *Env) Set(name string, v any) { e.vars[name] = v }

// Delete removes a variable binding. Used to clear the transient `data`
// key on every exit path out of a rule evaluation (spec.md invariant iii).
func (e *Env) Delete(name string) { delete(e.vars, name) }

// Get returns a variable binding and whether it was present.
func (e *Env) Get(name string) (any, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// RegisterFunc installs a builtin or matcher-constructor function.
func (e *Env) RegisterFunc(name string, fn Func) { e.funcs[name] = fn }

// Caller is implemented by scope values that expose methods reachable from
// expressions (`data.group(1)`). This models the
// matcher/value duality design note: a matcher is both a truth-valued
// object usable in `read` and a source of captured data usable in `write`.
type Caller interface {
	CallMethod(name string, args []any) (any, error)
}

// Fielder is implemented by scope values that expose plain field access
// (`data.section`) without arguments, such as a decoded section_state
// match result.
type Fielder interface {
	Field(name string) (any, bool)
}

// Truther is implemented by matcher results (pattern(), prf_state(),
// section_state()) whose truthiness in a `read` position is distinct from
// Go's zero-value rules: a matcher with no captured groups is still a
// successful, "truthy" match.
type Truther interface {
	IsTruthy() bool
}

// Truthy reports whether v should be treated as a successful match when
// used as a rule's `read` value. Truther values defer to IsTruthy; booleans
// are used directly; nil and the empty string are false; everything else
// (including zero numbers, which the protocol uses as valid codes) is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case Truther:
		return t.IsTruthy()
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}

func evalNode(n node, env *Env) (any, error) {
	switch t := n.(type) {
	case litNode:
		return t.v, nil
	case identNode:
		if v, ok := env.Get(t.name); ok {
			return v, nil
		}
		return nil, fmt.Errorf("undefined name %q", t.name)
	case memberNode:
		target, err := evalNode(t.target, env)
		if err != nil {
			return nil, err
		}
		return evalMember(target, t.name)
	case callNode:
		return evalCall(t, env)
	default:
		return nil, fmt.Errorf("unsupported expression node %T", n)
	}
}

func evalMember(target any, name string) (any, error) {
	switch v := target.(type) {
	case Fielder:
		if f, ok := v.Field(name); ok {
			return f, nil
		}
		return nil, fmt.Errorf("no field %q", name)
	case map[string]any:
		if f, ok := v[name]; ok {
			return f, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("value of type %T has no field %q", target, name)
	}
}

func evalCall(c callNode, env *Env) (any, error) {
	var args []any
	kwargs := map[string]any{}
	for i, a := range c.args {
		v, err := evalNode(a, env)
		if err != nil {
			return nil, err
		}
		if c.kwnames[i] != "" {
			kwargs[c.kwnames[i]] = v
		} else {
			args = append(args, v)
		}
	}
	if c.target != nil {
		target, err := evalNode(c.target, env)
		if err != nil {
			return nil, err
		}
		caller, ok := target.(Caller)
		if !ok {
			return nil, fmt.Errorf("value of type %T has no method %q", target, c.name)
		}
		return caller.CallMethod(c.name, args)
	}
	fn, ok := env.funcs[c.name]
	if !ok {
		return nil, fmt.Errorf("undefined function %q", c.name)
	}
	return fn(args, kwargs)
}
