// Package tree implements the definition file's read/write subtrees: a
// plain YAML-decoded value (map[string]any, []any, or a scalar) in which
// some string leaves are embedded expressions. It is the Go analogue of the
// original `!py` YAML tag: since gopkg.in/yaml.v3 has no convenient way to
// register a tag constructor that plugs a custom compiled type in at an
// arbitrary nesting depth, an expression leaf is instead any scalar string
// beginning with "=", the way a spreadsheet formula is marked. This is a
// deliberate, documented redesign decision (see DESIGN.md).
package tree

import (
	"fmt"
	"strings"

	"github.com/jablotron/ja2mqtt/internal/expr"
)

const exprSigil = "="

// IsExpr reports whether s is formatted as an embedded expression.
func IsExpr(s string) bool {
	return strings.HasPrefix(s, exprSigil)
}

// Compile walks a YAML-decoded value, compiling every "=..." string leaf
// into a *expr.Expr. Mappings and sequences are copied and recursed into;
// every other scalar is returned unchanged. Compilation happens once, at
// definition-load time (spec.md invariant: "read/write subtrees are walked
// eagerly so expression nodes are compiled once").
func Compile(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			cv, err := Compile(vv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = cv
		}
		return out, nil
	case map[any]any:
		// yaml.v3 may decode nested maps as map[string]interface{} already,
		// but guard against map[any]any from generic interface{} decodes.
		out := make(map[string]any, len(t))
		for k, vv := range t {
			ks := fmt.Sprintf("%v", k)
			cv, err := Compile(vv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			out[ks] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			cv, err := Compile(vv)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case string:
		if IsExpr(t) {
			e, err := expr.Compile(strings.TrimPrefix(t, exprSigil))
			if err != nil {
				return nil, err
			}
			return e, nil
		}
		return t, nil
	default:
		return v, nil
	}
}

// DeepEval recurses into a compiled tree, replacing every *expr.Expr leaf
// with its evaluated value and leaving literals untouched, producing a
// plain JSON-marshalable value.
func DeepEval(v any, env *expr.Env) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			cv, err := DeepEval(vv, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			cv, err := DeepEval(vv, env)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case *expr.Expr:
		return t.Eval(env)
	default:
		return v, nil
	}
}

// DeepEvalLenient behaves like DeepEval but, per spec.md §7 ("Expression"
// error handling: a write expression that fails becomes null rather than
// aborting the whole payload), substitutes nil for any leaf whose
// evaluation fails instead of propagating the error. onError, if non-nil,
// is invoked with the failing expression's source text for logging.
func DeepEvalLenient(v any, env *expr.Env, onError func(exprText string, err error)) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = DeepEvalLenient(vv, env, onError)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = DeepEvalLenient(vv, env, onError)
		}
		return out
	case *expr.Expr:
		val, err := t.Eval(env)
		if err != nil {
			if onError != nil {
				onError(t.String(), err)
			}
			return nil
		}
		return val
	default:
		return v
	}
}

// Merge implements the original's deep_merge(source, destination): for
// every key in the (possibly still-compiled) source tree, fill it into
// destination where destination doesn't already have that key; for keys
// present in both as lists, append; for keys present in both as maps,
// recurse. destination is mutated and returned. Keys already present in
// destination always win, which is what lets a non-empty correlation patch
// computed from the queue take priority over a rule's `write` template
// while still being filled in with the rest of the template's fields.
func Merge(source any, destination map[string]any) map[string]any {
	m, ok := source.(map[string]any)
	if !ok {
		return destination
	}
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			node, _ := destination[k].(map[string]any)
			if node == nil {
				node = map[string]any{}
			}
			destination[k] = Merge(sub, node)
			continue
		}
		if existing, ok := destination[k].([]any); ok {
			if list, ok := v.([]any); ok {
				destination[k] = append(existing, list...)
				continue
			}
		}
		if _, exists := destination[k]; !exists {
			destination[k] = v
		}
	}
	return destination
}
