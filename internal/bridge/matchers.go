package bridge

import (
	"fmt"
	"regexp"

	"github.com/jablotron/ja2mqtt/internal/expr"
)

// matchResult is the value produced by pattern()/section_state()/prf_state()
// calls: truthy when the match succeeded, and a Caller exposing .group(n)
// to recover captured text in the `write` side of the same rule. This is
// the matcher/value duality design note from spec.md's Design Notes section.
type matchResult struct {
	matched bool
	groups  []string
	fields  map[string]any
}

func (m *matchResult) IsTruthy() bool { return m.matched }

func (m *matchResult) CallMethod(name string, args []any) (any, error) {
	if name != "group" {
		return nil, fmt.Errorf("matchResult has no method %q", name)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("group() takes exactly one argument")
	}
	idx, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(m.groups) {
		return nil, fmt.Errorf("group(%d) out of range", idx)
	}
	return m.groups[idx], nil
}

func (m *matchResult) Field(name string) (any, bool) {
	v, ok := m.fields[name]
	return v, ok
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

var patternCache = map[string]*regexp.Regexp{}

func compilePattern(re string) (*regexp.Regexp, error) {
	if cached, ok := patternCache[re]; ok {
		return cached, nil
	}
	compiled, err := regexp.Compile(re)
	if err != nil {
		return nil, fmt.Errorf("pattern: invalid regular expression %q: %w", re, err)
	}
	patternCache[re] = compiled
	return compiled, nil
}

// registerPattern installs the `pattern(re)` matcher, matched against the
// current `line` variable bound into env before each rule's Read is
// evaluated (see Bridge.onSerialData). Grounded on
// original_source/ja2mqtt/components/bridge.py's Pattern class.
func registerPattern(env *expr.Env) {
	env.RegisterFunc("pattern", func(args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("pattern() takes exactly one argument")
		}
		reStr, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("pattern() argument must be a string")
		}
		re, err := compilePattern(reStr)
		if err != nil {
			return nil, err
		}
		line, _ := env.Get("line")
		lineStr, _ := line.(string)
		m := re.FindStringSubmatch(lineStr)
		if m == nil {
			return &matchResult{matched: false}, nil
		}
		return &matchResult{matched: true, groups: m}, nil
	})
}

// registerSectionState installs `section_state(pattern, g1, g2)`: a pattern
// match against the current line whose two capture groups, given by index,
// are interpreted as
// a section code and a status word, additionally exposing `.section` and
// `.status` fields for use in `write` templates without indexing groups by
// number. Grounded on the original's STATE line handling in bridge.py.
func registerSectionState(env *expr.Env) {
	env.RegisterFunc("section_state", func(args []any, _ map[string]any) (any, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("section_state() takes exactly three arguments: pattern, section_group, status_group")
		}
		reStr, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("section_state() first argument must be a string")
		}
		sectionIdx, err := toInt(args[1])
		if err != nil {
			return nil, err
		}
		statusIdx, err := toInt(args[2])
		if err != nil {
			return nil, err
		}
		re, err := compilePattern(reStr)
		if err != nil {
			return nil, err
		}
		line, _ := env.Get("line")
		lineStr, _ := line.(string)
		m := re.FindStringSubmatch(lineStr)
		if m == nil {
			return &matchResult{matched: false}, nil
		}
		if sectionIdx >= len(m) || statusIdx >= len(m) {
			return &matchResult{matched: false}, nil
		}
		return &matchResult{
			matched: true,
			groups:  m,
			fields: map[string]any{
				"section": m[sectionIdx],
				"status":  m[statusIdx],
			},
		}, nil
	})
}

// registerPrfState installs `prf_state(pos)`: true when the current serial
// line is a PRFSTATE report whose decode produced a transition for
// peripheral position pos. Bridge.onSerialData evaluates the whole
// serial2mqtt topic/rule set once per changed position, binding
// `transition_pos` and `transition_state` before each rule is tried.
func registerPrfState(env *expr.Env) {
	env.RegisterFunc("prf_state", func(args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("prf_state() takes exactly one argument")
		}
		wantPos, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		pos, ok := env.Get("transition_pos")
		if !ok {
			return &matchResult{matched: false}, nil
		}
		posInt, _ := pos.(int)
		if posInt != wantPos {
			return &matchResult{matched: false}, nil
		}
		state, _ := env.Get("transition_state")
		return &matchResult{
			matched: true,
			fields: map[string]any{
				"pos":   posInt,
				"state": state,
			},
		}, nil
	})
}

// prfArmedKey is the Env key write_prf_state() sets to force the next
// PRFSTATE decode to report every position as a transition, regardless of
// whether its bit actually flipped. Bridge.onSerialData reads and clears it.
const prfArmedKey = "__prf_state_armed"

// registerWritePrfState installs `write_prf_state()`, a zero-argument
// write-side helper that renders the panel's literal "PRFSTATE" poll command
// and arms prf_state() to treat the very next PRFSTATE decode as a full
// state dump (every position reported, not just the ones whose bit
// changed). Grounded on spec.md §4.4's write_prf_state() and
// original_source/ja2mqtt/components/bridge.py's request_state handling.
func registerWritePrfState(env *expr.Env) {
	env.RegisterFunc("write_prf_state", func(args []any, _ map[string]any) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("write_prf_state() takes no arguments")
		}
		env.Set(prfArmedKey, true)
		return "PRFSTATE", nil
	})
}

// NewMatcherEnv builds a fresh expr.Env with all bridge-owned matcher and
// helper functions registered. Called once per Bridge, since prf_state's
// transition_pos/transition_state bindings are installed per-evaluation
// onto the same Env instance by onSerialData.
func NewMatcherEnv() *expr.Env {
	env := expr.NewEnv()
	registerPattern(env)
	registerSectionState(env)
	registerPrfState(env)
	registerWritePrfState(env)
	registerFormat(env)
	return env
}
