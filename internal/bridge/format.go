package bridge

import (
	"fmt"
	"regexp"

	"github.com/jablotron/ja2mqtt/internal/expr"
)

var formatPlaceholder = regexp.MustCompile(`\{(\w+)\}`)

// registerFormat installs `format(template, **kwargs)`: a Python
// str.format()-alike that substitutes {name} placeholders from the call's
// keyword arguments, used throughout mqtt2serial `write` templates to build
// wire commands such as format("{pin} SET {code}", pin=data.group(1)).
// Grounded on pkg/evaluator/evaluator.go's ResolveTemplate.
func registerFormat(env *expr.Env) {
	env.RegisterFunc("format", func(args []any, kwargs map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("format() takes exactly one positional argument")
		}
		tmpl, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("format() first argument must be a string")
		}
		var missing error
		result := formatPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
			name := formatPlaceholder.FindStringSubmatch(m)[1]
			v, ok := kwargs[name]
			if !ok {
				missing = fmt.Errorf("format(): missing keyword argument %q", name)
				return m
			}
			return fmt.Sprintf("%v", v)
		})
		if missing != nil {
			return nil, missing
		}
		return result, nil
	})
}
