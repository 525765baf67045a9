package cli

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jablotron/ja2mqtt/internal/definition"
	"github.com/jablotron/ja2mqtt/internal/logging"
	"github.com/jablotron/ja2mqtt/internal/runtime"
)

// loadDefinition resolves the --definition and --topology flags, builds the
// environment map consumed by the ${VAR} interpolation, and loads the
// compiled Definition.
func loadDefinition(v *viper.Viper) (*definition.Definition, error) {
	path := v.GetString("definition")
	if path == "" {
		return nil, fmt.Errorf("--definition is required")
	}

	var topology map[string]any
	if topoPath := v.GetString("topology"); topoPath != "" {
		raw, err := os.ReadFile(topoPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read topology file %s: %w", topoPath, err)
		}
		if err := yaml.Unmarshal(raw, &topology); err != nil {
			return nil, fmt.Errorf("cannot parse topology file %s: %w", topoPath, err)
		}
	}

	return definition.Load(path, topology, envMap())
}

// envMap consolidates os.Environ() into a lookup table for ${VAR}
// interpolation, mirroring the original's use of os.environ as the
// !env tag's resolution scope.
func envMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

// newLogger builds the root Logger from --debug/--ansi.
func newLogger(v *viper.Viper) logging.Logger {
	return logging.New(
		logging.WithDebug(v.GetBool("debug")),
		logging.WithANSI(v.GetBool("ansi")),
	)
}

// newRuntime builds the process Runtime and arms signal-based shutdown.
func newRuntime(v *viper.Viper) *runtime.Runtime {
	rt := runtime.New(v.GetBool("debug"), v.GetBool("ansi"), envMap())
	rt.NotifyOnSignal()
	return rt
}
