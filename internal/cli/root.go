// Package cli implements the ja2mqtt command tree on github.com/spf13/cobra
// and github.com/spf13/viper, following cmd/hermod/main.go's flag-driven
// bootstrap pattern generalized into subcommands.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// NewRootCommand builds the ja2mqtt command tree: run, config, states,
// version. Persistent flags bind into a viper instance created here and
// shared by every subcommand.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "ja2mqtt",
		Short: "Bridge a Jablotron JA-121T alarm panel to MQTT",
	}

	root.PersistentFlags().String("definition", "", "path to the rule definition YAML file")
	root.PersistentFlags().String("topology", "", "path to the topology YAML file")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("ansi", true, "enable ANSI console log output")
	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix("JA2MQTT")
	v.AutomaticEnv()

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newConfigCommand(v))
	root.AddCommand(newStatesCommand(v))
	root.AddCommand(newVersionCommand())
	return root
}
