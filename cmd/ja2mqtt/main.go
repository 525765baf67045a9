// Command ja2mqtt runs the JA-121T serial<->MQTT bridge. Its command tree
// (run/config/states/version) is the Go analogue of the original's click
// group in original_source/ja2mqtt/__main__.py, rebuilt on
// github.com/spf13/cobra the way cmd/hermod/main.go's flag-based bootstrap
// generalizes to a subcommand tree.
package main

import (
	"fmt"
	"os"

	"github.com/jablotron/ja2mqtt/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
