package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newConfigCommand is the read-only introspection command: print the
// resolved definition's topics and rule counts as a table, the Go analogue
// of the original's `query` command.
func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved rule definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(v)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintf(w, "TOPIC PREFIX\t%s\n", def.TopicPrefix)
			fmt.Fprintf(w, "CORRELATION FIELD\t%s\n", def.CorrelationIDField)
			fmt.Fprintf(w, "PRFSTATE BITS\t%d\n", def.PrfstateBits)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "DIRECTION\tTOPIC\tRULES\tDISABLED")
			for _, t := range def.TopicsSerial2MQTT {
				fmt.Fprintf(w, "serial2mqtt\t%s\t%d\t%t\n", t.Name, len(t.Rules), t.Disabled)
			}
			for _, t := range def.TopicsMQTT2Serial {
				fmt.Fprintf(w, "mqtt2serial\t%s\t%d\t%t\n", t.Name, len(t.Rules), t.Disabled)
			}
			return nil
		},
	}
}
