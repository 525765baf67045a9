package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jablotron/ja2mqtt/internal/serialport"
)

// newStatesCommand connects to the panel just long enough to request and
// print its current section and peripheral state, the Go analogue of the
// original's `query` command.
func newStatesCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Query and print the panel's current section and peripheral states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStates(v, cmd)
		},
	}
	cmd.Flags().String("serial-port", "/dev/ttyUSB0", "serial device path")
	cmd.Flags().Int("serial-baud", 57600, "serial baud rate")
	cmd.Flags().Duration("timeout", 2*time.Second, "how long to wait for the panel's response")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func printStates(v *viper.Viper, cmd *cobra.Command) error {
	log := newLogger(v)

	serialCfg := serialport.DefaultConfig(v.GetString("serial-port"))
	if baud := v.GetInt("serial-baud"); baud > 0 {
		serialCfg.BaudRate = baud
	}
	port := serialport.New(serialCfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
	defer cancel()

	if err := port.Open(ctx); err != nil {
		return fmt.Errorf("cannot open serial port: %w", err)
	}
	defer port.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	done := make(chan struct{})
	go func() {
		_ = port.ReadLoop(ctx, func(line string) {
			fmt.Fprintf(w, "%s\n", line)
		})
		close(done)
	}()

	if err := port.WriteLine("0 STATE"); err != nil {
		return fmt.Errorf("cannot request state: %w", err)
	}
	if err := port.WriteLine("PRFSTATE"); err != nil {
		return fmt.Errorf("cannot request prfstate: %w", err)
	}

	<-ctx.Done()
	return nil
}
