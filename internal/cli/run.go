package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jablotron/ja2mqtt/internal/bridge"
	"github.com/jablotron/ja2mqtt/internal/correlation"
	"github.com/jablotron/ja2mqtt/internal/definition"
	"github.com/jablotron/ja2mqtt/internal/logging"
	"github.com/jablotron/ja2mqtt/internal/metrics"
	"github.com/jablotron/ja2mqtt/internal/mqttclient"
	"github.com/jablotron/ja2mqtt/internal/serialport"
	"github.com/jablotron/ja2mqtt/internal/simulator"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the serial<->MQTT bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(v)
		},
	}
	cmd.Flags().String("serial-port", "/dev/ttyUSB0", "serial device path")
	cmd.Flags().Int("serial-baud", 57600, "serial baud rate")
	cmd.Flags().String("mqtt-address", "localhost", "MQTT broker address")
	cmd.Flags().Int("mqtt-port", 1883, "MQTT broker port")
	cmd.Flags().String("mqtt-username", "", "MQTT username")
	cmd.Flags().String("mqtt-password", "", "MQTT password")
	cmd.Flags().String("mqtt-client-id", "ja2mqtt", "MQTT client id")
	cmd.Flags().Bool("simulator", false, "drive the bridge against an in-process panel simulator instead of a real serial device")
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func runBridge(v *viper.Viper) error {
	log := newLogger(v)
	rt := newRuntime(v)
	defer rt.Shutdown()

	def, err := loadDefinition(v)
	if err != nil {
		return fmt.Errorf("cannot load definition: %w", err)
	}

	transport, transportDesc := newSerialTransport(v, def, log)

	mqttCfg := mqttclient.Config{
		Address:        v.GetString("mqtt-address"),
		Port:           v.GetInt("mqtt-port"),
		Username:       v.GetString("mqtt-username"),
		Password:       v.GetString("mqtt-password"),
		ClientID:       v.GetString("mqtt-client-id"),
		Keepalive:      30 * time.Second,
		ReconnectAfter: 5 * time.Second,
		CleanSession:   true,
	}
	mqttClient := mqttclient.New(mqttCfg, log)

	corr := correlation.NewManager(time.Duration(def.CorrelationTimeout * float64(time.Second)))
	reg, _ := metrics.New()

	b := bridge.New(def, mqttClient, transport, corr, log, reg)

	g, ctx := errgroup.WithContext(rt.Context())
	g.Go(func() error {
		if err := mqttClient.Connect(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		mqttClient.Disconnect()
		return nil
	})
	g.Go(func() error {
		return b.Run(ctx, transport)
	})

	log.Info("ja2mqtt started", "serial_transport", transportDesc, "mqtt_address", mqttCfg.Address, "mqtt_client_id", mqttCfg.ClientID)
	return g.Wait()
}

// serialTransport is the combined read/write contract Bridge needs, shared
// by a real *serialport.Port and a *simulator.Port.
type serialTransport interface {
	bridge.SerialWriter
	bridge.SerialReader
}

// newSerialTransport selects between a real serial device and the
// in-process panel simulator per the --simulator flag, returning the
// transport and a description for the startup log line.
func newSerialTransport(v *viper.Viper, def *definition.Definition, log logging.Logger) (serialTransport, string) {
	if v.GetBool("simulator") {
		simCfg := simulatorConfigFromDefinition(def)
		sim := simulator.New(simCfg, log, time.Now().UnixNano())
		return simulator.NewPort(sim, log), "simulator"
	}

	serialCfg := serialport.DefaultConfig(v.GetString("serial-port"))
	if baud := v.GetInt("serial-baud"); baud > 0 {
		serialCfg.BaudRate = baud
	}
	return serialport.New(serialCfg, log), serialCfg.Port
}
