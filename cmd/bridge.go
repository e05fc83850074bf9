// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/Thermoquad/spalink/internal/homie"
	"github.com/spf13/cobra"
)

var (
	mqttBroker string
	mqttDevice string
	deviceName string
	syncTime   bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Publish the spa to MQTT as a Homie device",
	Long: `Run until interrupted, mirroring the spa onto an MQTT broker.

Every property is published retained under <prefix>/<device>/spa/ and
settable properties accept commands on their /set topic:

  set_temperature  Celsius set point
  heat_mode        ready or rest
  pumpN            speed, 0 for off
  lightN           true or false

With --sync-time the controller clock is set to local time on every
connect and once a day. The broker password is read from
SPALINK_MQTT_PASSWORD.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&mqttBroker, "broker", "", "MQTT broker URL (tcp://host:1883)")
	bridgeCmd.Flags().StringVar(&mqttDevice, "device-id", "", "Homie device ID")
	bridgeCmd.Flags().StringVar(&deviceName, "name", "Hot Tub", "Homie device name")
	bridgeCmd.Flags().BoolVar(&syncTime, "sync-time", false, "Keep the controller clock on local time")
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if cmd.Flags().Changed("broker") {
		cfg.MQTT.Broker = mqttBroker
	}
	if cmd.Flags().Changed("device-id") {
		cfg.MQTT.DeviceID = mqttDevice
	}
	if cmd.Flags().Changed("sync-time") {
		cfg.Engine.SyncTime = syncTime
	}

	engine, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	bridge, client := homie.Connect(engine, homie.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Prefix:   cfg.MQTT.Prefix,
		DeviceID: cfg.MQTT.DeviceID,
		Name:     deviceName,
		Logger:   logger,
	})
	if cfg.Engine.SyncTime {
		go engine.SyncClock(ctx, cfg.Engine.SyncInterval)
	}
	logger.Info().
		Str("broker", cfg.MQTT.Broker).
		Str("device", cfg.MQTT.DeviceID).
		Msg("Bridge running")

	select {
	case <-ctx.Done():
	case <-engine.Done():
	}

	bridge.Stop()
	client.Disconnect(250)
	return nil
}
