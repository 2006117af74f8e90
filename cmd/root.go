// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/hygrostat/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// Broker overrides
	brokerHost string
	brokerPort int

	// Sensor overrides
	portName string
	baudRate int

	// Monitor connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
)

var rootCmd = &cobra.Command{
	Use:   "hygrostat",
	Short: "MQTT humidity/temperature sensor node",
	Long: `Hygrostat - A sensor node that publishes humidity and temperature
readings to an MQTT broker.

The node keeps a retained presence message on the broker (online while
connected, offline through its last will), pings the broker to keep the
session alive and publishes one reading per period.

Configuration is read from --config, ./hygrostat.yaml,
~/.config/hygrostat/config.yaml or /etc/hygrostat/config.yaml, in that
order. Built-in defaults apply when no file is found.

Monitor connections (tui):
  --url ws://host:8088/ws [--username user]

For monitor authentication, the password is read from the HYGROSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	// Broker overrides
	rootCmd.PersistentFlags().StringVar(&brokerHost, "broker", "", "Broker host (overrides broker.host)")
	rootCmd.PersistentFlags().IntVar(&brokerPort, "broker-port", 0, "Broker port (overrides broker.port)")

	// Sensor overrides
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Sensor serial port, selects the serial driver")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Sensor baud rate (serial only)")

	// Monitor connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Monitor WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file, falls back to defaults when none is
// found, applies flag overrides and validates the result
func loadConfig() (*config.Config, string, error) {
	cfg := config.Default()
	source := "defaults"

	path, err := config.FindConfig(configPath)
	switch {
	case err == nil:
		cfg, err = config.Load(path)
		if err != nil {
			return nil, "", err
		}
		source = path
	case configPath != "":
		return nil, "", err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if brokerHost != "" {
		cfg.Broker.Host = brokerHost
	}
	if brokerPort != 0 {
		cfg.Broker.Port = brokerPort
	}
	if portName != "" {
		cfg.Sensor.Driver = config.DriverSerial
		cfg.Sensor.Port = portName
	}
	if baudRate != 0 {
		cfg.Sensor.Baud = baudRate
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration (%s): %w", source, err)
	}
	return cfg, source, nil
}

// setupLogger installs the configured logger as the slog default
func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := config.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
