// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/hygrostat/pkg/sensor"
)

var (
	sensorTestTimeout int
	sensorTestCount   int
	sensorTestDelay   int
)

var sensorTestCmd = &cobra.Command{
	Use:   "sensor_test",
	Short: "Test the sensor by taking one or more readings",
	Long: `Take readings from the configured sensor and print them.

Each reading is printed the way the node publishes it (tenths with one
decimal place) together with the raw values. A failed reading prints the
error code the node would publish in its place.

Exit codes:
  0 - All readings succeeded
  1 - At least one reading failed
  2 - Connection error

Useful for checking the sensor wiring before starting the node.`,
	RunE: runSensorTest,
}

func init() {
	rootCmd.AddCommand(sensorTestCmd)
	sensorTestCmd.Flags().IntVar(&sensorTestTimeout, "timeout", 0, "Per-reading timeout in seconds (overrides sensor.timeout)")
	sensorTestCmd.Flags().IntVarP(&sensorTestCount, "count", "n", 1, "Number of readings to take")
	sensorTestCmd.Flags().IntVar(&sensorTestDelay, "delay", 2, "Seconds between readings")
}

func runSensorTest(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if sensorTestTimeout > 0 {
		cfg.Sensor.Timeout = time.Duration(sensorTestTimeout) * time.Second
	}

	sn, sensorInfo, err := OpenSensor(cfg.Sensor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer sn.Close()

	fmt.Printf("Hygrostat - Sensor Test\n")
	fmt.Printf("Sensor: %s\n", sensorInfo)
	fmt.Printf("Timeout: %s\n", cfg.Sensor.Timeout)
	fmt.Printf("Readings: %d\n\n", sensorTestCount)

	failures := 0
	for i := 0; i < sensorTestCount; i++ {
		if i > 0 {
			time.Sleep(time.Duration(sensorTestDelay) * time.Second)
		}

		start := time.Now()
		r, err := sn.Read()
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			failures++
			fmt.Printf("[%d] FAILED: %s (%v) after %s\n", i+1, sensor.ErrorCode(err), err, elapsed)
			continue
		}
		fmt.Printf("[%d] Humidity: %s%%  Temperature: %sC  (raw %d/%d, %s)\n",
			i+1, r.HumidityString(), r.TemperatureString(), r.Humidity, r.Temperature, elapsed)
	}

	fmt.Println()
	if failures > 0 {
		fmt.Fprintf(os.Stderr, "FAILED: %d of %d readings failed\n", failures, sensorTestCount)
		sn.Close()
		os.Exit(1)
	}
	fmt.Printf("SUCCESS: %d readings\n", sensorTestCount)
	return nil
}
