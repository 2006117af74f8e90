// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Hygrostat - MQTT Humidity/Temperature Sensor Node
//
// Publishes sensor readings to an MQTT broker and keeps a retained
// presence message alive through the broker's last will.

package main

import (
	"os"

	"github.com/Thermoquad/hygrostat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
