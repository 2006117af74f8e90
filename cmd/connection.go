// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/hygrostat/internal/config"
	"github.com/Thermoquad/hygrostat/pkg/monitor"
	"github.com/Thermoquad/hygrostat/pkg/sensor"
	"github.com/Thermoquad/hygrostat/pkg/session"
	"github.com/Thermoquad/hygrostat/pkg/transport"
)

// nopCloser adapts sensors that hold no resources
type nopCloser struct {
	session.Sensor
}

func (nopCloser) Close() error { return nil }

// SensorConn is an open sensor
type SensorConn interface {
	session.Sensor
	io.Closer
}

// OpenSensor opens the configured sensor driver
func OpenSensor(cfg config.SensorConfig) (SensorConn, string, error) {
	switch cfg.Driver {
	case config.DriverSerial:
		s, err := sensor.OpenSerialSensor(cfg.Port, cfg.Baud, cfg.Timeout)
		if err != nil {
			return nil, "", err
		}
		return s, fmt.Sprintf("Serial: %s @ %d baud", cfg.Port, cfg.Baud), nil

	case config.DriverSimulated:
		sim := sensor.NewSimulated(sensor.Reading{
			Humidity:    cfg.Humidity,
			Temperature: cfg.Temperature,
		}, cfg.Seed)
		sim.ErrorRate = cfg.ErrorRate
		return nopCloser{sim}, "Simulated", nil
	}

	return nil, "", fmt.Errorf("unknown sensor driver %q", cfg.Driver)
}

// OpenTransport creates the broker transport from the broker section
func OpenTransport(cfg config.BrokerConfig, opts ...transport.Option) *transport.TCP {
	opts = append([]transport.Option{
		transport.WithMSS(cfg.MSS),
		transport.WithPollInterval(cfg.PollInterval),
		transport.WithWriteTimeout(cfg.WriteTimeout),
		transport.WithDialTimeout(cfg.DialTimeout),
	}, opts...)
	return transport.NewTCP(cfg.Address(), opts...)
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("HYGROSTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// monitorURL returns --url, or the local monitor address from the config
func monitorURL(cfg *config.Config) (string, error) {
	if wsURL != "" {
		return wsURL, nil
	}
	if !cfg.Monitor.Enabled() {
		return "", fmt.Errorf("either --url or monitor.listen must be specified")
	}
	host := cfg.Monitor.Listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + cfg.Monitor.Path, nil
}

// OpenMonitor connects to a node's monitor feed
func OpenMonitor(ctx context.Context, cfg *config.Config) (*monitor.Client, string, error) {
	u, err := monitorURL(cfg)
	if err != nil {
		return nil, "", err
	}

	username := wsUsername
	if username == "" && wsURL == "" {
		username = cfg.Monitor.Username
	}

	password := ""
	if username != "" {
		if wsURL == "" && cfg.Monitor.Password != "" {
			password = cfg.Monitor.Password
		} else {
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}
	}

	c, err := monitor.Dial(ctx, u, username, password, wsNoSSLVerify)
	if err != nil {
		return nil, "", err
	}
	return c, fmt.Sprintf("WebSocket: %s", u), nil
}
