// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config handles hygrostat configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Sensor drivers
const (
	DriverSimulated = "simulated"
	DriverSerial    = "serial"
)

// DefaultSearchPaths returns the config file search order.
// Then: ./hygrostat.yaml, ~/.config/hygrostat/config.yaml, /etc/hygrostat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hygrostat.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hygrostat", "config.yaml"))
	}

	paths = append(paths, "/etc/hygrostat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the complete node configuration
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Node     NodeConfig     `yaml:"node"`
	Topics   TopicsConfig   `yaml:"topics"`
	Presence PresenceConfig `yaml:"presence"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Buffers  BuffersConfig  `yaml:"buffers"`
	Features FeaturesConfig `yaml:"features"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Log      LogConfig      `yaml:"log"`
}

// BrokerConfig describes the MQTT broker connection
type BrokerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	KeepAlive    int           `yaml:"keep_alive"` // seconds, 0 disables pings
	Backoff      time.Duration `yaml:"backoff"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MSS          int           `yaml:"mss"`
}

// Address returns host:port
func (b BrokerConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// NodeConfig identifies the node and sets its schedule
type NodeConfig struct {
	ClientID       string        `yaml:"client_id"`        // explicit id, overrides the prefix
	ClientIDPrefix string        `yaml:"client_id_prefix"` // followed by the local IPv4 address
	Interface      string        `yaml:"interface"`        // empty picks the first non-loopback interface
	AddressRetry   time.Duration `yaml:"address_retry"`
	PublishPeriod  time.Duration `yaml:"publish_period"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	Activity       time.Duration `yaml:"activity"` // activity signal hold time
}

// TopicsConfig names the publish and subscribe topics
type TopicsConfig struct {
	Humidity    string `yaml:"humidity"`
	Temperature string `yaml:"temperature"`
	Command     string `yaml:"command"` // optional
}

// PresenceConfig sets the retained presence topic and its payloads
type PresenceConfig struct {
	Topic   string `yaml:"topic"`
	Online  string `yaml:"online"`
	Offline string `yaml:"offline"`
}

// SensorConfig selects and configures the sensor driver
type SensorConfig struct {
	Driver  string        `yaml:"driver"` // simulated, serial
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`

	// Simulated driver
	Humidity    int16   `yaml:"humidity"`    // tenths of a percent
	Temperature int16   `yaml:"temperature"` // tenths of a degree
	Seed        int64   `yaml:"seed"`
	ErrorRate   float64 `yaml:"error_rate"`
}

// BuffersConfig sizes the protocol ring buffers
type BuffersConfig struct {
	TX     int  `yaml:"tx"`
	RX     int  `yaml:"rx"`
	Strict bool `yaml:"strict"` // drop the connection on TX overflow
}

// FeaturesConfig holds the optional node features
type FeaturesConfig struct {
	DHCP  bool `yaml:"dhcp"`
	Debug bool `yaml:"debug"`
}

// MonitorConfig configures the live monitor feed
type MonitorConfig struct {
	Listen   string        `yaml:"listen"` // empty disables the monitor
	Path     string        `yaml:"path"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether the monitor should be started
func (m MonitorConfig) Enabled() bool {
	return m.Listen != ""
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded and unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns the stock node configuration
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:         "localhost",
			Port:         1883,
			KeepAlive:    30,
			Backoff:      time.Second,
			DialTimeout:  10 * time.Second,
			WriteTimeout: 3 * time.Second,
			PollInterval: 500 * time.Millisecond,
			MSS:          100,
		},
		Node: NodeConfig{
			ClientIDPrefix: "hygrostat-",
			AddressRetry:   10 * time.Second,
			PublishPeriod:  10 * time.Second,
			TickInterval:   100 * time.Millisecond,
			Activity:       100 * time.Millisecond,
		},
		Topics: TopicsConfig{
			Humidity:    "sensors/humidity",
			Temperature: "sensors/temperature",
		},
		Presence: PresenceConfig{
			Topic:   "nodes/presence",
			Online:  "online",
			Offline: "offline",
		},
		Sensor: SensorConfig{
			Driver:      DriverSimulated,
			Baud:        9600,
			Timeout:     2 * time.Second,
			Humidity:    450,
			Temperature: 215,
			Seed:        1,
		},
		Buffers: BuffersConfig{
			TX: 200,
			RX: 150,
		},
		Monitor: MonitorConfig{
			Path:     "/ws",
			Interval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the node cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Broker.KeepAlive < 0 || c.Broker.KeepAlive > 0xFFFF {
		errs = append(errs, fmt.Errorf("broker.keep_alive %d out of range (0-65535)", c.Broker.KeepAlive))
	}
	if c.Broker.MSS < 1 {
		errs = append(errs, fmt.Errorf("broker.mss must be positive"))
	}
	if c.Node.PublishPeriod <= 0 {
		errs = append(errs, errors.New("node.publish_period must be positive"))
	}
	if c.Node.TickInterval <= 0 {
		errs = append(errs, errors.New("node.tick_interval must be positive"))
	}
	if c.Topics.Humidity == "" || c.Topics.Temperature == "" {
		errs = append(errs, errors.New("topics.humidity and topics.temperature are required"))
	}
	if c.Presence.Topic != "" && (c.Presence.Online == "" || c.Presence.Offline == "") {
		errs = append(errs, errors.New("presence.online and presence.offline are required with presence.topic"))
	}
	if c.Buffers.TX < 16 || c.Buffers.RX < 16 {
		errs = append(errs, fmt.Errorf("buffers must hold at least 16 bytes (tx=%d rx=%d)", c.Buffers.TX, c.Buffers.RX))
	}

	switch c.Sensor.Driver {
	case DriverSimulated:
		if c.Sensor.ErrorRate < 0 || c.Sensor.ErrorRate > 1 {
			errs = append(errs, fmt.Errorf("sensor.error_rate %v out of range (0-1)", c.Sensor.ErrorRate))
		}
	case DriverSerial:
		if c.Sensor.Port == "" {
			errs = append(errs, errors.New("sensor.port is required for the serial driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sensor.driver %q (valid: %s, %s)", c.Sensor.Driver, DriverSimulated, DriverSerial))
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q (valid: text, json)", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	if out.Monitor.Password != "" {
		out.Monitor.Password = "********"
	}
	return &out
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
