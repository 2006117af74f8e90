// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/hygrostat/internal/config"
	"github.com/Thermoquad/hygrostat/pkg/monitor"
	"github.com/Thermoquad/hygrostat/pkg/node"
	"github.com/Thermoquad/hygrostat/pkg/session"
)

// resetFlags restores the persistent flag variables after a test
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		configPath, logLevel, logFormat = "", "", ""
		brokerHost, brokerPort = "", 0
		portName, baudRate = "", 0
		wsURL, wsUsername, wsNoSSLVerify = "", "", false
		watchTopics = nil
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hygrostat.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================
// Configuration Loading
// ============================================================

func TestLoadConfig_Overrides(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, "broker:\n  host: file-broker\n  port: 1884\n")
	brokerHost = "flag-broker"
	portName = "/dev/ttyUSB0"
	baudRate = 19200
	logLevel = "debug"

	cfg, source, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != configPath {
		t.Errorf("source = %q, want %q", source, configPath)
	}
	if cfg.Broker.Host != "flag-broker" || cfg.Broker.Port != 1884 {
		t.Errorf("broker = %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Sensor.Driver != config.DriverSerial || cfg.Sensor.Port != "/dev/ttyUSB0" || cfg.Sensor.Baud != 19200 {
		t.Errorf("--port should select the serial driver, got %+v", cfg.Sensor)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetFlags(t)
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, source, err := loadConfig()
	if err != nil {
		// /etc/hygrostat/config.yaml may exist on the host
		t.Skipf("loadConfig: %v", err)
	}
	if source == "defaults" && cfg.Broker.Address() != "localhost:1883" {
		t.Errorf("default broker = %s", cfg.Broker.Address())
	}
}

func TestLoadConfig_ExplicitMissing(t *testing.T) {
	resetFlags(t)
	configPath = filepath.Join(t.TempDir(), "missing.yaml")

	if _, _, err := loadConfig(); err == nil {
		t.Fatal("missing --config file should be an error")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, "broker:\n  keep_alive: 70000\n")

	_, _, err := loadConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), configPath) {
		t.Errorf("error should name the config source: %v", err)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.KeepAlive = 45
	cfg.Topics.Command = "nodes/a/cmd"
	cfg.Buffers.Strict = true
	cfg.Features.Debug = true

	sc := sessionConfig(cfg)
	if sc.KeepAlive != 45 {
		t.Errorf("KeepAlive = %d", sc.KeepAlive)
	}
	if sc.HumidityTopic != cfg.Topics.Humidity || sc.TemperatureTopic != cfg.Topics.Temperature {
		t.Errorf("topics not mapped: %+v", sc)
	}
	if sc.PresenceTopic != "nodes/presence" || sc.OnlineMessage != "online" || sc.OfflineMessage != "offline" {
		t.Errorf("presence not mapped: %+v", sc)
	}
	if sc.CommandTopic != "nodes/a/cmd" || !sc.StrictBuffers || !sc.Debug {
		t.Errorf("options not mapped: %+v", sc)
	}
	if sc.PublishPeriod != 10*time.Second || sc.Backoff != time.Second {
		t.Errorf("timers not mapped: period=%s backoff=%s", sc.PublishPeriod, sc.Backoff)
	}
	if sc.TxSize != 200 || sc.RxSize != 150 {
		t.Errorf("buffers = %d/%d", sc.TxSize, sc.RxSize)
	}
}

func TestInboundHistory(t *testing.T) {
	h := node.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.OnMessage("nodes/a/cmd", []byte("blink"))
	h.OnMessage("nodes/a/cmd", []byte("reset"))

	got := inboundHistory(h.Received())
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Topic != "nodes/a/cmd" || string(got[0].Payload) != "blink" || string(got[1].Payload) != "reset" {
		t.Errorf("unexpected history %+v", got)
	}
	if got[0].Time == 0 || got[1].Time < got[0].Time {
		t.Errorf("timestamps not carried: %d, %d", got[0].Time, got[1].Time)
	}
	if len(inboundHistory(nil)) != 0 {
		t.Error("empty history should stay empty")
	}
}

// ============================================================
// Broker Tools
// ============================================================

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BrokerConfig
		want string
	}{
		{"plain", config.BrokerConfig{Host: "broker.local", Port: 1883}, "mqtt://broker.local:1883"},
		{"custom port", config.BrokerConfig{Host: "10.0.0.2", Port: 1884}, "mqtt://10.0.0.2:1884"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := brokerURL(tt.cfg)
			if err != nil {
				t.Fatalf("brokerURL: %v", err)
			}
			if u.String() != tt.want {
				t.Errorf("brokerURL = %q, want %q", u.String(), tt.want)
			}
		})
	}
}

func TestWatchFilters(t *testing.T) {
	resetFlags(t)
	cfg := config.Default()
	cfg.Topics.Command = ""
	watchTopics = []string{"extra/#"}

	got := watchFilters(cfg)
	want := []string{"sensors/humidity", "sensors/temperature", "nodes/presence", "extra/#"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("watchFilters = %v, want %v", got, want)
	}
}

func TestMonitorURL(t *testing.T) {
	resetFlags(t)
	cfg := config.Default()

	if _, err := monitorURL(cfg); err == nil {
		t.Error("expected error without --url or monitor.listen")
	}

	cfg.Monitor.Listen = ":8088"
	if got, _ := monitorURL(cfg); got != "ws://localhost:8088/ws" {
		t.Errorf("monitorURL = %q", got)
	}

	wsURL = "wss://node.example/feed"
	if got, _ := monitorURL(cfg); got != wsURL {
		t.Errorf("--url should win, got %q", got)
	}
}

// ============================================================
// Feed Connection
// ============================================================

func dialTestMonitor(t *testing.T) *monitor.Client {
	t.Helper()
	srv := monitor.NewServer(
		monitor.SourceFunc(func() session.Snapshot { return session.Snapshot{State: session.StateDisconnected} }),
		monitor.WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		monitor.WithInterval(time.Hour),
	)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := monitor.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), "", "", false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestFeedManager_SetClientAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fm := &feedManager{cfg: config.Default(), ctx: ctx, cancel: cancel}

	first := dialTestMonitor(t)
	if !fm.setClient(first) {
		t.Fatal("setClient before close should install the client")
	}

	fm.close()
	if _, err := first.Next(); err != monitor.ErrConnectionClosed {
		t.Errorf("close should close the current client, got %v", err)
	}

	// A reconnect that completes after close must not leak its client
	late := dialTestMonitor(t)
	if fm.setClient(late) {
		t.Error("setClient after close should refuse the client")
	}
	if fm.client != first {
		t.Error("refused client should not replace the current one")
	}
	if _, err := late.Next(); err != monitor.ErrConnectionClosed {
		t.Errorf("refused client should be closed, got %v", err)
	}
}

// ============================================================
// TUI Model
// ============================================================

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{61 * time.Second, "1 minute and 1 second"},
		{26*time.Hour + 2*time.Minute + 5*time.Second, "1 day, 2 hours, 2 minutes, and 5 seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatUptime(tt.d); got != tt.want {
				t.Errorf("formatUptime(%s) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestModel_ProcessSnapshots(t *testing.T) {
	m := initialModel(config.Default(), "test")

	first := &monitor.Frame{State: "CONNECTING", ConnState: "CONNECTING"}
	m.processMessage(&monitor.Message{Type: monitor.MsgSnapshot, Snapshot: first})
	if m.frame != first || len(m.eventLog) != 1 {
		t.Fatalf("first snapshot should be logged, log=%d", len(m.eventLog))
	}

	second := &monitor.Frame{
		State:       "CONNECTION_ESTABLISHED",
		ConnState:   "FAILED",
		SensorError: "E_CHECKSUM",
		Counters:    session.Counters{ConnackFailures: 1, Publishes: 2},
	}
	m.processMessage(&monitor.Message{Type: monitor.MsgSnapshot, Snapshot: second})

	errors := 0
	for _, e := range m.eventLog {
		if e.isError {
			errors++
		}
	}
	// refused connection, FAILED and sensor error
	if errors != 3 {
		t.Errorf("expected 3 error entries, got %d: %+v", errors, m.eventLog)
	}
	if m.stats.Counters.Publishes != 2 {
		t.Errorf("statistics not updated: %+v", m.stats.Counters)
	}

	m.processMessage(&monitor.Message{Type: monitor.MsgInbound, Inbound: &monitor.Inbound{Topic: "nodes/a/cmd", Payload: []byte("reset")}})
	last := m.eventLog[len(m.eventLog)-1]
	if !strings.Contains(last.message, "nodes/a/cmd") || last.isError {
		t.Errorf("inbound entry = %+v", last)
	}
}

func TestModel_LogLimit(t *testing.T) {
	m := initialModel(config.Default(), "test")
	for i := 0; i < m.maxLogEntries+10; i++ {
		m.addLogEntry("event", false)
	}
	if len(m.eventLog) != m.maxLogEntries {
		t.Errorf("log size = %d, want %d", len(m.eventLog), m.maxLogEntries)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
