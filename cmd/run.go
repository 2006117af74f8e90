// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/hygrostat/internal/config"
	"github.com/Thermoquad/hygrostat/pkg/actsig"
	"github.com/Thermoquad/hygrostat/pkg/monitor"
	"github.com/Thermoquad/hygrostat/pkg/node"
	"github.com/Thermoquad/hygrostat/pkg/session"
	"github.com/Thermoquad/hygrostat/pkg/softtimer"
	"github.com/Thermoquad/hygrostat/pkg/transport"
	"github.com/Thermoquad/hygrostat/pkg/umqtt"
)

var (
	runStatsInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sensor node",
	Long: `Connect to the MQTT broker and publish sensor readings.

The node connects with a retained "offline" last will, publishes a retained
"online" presence message once the broker accepts the session, and then
publishes humidity and temperature every publish period. A failed connect
attempt is retried after the backoff interval; a lost connection is retried
immediately.

With features.dhcp the node first waits for an IPv4 address on the
configured interface, re-checking every node.address_retry.

On SIGINT/SIGTERM the node sends DISCONNECT, so the broker withholds the
will, and prints the session statistics.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runStatsInterval, "stats-interval", 0, "Print statistics every N seconds (0 disables)")
}

// sessionConfig maps the file configuration onto the session parameters
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		KeepAlive:        uint16(cfg.Broker.KeepAlive),
		HumidityTopic:    cfg.Topics.Humidity,
		TemperatureTopic: cfg.Topics.Temperature,
		PresenceTopic:    cfg.Presence.Topic,
		OnlineMessage:    cfg.Presence.Online,
		OfflineMessage:   cfg.Presence.Offline,
		CommandTopic:     cfg.Topics.Command,
		PublishPeriod:    cfg.Node.PublishPeriod,
		Backoff:          cfg.Broker.Backoff,
		TxSize:           cfg.Buffers.TX,
		RxSize:           cfg.Buffers.RX,
		StrictBuffers:    cfg.Buffers.Strict,
		Debug:            cfg.Features.Debug,
	}
}

// inboundHistory converts the handler's recent messages to monitor frames
func inboundHistory(received []node.Received) []monitor.Inbound {
	out := make([]monitor.Inbound, 0, len(received))
	for _, r := range received {
		out = append(out, monitor.Inbound{
			Time:    r.Time.UnixMilli(),
			Topic:   r.Topic,
			Payload: r.Payload,
		})
	}
	return out
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sn, sensorInfo, err := OpenSensor(cfg.Sensor)
	if err != nil {
		return err
	}
	defer sn.Close()

	tr := OpenTransport(cfg.Broker, transport.WithLogger(logger))

	var n *node.Node
	var handler *node.Handler
	var handlers []umqtt.MessageHandler

	var srv *monitor.Server
	if cfg.Monitor.Enabled() {
		opts := []monitor.ServerOption{
			monitor.WithInterval(cfg.Monitor.Interval),
			monitor.WithServerLogger(logger),
			monitor.WithHistory(func() []monitor.Inbound { return inboundHistory(handler.Received()) }),
		}
		if cfg.Monitor.Username != "" {
			opts = append(opts, monitor.WithBasicAuth(cfg.Monitor.Username, cfg.Monitor.Password))
		}
		srv = monitor.NewServer(monitor.SourceFunc(func() session.Snapshot { return n.Snapshot() }), opts...)
		handlers = append(handlers, srv)
	}

	activity := actsig.New(softtimer.SystemClock, cfg.Node.Activity, actsig.OutputFunc(func(on bool) {
		logger.Log(ctx, config.LevelTrace, "activity signal", "on", on)
	}))

	handler = node.NewHandler(logger, handlers...)

	n = node.New(node.Config{
		ClientID:       cfg.Node.ClientID,
		ClientIDPrefix: cfg.Node.ClientIDPrefix,
		Interface:      cfg.Node.Interface,
		DHCP:           cfg.Features.DHCP,
		AddressRetry:   cfg.Node.AddressRetry,
		TickInterval:   cfg.Node.TickInterval,
	}, sessionConfig(cfg), tr, sn,
		node.WithLogger(logger),
		node.WithSessionOptions(
			session.WithHandler(handler),
			session.WithActivity(activity),
		),
	)

	fmt.Printf("Hygrostat - Sensor Node\n")
	fmt.Printf("Config: %s\n", source)
	fmt.Printf("Broker: %s\n", cfg.Broker.Address())
	fmt.Printf("Sensor: %s\n", sensorInfo)
	fmt.Printf("Publish period: %s\n", cfg.Node.PublishPeriod)
	if srv != nil {
		fmt.Printf("Monitor: ws://%s%s\n", cfg.Monitor.Listen, cfg.Monitor.Path)
	}
	fmt.Printf("Press Ctrl+C to stop\n\n")

	monitorErr := make(chan error, 1)
	if srv != nil {
		go func() {
			monitorErr <- srv.ListenAndServe(ctx, cfg.Monitor.Listen, cfg.Monitor.Path)
		}()
	}

	stats := monitor.NewStatistics()
	if runStatsInterval > 0 {
		go printStats(ctx, n, stats, time.Duration(runStatsInterval)*time.Second)
	}

	runErr := n.Run(ctx)

	stats.Update(n.Snapshot().Counters)
	fmt.Printf("\n%s", stats.String())

	if srv != nil {
		if err := <-monitorErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitor stopped", "error", err)
		}
	}
	return runErr
}

func printStats(ctx context.Context, n *node.Node, stats *monitor.Statistics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.Update(n.Snapshot().Counters)
			fmt.Printf("\n%s", stats.String())
		}
	}
}
