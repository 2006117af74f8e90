// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/hygrostat/internal/config"
)

var (
	watchTopics []string
	sendRetain  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the node's topics on the broker",
	Long: `Subscribe to the node's humidity, temperature, presence and command
topics on the configured broker and print every message.

Retained messages are printed as they arrive, so the presence topic shows
"online" for a running node and "offline" once its last will has been
delivered. Additional topics can be given with --topic.`,
	RunE: runWatch,
}

var sendCmd = &cobra.Command{
	Use:   "send <payload>",
	Short: "Publish a message to the node's command topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
	watchCmd.Flags().StringSliceVarP(&watchTopics, "topic", "t", nil, "Additional topic filters to subscribe to")
	sendCmd.Flags().BoolVar(&sendRetain, "retain", false, "Set the retain flag")
}

// brokerURL converts the broker section into a URL autopaho accepts
func brokerURL(cfg config.BrokerConfig) (*url.URL, error) {
	u, err := url.Parse("mqtt://" + cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("parse broker address: %w", err)
	}
	return u, nil
}

// openBrokerClient connects a tool client to the broker. onMessage may be nil.
func openBrokerClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, onConnected func(*autopaho.ConnectionManager), onMessage func(*paho.Publish)) (*autopaho.ConnectionManager, error) {
	u, err := brokerURL(cfg.Broker)
	if err != nil {
		return nil, err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(cfg.Broker.KeepAlive),
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker.Address())
			if onConnected != nil {
				onConnected(cm)
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hygrostat-watch-" + uuid.NewString()[:8],
			OnClientError: func(err error) {
				logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if onMessage != nil {
		pahoCfg.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				onMessage(pr.Packet)
				return true, nil
			},
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.Broker.DialTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker.Address(), err)
	}
	return cm, nil
}

// watchFilters lists the node topics plus any --topic additions
func watchFilters(cfg *config.Config) []string {
	var filters []string
	for _, t := range []string{cfg.Topics.Humidity, cfg.Topics.Temperature, cfg.Presence.Topic, cfg.Topics.Command} {
		if t != "" {
			filters = append(filters, t)
		}
	}
	return append(filters, watchTopics...)
}

func formatPublish(p *paho.Publish) string {
	flags := ""
	if p.Retain {
		flags = " (retained)"
	}
	return fmt.Sprintf("[%s] %s%s: %s", time.Now().Format("15:04:05.000"), p.Topic, flags, strconv.Quote(string(p.Payload)))
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filters := watchFilters(cfg)
	subscribe := func(cm *autopaho.ConnectionManager) {
		subs := make([]paho.SubscribeOptions, 0, len(filters))
		for _, f := range filters {
			subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 0})
		}
		// Resubscribe on every connection; the session starts clean
		go func() {
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
				logger.Warn("mqtt subscribe failed", "error", err)
			}
		}()
	}

	cm, err := openBrokerClient(ctx, cfg, logger, subscribe, func(p *paho.Publish) {
		fmt.Println(formatPublish(p))
	})
	if err != nil {
		return err
	}

	fmt.Printf("Hygrostat - Topic Watch\n")
	fmt.Printf("Broker: %s\n", cfg.Broker.Address())
	for _, f := range filters {
		fmt.Printf("  %s\n", f)
	}
	fmt.Printf("Press Ctrl+C to stop\n\n")

	<-ctx.Done()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cm.Disconnect(disconnectCtx)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Topics.Command == "" {
		return fmt.Errorf("topics.command is not configured")
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Broker.DialTimeout+5*time.Second)
	defer cancel()

	cm, err := openBrokerClient(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer cm.Disconnect(context.Background())

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   cfg.Topics.Command,
		Payload: []byte(args[0]),
		QoS:     0,
		Retain:  sendRetain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", cfg.Topics.Command, err)
	}
	fmt.Printf("Sent %q to %s\n", args[0], cfg.Topics.Command)
	return nil
}
