// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package node ties address acquisition, the broker session and the
// activity signal together and drives them from a single tick loop.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/session"
	"github.com/Thermoquad/hygrostat/pkg/softtimer"
)

// State is the node-level state
type State int

const (
	StateAddressQuerying State = iota
	StateMQTT
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateAddressQuerying:
		return "ADDRESS_QUERYING"
	case StateMQTT:
		return "MQTT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Transport is a session transport whose events can be routed to a session
type Transport interface {
	session.Transport
	SetHandler(h session.EventHandler)
}

// Config holds the node parameters
type Config struct {
	ClientID       string // explicit id, overrides ClientIDPrefix
	ClientIDPrefix string
	Interface      string
	DHCP           bool // wait for an address before starting the session
	AddressRetry   time.Duration
	TickInterval   time.Duration
	ShutdownWait   time.Duration
}

// Option configures a Node
type Option func(*Node)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// WithClock sets the clock for the node and its session
func WithClock(c softtimer.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

// WithAddressFunc replaces the interface address lookup
func WithAddressFunc(f AddressFunc) Option {
	return func(n *Node) {
		n.address = f
	}
}

// WithSessionOptions adds options passed to the session when it is created
func WithSessionOptions(opts ...session.Option) Option {
	return func(n *Node) {
		n.sessionOpts = append(n.sessionOpts, opts...)
	}
}

// Node is one sensor node
type Node struct {
	cfg         Config
	sessionCfg  session.Config
	transport   Transport
	sensor      session.Sensor
	sessionOpts []session.Option
	log         *slog.Logger
	clock       softtimer.Clock
	address     AddressFunc

	mu      sync.Mutex
	state   State
	ip      net.IP
	retry   *softtimer.Timer
	queried bool
	session *session.Session
}

// New creates a node. The session is created once the node has an address.
func New(cfg Config, scfg session.Config, tr Transport, sn session.Sensor, opts ...Option) *Node {
	n := &Node{
		cfg:        cfg,
		sessionCfg: scfg,
		transport:  tr,
		sensor:     sn,
		log:        slog.Default(),
		clock:      softtimer.SystemClock,
		address:    LocalIPv4,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With("component", "node")

	if n.cfg.AddressRetry <= 0 {
		n.cfg.AddressRetry = 10 * time.Second
	}
	if n.cfg.TickInterval <= 0 {
		n.cfg.TickInterval = 100 * time.Millisecond
	}
	if n.cfg.ShutdownWait <= 0 {
		n.cfg.ShutdownWait = 5 * time.Second
	}

	n.retry = softtimer.New(n.clock)
	n.retry.Set(n.cfg.AddressRetry)

	if !n.cfg.DHCP {
		n.startSession(n.lookupOnce())
	}
	return n
}

// lookupOnce resolves the address for a statically configured node. The
// session starts regardless; the address only feeds the client id.
func (n *Node) lookupOnce() net.IP {
	if n.cfg.ClientID != "" {
		return nil
	}
	ip, err := n.address(n.cfg.Interface)
	if err != nil {
		n.log.Warn("no local address for client id", "error", err)
		return nil
	}
	return ip
}

func (n *Node) startSession(ip net.IP) {
	n.ip = ip
	scfg := n.sessionCfg
	if n.cfg.ClientID != "" {
		scfg.ClientID = n.cfg.ClientID
	} else {
		scfg.ClientID = ClientID(n.cfg.ClientIDPrefix, ip)
	}

	opts := append([]session.Option{
		session.WithLogger(n.log),
		session.WithClock(n.clock),
	}, n.sessionOpts...)

	n.session = session.New(scfg, n.transport, n.sensor, opts...)
	n.transport.SetHandler(n.session)
	n.state = StateMQTT
	n.log.Info("starting broker session", "client_id", scfg.ClientID)
}

// State returns the node state
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Address returns the node address, nil until acquired
func (n *Node) Address() net.IP {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ip
}

// Session returns the broker session, nil while querying the address
func (n *Node) Session() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

// Snapshot implements monitor.Source
func (n *Node) Snapshot() session.Snapshot {
	if s := n.Session(); s != nil {
		return s.Snapshot()
	}
	return session.Snapshot{Time: n.clock.Now(), State: session.StateDisconnected}
}

// Tick runs one processing step
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	if n.state == StateAddressQuerying {
		n.queryAddress()
	}
	s := n.session
	n.mu.Unlock()

	if s != nil {
		s.Tick(ctx)
	}
}

func (n *Node) queryAddress() {
	if n.queried && !n.retry.TryRestart() {
		return
	}
	if !n.queried {
		n.queried = true
		n.retry.Restart()
	}

	ip, err := n.address(n.cfg.Interface)
	if err != nil {
		n.log.Info("waiting for address", "interface", n.cfg.Interface, "error", err, "retry", n.cfg.AddressRetry)
		return
	}
	n.log.Info("address acquired", "ip", ip.String())
	n.startSession(ip)
}

// Run ticks the node until ctx is done, then shuts the session down
// gracefully and waits up to ShutdownWait for it to stop
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	n.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return n.shutdown(ticker)
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

func (n *Node) shutdown(ticker *time.Ticker) error {
	s := n.Session()
	if s == nil {
		return nil
	}
	s.Shutdown()

	deadline := time.NewTimer(n.cfg.ShutdownWait)
	defer deadline.Stop()

	// The run context is already done, ticks use a fresh one
	ctx := context.Background()
	for !s.Stopped() {
		select {
		case <-deadline.C:
			_ = n.transport.Close()
			return fmt.Errorf("session did not stop within %s", n.cfg.ShutdownWait)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
	return nil
}
