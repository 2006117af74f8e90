// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/sensor"
	"github.com/Thermoquad/hygrostat/pkg/session"
	"github.com/Thermoquad/hygrostat/pkg/umqtt"
)

// ============================================================
// Test Helpers
// ============================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu         sync.Mutex
	handler    session.EventHandler
	connects   int
	connectErr error
	sent       [][]byte
	closes     int
}

func (f *fakeTransport) SetHandler(h session.EventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) MSS() int { return 100 }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type addressSource struct {
	ip      net.IP
	err     error
	queries int
}

func (a *addressSource) lookup(iface string) (net.IP, error) {
	a.queries++
	return a.ip, a.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(cfg Config, tr *fakeTransport, addr *addressSource, clock *fakeClock, opts ...Option) *Node {
	scfg := session.DefaultConfig()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithClock(clock),
		WithAddressFunc(addr.lookup),
	}, opts...)
	return New(cfg, scfg, tr, sensor.NewSimulated(sensor.Reading{Humidity: 500, Temperature: 200}, 1), opts...)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// ============================================================
// Address Acquisition
// ============================================================

func TestNode_WaitsForAddress(t *testing.T) {
	clock := newClock()
	tr := &fakeTransport{}
	addr := &addressSource{err: ErrNoAddress}
	n := newTestNode(Config{ClientIDPrefix: "avr-mqtt-", DHCP: true, AddressRetry: 10 * time.Second}, tr, addr, clock)

	if n.State() != StateAddressQuerying || n.Session() != nil {
		t.Fatalf("expected ADDRESS_QUERYING, got %s", n.State())
	}

	n.Tick(context.Background())
	if addr.queries != 1 {
		t.Fatalf("first tick should query the address, queries=%d", addr.queries)
	}

	clock.advance(5 * time.Second)
	n.Tick(context.Background())
	if addr.queries != 1 {
		t.Errorf("no retry before the interval, queries=%d", addr.queries)
	}

	addr.ip, addr.err = net.IPv4(192, 168, 1, 20), nil
	clock.advance(5 * time.Second)
	n.Tick(context.Background())
	if addr.queries != 2 || n.State() != StateMQTT {
		t.Fatalf("expected MQTT after retry, state=%s queries=%d", n.State(), addr.queries)
	}
	if !n.Address().Equal(net.IPv4(192, 168, 1, 20)) {
		t.Errorf("unexpected address %s", n.Address())
	}
	if tr.handler == nil {
		t.Error("transport events should be routed to the session")
	}

	// Session is ticked in the same step, so a connect has started
	if tr.connectCount() != 1 {
		t.Errorf("expected session to connect, connects=%d", tr.connectCount())
	}
	if n.Session().State() != session.StateConnecting {
		t.Errorf("expected CONNECTING, got %s", n.Session().State())
	}
}

func TestNode_StaticAddress(t *testing.T) {
	tr := &fakeTransport{}
	addr := &addressSource{ip: net.IPv4(10, 0, 0, 7)}
	n := newTestNode(Config{ClientIDPrefix: "avr-mqtt-"}, tr, addr, newClock())

	if n.State() != StateMQTT || n.Session() == nil {
		t.Fatalf("static node should start the session immediately, state=%s", n.State())
	}

	n.Tick(context.Background())
	tr.handler.HandleEvent(session.Event{Kind: session.EventConnected})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 {
		t.Fatalf("expected CONNECT segment, got %d", len(tr.sent))
	}
	p, _, err := umqtt.ParsePacket(tr.sent[0])
	if err != nil {
		t.Fatalf("parse CONNECT: %v", err)
	}
	body := p.Body()
	idLen := int(body[10])<<8 | int(body[11])
	if got := string(body[12 : 12+idLen]); got != "avr-mqtt-10.0.0.7" {
		t.Errorf("client id = %q, want avr-mqtt-10.0.0.7", got)
	}
}

func TestNode_ExplicitClientID(t *testing.T) {
	addr := &addressSource{err: errors.New("should not be called")}
	n := newTestNode(Config{ClientID: "greenhouse-1", ClientIDPrefix: "x-"}, &fakeTransport{}, addr, newClock())
	if addr.queries != 0 {
		t.Error("explicit client id should skip the address lookup")
	}
	if n.Session() == nil {
		t.Fatal("session should start")
	}
}

func TestNode_SnapshotBeforeSession(t *testing.T) {
	n := newTestNode(Config{DHCP: true}, &fakeTransport{}, &addressSource{err: ErrNoAddress}, newClock())
	snap := n.Snapshot()
	if snap.State != session.StateDisconnected || snap.Time.IsZero() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("avr-mqtt-", net.IPv4(192, 168, 0, 2)); got != "avr-mqtt-192.168.0.2" {
		t.Errorf("ClientID = %q", got)
	}
	if got := ClientID("node", nil); got != "node" {
		t.Errorf("ClientID without address = %q", got)
	}
}

func TestLocalIPv4_UnknownInterface(t *testing.T) {
	if _, err := LocalIPv4("does-not-exist0"); err == nil {
		t.Error("expected error for unknown interface")
	}
}

// ============================================================
// Run Loop
// ============================================================

func TestNode_RunStopsOnCancel(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("offline")}
	n := New(Config{ClientID: "n", TickInterval: time.Millisecond}, session.DefaultConfig(), tr,
		sensor.NewSimulated(sensor.Reading{}, 1), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for tr.connectCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !n.Session().Stopped() {
		t.Error("session should be stopped")
	}
}

// ============================================================
// Handler
// ============================================================

func TestHandler_RecordsAndForwards(t *testing.T) {
	var forwarded []string
	h := NewHandler(quietLogger(), umqtt.MessageHandlerFunc(func(topic string, payload []byte) {
		forwarded = append(forwarded, topic)
	}), nil)

	for i := 0; i < maxReceived+5; i++ {
		h.OnMessage("nodes/a/cmd", []byte{byte(i)})
	}

	got := h.Received()
	if len(got) != maxReceived {
		t.Fatalf("expected %d kept messages, got %d", maxReceived, len(got))
	}
	if got[0].Payload[0] != 5 || got[len(got)-1].Payload[0] != byte(maxReceived+4) {
		t.Errorf("should keep the most recent messages, first=%d", got[0].Payload[0])
	}
	if len(forwarded) != maxReceived+5 {
		t.Errorf("every message should be forwarded, got %d", len(forwarded))
	}
}
