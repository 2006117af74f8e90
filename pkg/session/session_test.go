// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/actsig"
	"github.com/Thermoquad/hygrostat/pkg/sensor"
	"github.com/Thermoquad/hygrostat/pkg/umqtt"
)

// ============================================================
// Test Helpers
// ============================================================

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeTransport struct {
	mss        int
	connects   int
	connectErr error
	closes     int
	sent       [][]byte
	taken      int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) MSS() int { return f.mss }

func (f *fakeTransport) Close() error {
	f.closes++
	return nil
}

// take returns every byte sent since the previous take
func (f *fakeTransport) take() []byte {
	var out []byte
	for _, seg := range f.sent[f.taken:] {
		out = append(out, seg...)
	}
	f.taken = len(f.sent)
	return out
}

// The drivers in pkg/sensor satisfy the session's sensor contract
var (
	_ Sensor = (*sensor.SerialSensor)(nil)
	_ Sensor = (*sensor.Simulated)(nil)
)

type fakeSensor struct {
	reading sensor.Reading
	err     error
	reads   int
}

func (f *fakeSensor) Read() (sensor.Reading, error) {
	f.reads++
	return f.reading, f.err
}

type harness struct {
	t         *testing.T
	clock     *fakeClock
	transport *fakeTransport
	sensor    *fakeSensor
	session   *Session
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ClientID = "node-1"
	cfg.PublishPeriod = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	return newHarnessMSS(t, cfg, 100, opts...)
}

func newHarnessMSS(t *testing.T, cfg Config, mss int, opts ...Option) *harness {
	h := &harness{
		t:         t,
		clock:     &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		transport: &fakeTransport{mss: mss},
		sensor:    &fakeSensor{reading: sensor.Reading{Humidity: 455, Temperature: -12}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(h.clock), WithLogger(logger)}, opts...)
	h.session = New(cfg, h.transport, h.sensor, opts...)
	return h
}

func (h *harness) tick() {
	h.session.Tick(context.Background())
}

func (h *harness) event(kind EventKind) {
	h.session.HandleEvent(Event{Kind: kind})
}

func (h *harness) receive(data []byte) {
	h.session.HandleEvent(Event{Kind: EventNewData, Data: data})
}

// flush acknowledges and polls until the session stops sending
func (h *harness) flush() []byte {
	for i := 0; i < 100; i++ {
		h.event(EventAcked)
		before := len(h.transport.sent)
		h.event(EventPoll)
		if len(h.transport.sent) == before {
			break
		}
	}
	return h.transport.take()
}

// connect drives the session up to a CONNECTED broker session
func (h *harness) connect() {
	h.t.Helper()
	h.tick()
	h.event(EventConnected)
	h.flush()
	h.receive([]byte{0x20, 0x02, 0x00, 0x00})
	if h.session.ConnState() != umqtt.StateConnected {
		h.t.Fatalf("expected CONNECTED, got %s", h.session.ConnState())
	}
	h.flush()
}

// parseAll frames every packet in data
func parseAll(t *testing.T, data []byte) []*umqtt.Packet {
	t.Helper()
	var out []*umqtt.Packet
	for len(data) > 0 {
		p, n, err := umqtt.ParsePacket(data)
		if err != nil {
			t.Fatalf("parse failed: %v (remaining % X)", err, data)
		}
		out = append(out, p)
		data = data[n:]
	}
	return out
}

// ============================================================
// Connection Lifecycle
// ============================================================

func TestSession_ConnectScenario(t *testing.T) {
	h := newHarness(t, testConfig())
	if h.session.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", h.session.State())
	}

	h.tick()
	if h.session.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", h.session.State())
	}
	if h.transport.connects != 1 {
		t.Fatalf("expected 1 connect, got %d", h.transport.connects)
	}

	h.event(EventConnected)
	if h.session.State() != StateConnectionEstablished {
		t.Fatalf("expected CONNECTION_ESTABLISHED, got %s", h.session.State())
	}

	packets := parseAll(t, h.flush())
	if len(packets) != 1 || packets[0].Type() != umqtt.PacketConnect {
		t.Fatalf("expected a single CONNECT, got %d packets", len(packets))
	}
	body := packets[0].Body()
	if body[7] != umqtt.FlagCleanSession|umqtt.FlagWill|umqtt.FlagWillRetain {
		t.Errorf("CONNECT should carry a retained will, flags=0x%02X", body[7])
	}
	if !bytes.Contains(body, []byte("offline")) {
		t.Error("CONNECT should carry the offline will message")
	}

	h.receive([]byte{0x20, 0x02, 0x00, 0x00})
	if h.session.ConnState() != umqtt.StateConnected {
		t.Fatalf("expected CONNECTED, got %s", h.session.ConnState())
	}

	packets = parseAll(t, h.flush())
	if len(packets) != 1 {
		t.Fatalf("expected presence publish, got %d packets", len(packets))
	}
	topic, payload, err := packets[0].Publish()
	if err != nil {
		t.Fatalf("presence decode: %v", err)
	}
	if topic != "nodes/presence" || string(payload) != "online" || !packets[0].Retain() {
		t.Errorf("unexpected presence %q=%q retain=%v", topic, payload, packets[0].Retain())
	}
}

func TestSession_ConnectNotStarted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.transport.connectErr = errors.New("no free connection slot")

	h.tick()
	if h.session.State() != StateDisconnected {
		t.Errorf("failed connect should stay DISCONNECTED, got %s", h.session.State())
	}
	h.tick()
	if h.transport.connects != 2 {
		t.Errorf("expected a retry on the next tick, got %d connects", h.transport.connects)
	}
}

func TestSession_Backoff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tick()
	h.event(EventAborted)
	if h.session.State() != StateDisconnectedWait {
		t.Fatalf("expected DISCONNECTED_WAIT, got %s", h.session.State())
	}

	h.clock.advance(500 * time.Millisecond)
	h.tick()
	if h.session.State() != StateDisconnectedWait || h.transport.connects != 1 {
		t.Fatalf("should wait for backoff: state=%s connects=%d", h.session.State(), h.transport.connects)
	}

	h.clock.advance(600 * time.Millisecond)
	h.tick()
	if h.session.State() != StateConnecting {
		t.Fatalf("expected CONNECTING after backoff, got %s", h.session.State())
	}
	if h.transport.connects != 2 {
		t.Fatalf("expected exactly one re-attempt, got %d connects", h.transport.connects)
	}

	h.tick()
	h.clock.advance(5 * time.Second)
	h.tick()
	if h.transport.connects != 2 {
		t.Errorf("no further attempts while CONNECTING, got %d connects", h.transport.connects)
	}
}

func TestSession_LossWhileWaitingIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tick()
	h.event(EventTimedOut)
	h.event(EventClosed)
	if h.session.State() != StateDisconnectedWait {
		t.Errorf("expected DISCONNECTED_WAIT, got %s", h.session.State())
	}
}

func TestSession_LinkLossResetsProtocol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	h.event(EventClosed)
	if h.session.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", h.session.State())
	}
	if h.session.ConnState() != umqtt.StateInit {
		t.Fatalf("expected protocol state INIT, got %s", h.session.ConnState())
	}

	h.tick()
	h.event(EventConnected)
	packets := parseAll(t, h.flush())
	if len(packets) != 1 || packets[0].Type() != umqtt.PacketConnect {
		t.Fatalf("expected a fresh CONNECT after reconnect")
	}
	if snap := h.session.Snapshot(); snap.Counters.LinkLosses != 1 || snap.Counters.ConnectsSent != 2 {
		t.Errorf("unexpected counters %+v", snap.Counters)
	}
}

func TestSession_ConnackFailureStalls(t *testing.T) {
	cfg := testConfig()
	cfg.PublishPeriod = time.Second
	h := newHarness(t, cfg)

	h.tick()
	h.event(EventConnected)
	h.flush()
	h.receive([]byte{0x20, 0x02, 0x00, byte(umqtt.NotAuthorized)})
	if h.session.ConnState() != umqtt.StateFailed {
		t.Fatalf("expected FAILED, got %s", h.session.ConnState())
	}

	h.clock.advance(time.Minute)
	h.tick()
	h.tick()
	if out := h.flush(); len(out) != 0 {
		t.Errorf("FAILED session must not send, got % X", out)
	}
	if h.session.State() != StateConnectionEstablished {
		t.Errorf("session state should not change, got %s", h.session.State())
	}
	if h.sensor.reads != 0 {
		t.Error("sensor must not be read while FAILED")
	}
	if snap := h.session.Snapshot(); snap.Counters.ConnackFailures != 1 || snap.ReturnCode != umqtt.NotAuthorized {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSession_EmptyClientID(t *testing.T) {
	cfg := testConfig()
	cfg.ClientID = ""
	h := newHarness(t, cfg)

	h.tick()
	h.event(EventConnected)
	if out := h.flush(); len(out) != 0 {
		t.Errorf("no CONNECT should be sent without a client id, got % X", out)
	}
	h.tick()
	if h.session.State() != StateConnectionEstablished || h.session.ConnState() != umqtt.StateInit {
		t.Errorf("unexpected state %s/%s", h.session.State(), h.session.ConnState())
	}
}

// ============================================================
// Flow Control
// ============================================================

func TestSession_StopAndWait(t *testing.T) {
	h := newHarnessMSS(t, testConfig(), 10)

	h.tick()
	h.event(EventConnected)
	if len(h.transport.sent) != 1 || len(h.transport.sent[0]) != 10 {
		t.Fatalf("expected one 10-byte segment, got %d segments", len(h.transport.sent))
	}

	h.event(EventPoll)
	if len(h.transport.sent) != 1 {
		t.Fatal("poll must not send while a segment is unacknowledged")
	}

	h.event(EventRexmit)
	if len(h.transport.sent) != 2 || !bytes.Equal(h.transport.sent[0], h.transport.sent[1]) {
		t.Fatal("rexmit should resend the same segment")
	}

	h.event(EventAcked)
	h.event(EventPoll)
	if len(h.transport.sent) != 3 || bytes.Equal(h.transport.sent[1], h.transport.sent[2]) {
		t.Fatal("poll after ack should send the next segment")
	}

	stream := append([]byte{}, h.transport.sent[0]...)
	stream = append(stream, h.transport.sent[2]...)
	h.transport.take()
	stream = append(stream, h.flush()...)
	packets := parseAll(t, stream)
	if len(packets) != 1 || packets[0].Type() != umqtt.PacketConnect {
		t.Errorf("segments should reassemble into CONNECT")
	}

	if snap := h.session.Snapshot(); snap.Counters.Retransmits != 1 {
		t.Errorf("expected 1 retransmit, got %d", snap.Counters.Retransmits)
	}
}

func TestSession_KeepAlive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	h.clock.advance(14 * time.Second)
	h.tick()
	if out := h.flush(); len(out) != 0 {
		t.Fatalf("no ping before half the keep-alive, got % X", out)
	}

	h.clock.advance(time.Second)
	h.tick()
	if out := h.flush(); !bytes.Equal(out, []byte{0xC0, 0x00}) {
		t.Fatalf("expected PINGREQ, got % X", out)
	}

	h.receive([]byte{0xD0, 0x00})
	if snap := h.session.Snapshot(); snap.PendingPings != 0 || snap.Counters.Pings != 1 {
		t.Errorf("unexpected ping bookkeeping: %+v", snap)
	}
}

func TestSession_KeepAliveDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAlive = 0
	cfg.PublishPeriod = 15 * time.Second
	h := newHarness(t, cfg)
	h.connect()

	for i := 0; i < 4; i++ {
		h.clock.advance(15 * time.Second)
		h.tick()
		packets := parseAll(t, h.flush())
		if len(packets) != 2 {
			t.Fatalf("tick %d: expected two publishes, got %d packets", i, len(packets))
		}
		for _, p := range packets {
			if p.Type() != umqtt.PacketPublish {
				t.Fatalf("tick %d: unexpected %s with keep-alive disabled", i, p.Type())
			}
		}
	}
	if snap := h.session.Snapshot(); snap.Counters.Pings != 0 || snap.PendingPings != 0 {
		t.Errorf("no pings expected: %+v", snap.Counters)
	}
}

func TestSession_TimersGatedWhileSending(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	h.clock.advance(20 * time.Second)

	// Leave a segment outstanding
	h.session.mu.Lock()
	h.session.isSending = true
	h.session.mu.Unlock()

	h.tick()
	if h.session.Snapshot().TxQueued != 0 {
		t.Fatal("no ping should be queued while sending")
	}

	h.event(EventAcked)
	h.tick()
	if h.session.Snapshot().TxQueued != 2 {
		t.Errorf("ping should be queued once the segment is acknowledged")
	}
}

func TestSession_PingConsumesTick(t *testing.T) {
	cfg := testConfig()
	cfg.PublishPeriod = 15 * time.Second
	h := newHarness(t, cfg)
	h.connect()

	h.clock.advance(15 * time.Second)
	h.tick()
	packets := parseAll(t, h.flush())
	if len(packets) != 1 || packets[0].Type() != umqtt.PacketPingreq {
		t.Fatalf("expected only PINGREQ on first tick, got %d packets", len(packets))
	}

	h.tick()
	packets = parseAll(t, h.flush())
	if len(packets) != 2 || packets[0].Type() != umqtt.PacketPublish {
		t.Fatalf("expected publishes on the following tick, got %d packets", len(packets))
	}
}

// ============================================================
// Sensor Publishing
// ============================================================

func TestSession_PublishReadings(t *testing.T) {
	cfg := testConfig()
	cfg.PublishPeriod = 10 * time.Second
	h := newHarness(t, cfg)
	h.connect()

	h.clock.advance(10 * time.Second)
	h.tick()
	packets := parseAll(t, h.flush())
	if len(packets) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(packets))
	}

	expected := map[string]string{
		"sensors/humidity":    "45.5",
		"sensors/temperature": "-1.2",
	}
	for _, p := range packets {
		topic, payload, err := p.Publish()
		if err != nil {
			t.Fatalf("decode publish: %v", err)
		}
		if expected[topic] != string(payload) {
			t.Errorf("%s: expected %q, got %q", topic, expected[topic], payload)
		}
		if p.Retain() {
			t.Errorf("%s: readings must not be retained", topic)
		}
	}

	snap := h.session.Snapshot()
	if snap.LastReading == nil || *snap.LastReading != h.sensor.reading {
		t.Errorf("snapshot should carry the last reading, got %+v", snap.LastReading)
	}
}

func TestSession_PublishSensorError(t *testing.T) {
	cfg := testConfig()
	cfg.PublishPeriod = 10 * time.Second
	h := newHarness(t, cfg)
	h.sensor.err = sensor.ErrAckLow
	h.connect()

	h.clock.advance(10 * time.Second)
	h.tick()
	packets := parseAll(t, h.flush())
	if len(packets) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(packets))
	}
	for _, p := range packets {
		_, payload, _ := p.Publish()
		if string(payload) != "E_ACK" {
			t.Errorf("expected E_ACK, got %q", payload)
		}
	}
	if snap := h.session.Snapshot(); snap.LastSensorError != "E_ACK" || snap.Counters.SensorErrors != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if h.session.ConnState() != umqtt.StateConnected {
		t.Error("sensor errors must not affect the connection")
	}
}

// ============================================================
// Subscriptions and Inbound Messages
// ============================================================

func TestSession_CommandSubscription(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTopic = "nodes/node-1/cmd"

	var got []string
	h := newHarness(t, cfg, WithHandler(umqtt.MessageHandlerFunc(func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	})))

	h.tick()
	h.event(EventConnected)
	h.flush()
	h.receive([]byte{0x20, 0x02, 0x00, 0x00})
	packets := parseAll(t, h.flush())
	if len(packets) != 2 || packets[1].Type() != umqtt.PacketSubscribe {
		t.Fatalf("expected presence and SUBSCRIBE, got %d packets", len(packets))
	}

	h.receive([]byte{0x90, 0x03, 0x00, 0x01, 0x00})
	pub, _ := umqtt.EncodePublish("nodes/node-1/cmd", []byte("blink"), false)
	h.receive(pub)

	if len(got) != 1 || got[0] != "nodes/node-1/cmd=blink" {
		t.Errorf("handler not invoked as expected: %v", got)
	}
	snap := h.session.Snapshot()
	if snap.PendingSubscribes != 0 || snap.Counters.MessagesReceived != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSession_LargeInboundChunked(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTopic = "c"
	cfg.RxSize = 32

	count := 0
	h := newHarness(t, cfg, WithHandler(umqtt.MessageHandlerFunc(func(string, []byte) { count++ })))
	h.connect()

	var stream []byte
	for i := 0; i < 5; i++ {
		pub, _ := umqtt.EncodePublish("c", []byte("0123456789"), false)
		stream = append(stream, pub...)
	}
	h.receive(stream)
	if count != 5 {
		t.Errorf("expected 5 messages through a small RX buffer, got %d", count)
	}
}

// ============================================================
// Buffers
// ============================================================

func TestSession_StrictBuffersDropsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.TxSize = 40
	cfg.StrictBuffers = true
	cfg.PublishPeriod = 10 * time.Second
	cfg.PresenceTopic = ""
	cfg.HumidityTopic = strings.Repeat("h", 30)
	h := newHarness(t, cfg)
	h.connect()

	h.clock.advance(10 * time.Second)
	h.tick()
	if h.transport.closes != 1 {
		t.Errorf("strict mode should close the transport on overflow, closes=%d", h.transport.closes)
	}
	if h.session.Snapshot().Counters.TxOverflowBytes == 0 {
		t.Error("overflow bytes should be counted")
	}
}

// ============================================================
// Shutdown
// ============================================================

func TestSession_Shutdown(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	h.session.Shutdown()
	if h.session.State() != StateDisconnecting {
		t.Fatalf("expected DISCONNECTING, got %s", h.session.State())
	}
	if out := h.flush(); !bytes.Equal(out, []byte{0xE0, 0x00}) {
		t.Fatalf("expected DISCONNECT, got % X", out)
	}

	h.tick()
	if !h.session.Stopped() || h.transport.closes != 1 {
		t.Fatalf("session should stop after draining: stopped=%v closes=%d", h.session.Stopped(), h.transport.closes)
	}

	h.clock.advance(time.Minute)
	h.tick()
	if h.transport.connects != 1 {
		t.Error("no reconnect after shutdown")
	}
}

func TestSession_ShutdownWhileDisconnected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.session.Shutdown()
	if !h.session.Stopped() {
		t.Fatal("shutdown without a broker link should stop immediately")
	}
	h.tick()
	if h.transport.connects != 0 {
		t.Error("stopped session must not connect")
	}
}

// ============================================================
// Activity Signal
// ============================================================

func TestSession_ActivitySignal(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	sig := actsig.New(clock, 100*time.Millisecond, nil)

	tr := &fakeTransport{mss: 100}
	s := New(testConfig(), tr, &fakeSensor{}, WithClock(clock), WithActivity(sig),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	s.Tick(context.Background())
	s.HandleEvent(Event{Kind: EventConnected})
	if !s.Snapshot().Activity {
		t.Error("sending CONNECT should notify the activity signal")
	}

	clock.advance(200 * time.Millisecond)
	s.Tick(context.Background())
	if s.Snapshot().Activity {
		t.Error("activity should clear after its interval")
	}
}
