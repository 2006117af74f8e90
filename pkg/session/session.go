// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session implements the MQTT client session state machine: broker
// connect attempts with backoff, keep-alive pings, periodic sensor publishes
// and stop-and-wait transmission over an event-driven transport.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/actsig"
	"github.com/Thermoquad/hygrostat/pkg/ringbuf"
	"github.com/Thermoquad/hygrostat/pkg/sensor"
	"github.com/Thermoquad/hygrostat/pkg/softtimer"
	"github.com/Thermoquad/hygrostat/pkg/umqtt"
)

// Config holds the session parameters
type Config struct {
	ClientID  string
	KeepAlive uint16 // seconds, 0 disables pings

	HumidityTopic    string
	TemperatureTopic string
	PresenceTopic    string
	OnlineMessage    string
	OfflineMessage   string
	CommandTopic     string // optional

	PublishPeriod time.Duration
	Backoff       time.Duration

	TxSize int
	RxSize int

	// StrictBuffers drops the transport connection when a packet does not
	// fit in the TX buffer instead of sending it truncated
	StrictBuffers bool

	// Debug logs every transport event
	Debug bool
}

// DefaultConfig returns the stock node configuration
func DefaultConfig() Config {
	return Config{
		KeepAlive:        30,
		HumidityTopic:    "sensors/humidity",
		TemperatureTopic: "sensors/temperature",
		PresenceTopic:    "nodes/presence",
		OnlineMessage:    "online",
		OfflineMessage:   "offline",
		PublishPeriod:    10 * time.Second,
		Backoff:          time.Second,
		TxSize:           umqtt.DefaultTxSize,
		RxSize:           umqtt.DefaultRxSize,
	}
}

// Counters are monotonically increasing session statistics
type Counters struct {
	ConnectAttempts  uint64
	ConnectsSent     uint64
	Connected        uint64
	ConnackFailures  uint64
	LinkLosses       uint64
	Pings            uint64
	Publishes        uint64
	SensorReads      uint64
	SensorErrors     uint64
	Subscribes       uint64
	MessagesReceived uint64
	Segments         uint64
	Retransmits      uint64
	BytesSent        uint64
	BytesReceived    uint64
	TxOverflowBytes  uint64
	RxOverflowBytes  uint64
}

// Snapshot is a consistent view of the session for monitoring
type Snapshot struct {
	Time              time.Time
	State             State
	StateSince        time.Time
	ConnState         umqtt.ConnState
	ReturnCode        umqtt.ReturnCode
	PendingPings      int
	PendingSubscribes int
	IsSending         bool
	TxQueued          int
	RxQueued          int
	DroppedPackets    uint64
	Activity          bool
	LastReading       *sensor.Reading
	LastSensorError   string
	Stopped           bool
	Counters          Counters
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock sets the clock used by all session timers
func WithClock(c softtimer.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithHandler sets the handler for messages received on subscribed topics
func WithHandler(h umqtt.MessageHandler) Option {
	return func(s *Session) {
		s.handler = h
	}
}

// WithActivity attaches an activity signal notified on every transmission
func WithActivity(a *actsig.Signal) Option {
	return func(s *Session) {
		s.activity = a
	}
}

// Session drives one broker connection. All methods are safe for
// concurrent use; they serialize on a single mutex.
type Session struct {
	mu sync.Mutex

	cfg       Config
	conn      *umqtt.Connection
	transport Transport
	sensor    Sensor
	handler   umqtt.MessageHandler
	activity  *actsig.Signal
	log       *slog.Logger
	clock     softtimer.Clock

	state      State
	stateSince time.Time

	keepAliveTimer *softtimer.Timer
	publishTimer   *softtimer.Timer
	backoffTimer   *softtimer.Timer

	sendBuffer []byte
	sendLength int
	isSending  bool

	handshakeWarned bool
	stopping        bool
	stopped         bool

	lastReading     *sensor.Reading
	lastSensorError string
	counters        Counters
}

// New creates a session in the DISCONNECTED state
func New(cfg Config, transport Transport, sn Sensor, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		transport: transport,
		sensor:    sn,
		log:       slog.Default(),
		clock:     softtimer.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "session")

	if s.cfg.TxSize <= 0 {
		s.cfg.TxSize = umqtt.DefaultTxSize
	}
	if s.cfg.RxSize <= 0 {
		s.cfg.RxSize = umqtt.DefaultRxSize
	}
	if s.cfg.Backoff <= 0 {
		s.cfg.Backoff = time.Second
	}

	s.conn = umqtt.NewConnection(s.cfg.TxSize, s.cfg.RxSize, umqtt.MessageHandlerFunc(s.onMessage))

	mss := transport.MSS()
	if mss <= 0 {
		mss = 100
	}
	s.sendBuffer = make([]byte, mss)

	s.keepAliveTimer = softtimer.New(s.clock)
	s.keepAliveTimer.Set(time.Duration(s.cfg.KeepAlive) * time.Second / 2)
	s.publishTimer = softtimer.New(s.clock)
	s.publishTimer.Set(s.cfg.PublishPeriod)
	s.backoffTimer = softtimer.New(s.clock)
	s.backoffTimer.Set(s.cfg.Backoff)

	s.setState(StateDisconnected)
	return s
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnState returns the protocol-level connection state
func (s *Session) ConnState() umqtt.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.State()
}

// Stopped reports whether a Shutdown has completed
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Snapshot returns a copy of the session state and counters
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Time:              s.clock.Now(),
		State:             s.state,
		StateSince:        s.stateSince,
		ConnState:         s.conn.State(),
		ReturnCode:        s.conn.ReturnCode(),
		PendingPings:      s.conn.PendingPings(),
		PendingSubscribes: s.conn.PendingSubscribes(),
		IsSending:         s.isSending,
		TxQueued:          s.conn.TX().Len(),
		RxQueued:          s.conn.RX().Len(),
		DroppedPackets:    s.conn.Dropped(),
		LastSensorError:   s.lastSensorError,
		Stopped:           s.stopped,
		Counters:          s.counters,
	}
	if s.activity != nil {
		snap.Activity = s.activity.Active()
	}
	if s.lastReading != nil {
		r := *s.lastReading
		snap.LastReading = &r
	}
	return snap
}

// Tick runs one cooperative processing step. Call it periodically.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activity != nil {
		s.activity.Process()
	}
	if s.stopped {
		return
	}

	switch s.state {
	case StateConnectionEstablished:
		s.processConnected()
	case StateDisconnected:
		s.brokerConnect(ctx)
	case StateDisconnectedWait:
		if s.backoffTimer.TryRestart() {
			s.setState(StateDisconnected)
			s.brokerConnect(ctx)
		}
	case StateDisconnecting:
		s.processDisconnecting()
	}
}

// HandleEvent processes one transport event
func (s *Session) HandleEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Debug {
		s.log.Debug("transport event", "event", ev.Kind.String(), "bytes", len(ev.Data), "state", s.state.String())
	}

	switch {
	case ev.Kind == EventPoll:
		s.transferBuffer()
	case ev.Kind == EventConnected:
		s.handleConnected()
	case ev.IsLoss():
		s.handleCommunicationError(ev.Kind)
	case ev.Kind == EventNewData:
		s.handleNewData(ev.Data)
	case ev.Kind == EventAcked:
		s.isSending = false
	case ev.Kind == EventRexmit:
		if s.sendLength > 0 {
			s.counters.Retransmits++
			s.send()
		}
	}
}

// Shutdown starts a graceful disconnect. When the broker link is up a
// DISCONNECT is queued and the transport is closed once it has been sent;
// otherwise the transport is closed immediately. No reconnect is attempted
// afterwards.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	s.stopping = true

	if s.state == StateConnectionEstablished && s.conn.State() == umqtt.StateConnected {
		s.checkPush("DISCONNECT", s.conn.Disconnect())
		s.setState(StateDisconnecting)
		s.log.Info("disconnecting from broker")
		return
	}

	s.finishStop()
}

func (s *Session) finishStop() {
	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close", "error", err)
	}
	s.setState(StateDisconnected)
	s.stopped = true
	s.log.Info("session stopped")
}

func (s *Session) setState(state State) {
	if s.state != state || s.stateSince.IsZero() {
		if !s.stateSince.IsZero() {
			s.log.Debug("session state", "from", s.state.String(), "to", state.String())
		}
		s.state = state
		s.stateSince = s.clock.Now()
	}
}

func (s *Session) brokerConnect(ctx context.Context) {
	s.counters.ConnectAttempts++
	if err := s.transport.Connect(ctx); err != nil {
		s.log.Debug("broker connect not started", "error", err)
		return
	}
	s.setState(StateConnecting)
}

func (s *Session) handleConnected() {
	if s.stopping {
		return
	}
	s.setState(StateConnectionEstablished)
	s.isSending = false
	s.sendLength = 0
	s.log.Info("transport connected")
	s.ensureHandshake()
	s.transferBuffer()
}

func (s *Session) handleCommunicationError(kind EventKind) {
	if s.activity != nil {
		s.activity.SetNormal(false)
	}
	s.isSending = false
	s.sendLength = 0

	switch s.state {
	case StateConnecting:
		s.log.Warn("broker connect failed, backing off", "event", kind.String(), "backoff", s.cfg.Backoff)
		s.backoffTimer.Restart()
		s.setState(StateDisconnectedWait)
	case StateDisconnectedWait:
		// Already waiting for the next attempt
	case StateDisconnecting:
		s.finishStop()
	default:
		if s.state == StateConnectionEstablished {
			s.counters.LinkLosses++
			s.log.Warn("broker connection lost", "event", kind.String())
		}
		s.setState(StateDisconnected)
		s.conn.MarkDisconnected()
	}
}

// ensureHandshake initializes the connection and queues CONNECT when the
// protocol state machine has not started yet
func (s *Session) ensureHandshake() {
	if s.conn.State() != umqtt.StateInit {
		return
	}

	s.conn.Init()
	res, err := s.conn.Connect(umqtt.ConnectConfig{
		KeepAlive: s.cfg.KeepAlive,
		ClientID:  s.cfg.ClientID,
		Will:      s.will(),
	})
	if err != nil {
		if !s.handshakeWarned {
			s.log.Error("CONNECT not sent", "error", err)
			s.handshakeWarned = true
		}
		return
	}
	s.counters.ConnectsSent++
	s.checkPush("CONNECT", res)
}

func (s *Session) will() *umqtt.Will {
	if s.cfg.PresenceTopic == "" {
		return nil
	}
	return &umqtt.Will{
		Topic:   s.cfg.PresenceTopic,
		Message: []byte(s.cfg.OfflineMessage),
		Retain:  true,
	}
}

func (s *Session) handleNewData(data []byte) {
	previous := s.conn.State()
	s.counters.BytesReceived += uint64(len(data))

	for len(data) > 0 {
		res := s.conn.RX().Push(data)
		data = data[res.Written:]
		s.conn.Process()
		if res.Written == 0 {
			s.counters.RxOverflowBytes += uint64(len(data))
			s.log.Warn("RX buffer overflow", "dropped", len(data))
			break
		}
	}

	current := s.conn.State()
	if previous != umqtt.StateConnected && current == umqtt.StateConnected {
		s.onBrokerConnected()
	}
	if previous != umqtt.StateFailed && current == umqtt.StateFailed {
		s.counters.ConnackFailures++
		code := s.conn.ReturnCode()
		s.log.Error("broker rejected connection, session stalled", "code", uint8(code), "reason", code.Error())
	}
}

func (s *Session) onBrokerConnected() {
	s.counters.Connected++
	s.log.Info("connected to broker", "client_id", s.cfg.ClientID)
	if s.activity != nil {
		s.activity.SetNormal(true)
	}

	if s.cfg.PresenceTopic != "" {
		s.publish(s.cfg.PresenceTopic, s.cfg.OnlineMessage, true)
	}
	if s.cfg.CommandTopic != "" {
		res, err := s.conn.Subscribe(s.cfg.CommandTopic)
		if err != nil {
			s.log.Error("subscribe failed", "topic", s.cfg.CommandTopic, "error", err)
			return
		}
		s.counters.Subscribes++
		s.checkPush("SUBSCRIBE", res)
	}
}

func (s *Session) processConnected() {
	s.ensureHandshake()

	if s.isSending || s.conn.State() != umqtt.StateConnected {
		return
	}
	if s.cfg.KeepAlive > 0 && s.keepAliveTimer.TryRestart() {
		s.counters.Pings++
		s.checkPush("PINGREQ", s.conn.Ping())
		return
	}
	if s.publishTimer.TryRestart() {
		s.sendData()
	}
}

func (s *Session) processDisconnecting() {
	if !s.isSending && s.conn.TX().Len() == 0 {
		s.finishStop()
	}
}

func (s *Session) sendData() {
	if s.sensor == nil {
		return
	}
	s.counters.SensorReads++

	r, err := s.sensor.Read()
	if err != nil {
		code := sensor.ErrorCode(err)
		s.counters.SensorErrors++
		s.lastSensorError = code
		s.log.Warn("sensor read failed", "error", err, "code", code)
		s.publish(s.cfg.HumidityTopic, code, false)
		s.publish(s.cfg.TemperatureTopic, code, false)
		return
	}

	s.lastReading = &r
	s.lastSensorError = ""
	s.publish(s.cfg.HumidityTopic, r.HumidityString(), false)
	s.publish(s.cfg.TemperatureTopic, r.TemperatureString(), false)
}

func (s *Session) publish(topic, payload string, retain bool) {
	res, err := s.conn.Publish(topic, []byte(payload), retain)
	if err != nil {
		s.log.Error("publish failed", "topic", topic, "error", err)
		return
	}
	s.counters.Publishes++
	s.checkPush("PUBLISH", res)
}

// checkPush records a TX overflow. In strict mode the transport connection
// is dropped since the stream now holds a truncated packet.
func (s *Session) checkPush(packet string, res ringbuf.PushResult) {
	if res.OK() {
		return
	}
	s.counters.TxOverflowBytes += uint64(res.NotWritten)
	err := res.Err()
	if !s.cfg.StrictBuffers {
		s.log.Warn("TX buffer overflow", "packet", packet, "error", err)
		return
	}
	s.log.Error("TX buffer overflow, dropping connection", "packet", packet, "error", err)
	if cerr := s.transport.Close(); cerr != nil && !errors.Is(cerr, ErrNotConnected) {
		s.log.Debug("transport close", "error", cerr)
	}
}

func (s *Session) transferBuffer() {
	if s.isSending {
		return
	}
	n := s.conn.TX().Pop(s.sendBuffer)
	if n == 0 {
		return
	}
	s.sendLength = n
	s.isSending = true
	s.send()
}

func (s *Session) send() {
	if s.activity != nil {
		s.activity.Notify()
	}
	data := s.sendBuffer[:s.sendLength]
	s.counters.Segments++
	s.counters.BytesSent += uint64(len(data))
	if s.cfg.Debug {
		s.log.Debug("segment", "bytes", len(data), "packets", umqtt.FormatStream(data))
	}
	if err := s.transport.Send(data); err != nil {
		s.log.Warn("transport send failed", "error", err)
	}
}

func (s *Session) onMessage(topic string, payload []byte) {
	s.counters.MessagesReceived++
	if s.handler != nil {
		s.handler.OnMessage(topic, payload)
	}
}
