// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport adapts a TCP connection to the event-driven session
// transport: dial outcome, inbound data, write acknowledgement, retransmit
// requests and periodic polls are all delivered as session events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/session"
)

// Defaults
const (
	DefaultMSS          = 100
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWriteTimeout = 3 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

// ErrBusy is returned by Connect while a connection is open or being dialed
var ErrBusy = errors.New("connection already in progress")

// ErrNotConnected is returned by Send and Close without an open connection
var ErrNotConnected = session.ErrNotConnected

// Option configures a TCP transport
type Option func(*TCP)

// WithMSS sets the largest segment handed to Send
func WithMSS(n int) Option {
	return func(t *TCP) {
		if n > 0 {
			t.mss = n
		}
	}
}

// WithPollInterval sets how often EventPoll is delivered while connected
func WithPollInterval(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithWriteTimeout sets the deadline for writing one segment
func WithWriteTimeout(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(d time.Duration) Option {
	return func(t *TCP) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *TCP) {
		if l != nil {
			t.log = l
		}
	}
}

// TCP is a session.Transport over a single TCP connection at a time
type TCP struct {
	addr         string
	mss          int
	pollInterval time.Duration
	writeTimeout time.Duration
	dialTimeout  time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	handler session.EventHandler
	dialing bool
	link    *link
}

// NewTCP creates a transport for the broker at addr (host:port)
func NewTCP(addr string, opts ...Option) *TCP {
	t := &TCP{
		addr:         addr,
		mss:          DefaultMSS,
		pollInterval: DefaultPollInterval,
		writeTimeout: DefaultWriteTimeout,
		dialTimeout:  DefaultDialTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "transport", "addr", addr)
	return t
}

// SetHandler sets the receiver of transport events
func (t *TCP) SetHandler(h session.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Addr returns the broker address
func (t *TCP) Addr() string {
	return t.addr
}

// MSS implements session.Transport
func (t *TCP) MSS() int {
	return t.mss
}

// Connect implements session.Transport. The dial runs in the background.
func (t *TCP) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dialing || t.link != nil {
		return ErrBusy
	}
	t.dialing = true

	go t.dial(ctx)
	return nil
}

// Send implements session.Transport. The write runs in the background and
// completes with EventAcked, EventRexmit or a loss event.
func (t *TCP) Send(data []byte) error {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	segment := append([]byte(nil), data...)
	select {
	case l.writes <- segment:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return fmt.Errorf("segment already in flight")
	}
}

// Close implements session.Transport
func (t *TCP) Close() error {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}
	// Called with the session lock held, so the loss event must not be
	// delivered from this goroutine
	l.shutdown(session.EventClosed, nil, true)
	return nil
}

func (t *TCP) emit(ev session.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

func (t *TCP) dial(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", t.addr)
	if err != nil {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()

		kind := session.EventAborted
		if errors.Is(err, context.DeadlineExceeded) {
			kind = session.EventTimedOut
		}
		t.log.Debug("dial failed", "error", err, "event", kind.String())
		t.emit(session.Event{Kind: kind})
		return
	}

	l := &link{
		t:      t,
		conn:   conn,
		writes: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.dialing = false
	t.link = l
	t.mu.Unlock()

	t.log.Debug("connected", "local", conn.LocalAddr().String())
	t.emit(session.Event{Kind: session.EventConnected})

	go l.readLoop()
	go l.writeLoop()
	go l.pollLoop()
}

// link is one open connection and its goroutines
type link struct {
	t      *TCP
	conn   net.Conn
	writes chan []byte
	done   chan struct{}
	once   sync.Once
}

// shutdown closes the connection and delivers exactly one loss event
func (l *link) shutdown(kind session.EventKind, cause error, async bool) {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()

		l.t.mu.Lock()
		if l.t.link == l {
			l.t.link = nil
		}
		l.t.mu.Unlock()

		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			l.t.log.Debug("connection lost", "error", cause)
		}
		ev := session.Event{Kind: kind}
		if async {
			go l.t.emit(ev)
		} else {
			l.t.emit(ev)
		}
	})
}

func (l *link) readLoop() {
	buf := make([]byte, l.t.mss)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case <-l.done:
				return
			default:
			}
			l.t.emit(session.Event{Kind: session.EventNewData, Data: data})
		}
		if err != nil {
			l.shutdown(session.EventClosed, err, false)
			return
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case segment := <-l.writes:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.t.writeTimeout))
			n, err := l.conn.Write(segment)
			if err == nil {
				l.t.emit(session.Event{Kind: session.EventAcked})
				continue
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if n == 0 {
					l.t.emit(session.Event{Kind: session.EventRexmit})
					continue
				}
				// A partial segment cannot be resent without duplicating bytes
				l.shutdown(session.EventTimedOut, err, false)
				return
			}
			l.shutdown(session.EventClosed, err, false)
			return
		}
	}
}

func (l *link) pollLoop() {
	ticker := time.NewTicker(l.t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.t.emit(session.Event{Kind: session.EventPoll})
		}
	}
}
