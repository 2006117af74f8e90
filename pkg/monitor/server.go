// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/hygrostat/pkg/session"
)

// Source provides session snapshots
type Source interface {
	Snapshot() session.Snapshot
}

// SourceFunc adapts a function to Source
type SourceFunc func() session.Snapshot

// Snapshot calls f()
func (f SourceFunc) Snapshot() session.Snapshot {
	return f()
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithInterval sets how often snapshots are pushed to each client
func WithInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBasicAuth requires HTTP Basic credentials on the upgrade request
func WithBasicAuth(username, password string) ServerOption {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithServerLogger sets the logger
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHistory replays the messages returned by recent to each newly
// connected client, after its first snapshot
func WithHistory(recent func() []Inbound) ServerOption {
	return func(s *Server) {
		s.history = recent
	}
}

const (
	writeWait      = 5 * time.Second
	inboundBacklog = 16
)

// Server is an http.Handler that upgrades to WebSocket and streams
// snapshot and inbound messages
type Server struct {
	src      Source
	interval time.Duration
	username string
	password string
	log      *slog.Logger
	history  func() []Inbound
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	inbound chan []byte
}

// NewServer creates a monitor server for src
func NewServer(src Source, opts ...ServerOption) *Server {
	s := &Server{
		src:      src,
		interval: time.Second,
		log:      slog.Default(),
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "monitor")
	return s
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// OnMessage forwards a received MQTT message to every client. It never
// blocks; a client that is not keeping up misses messages.
func (s *Server) OnMessage(topic string, payload []byte) {
	data, err := EncodeInbound(Inbound{
		Time:    time.Now().UnixMilli(),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	})
	if err != nil {
		s.log.Warn("encode inbound failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.inbound <- data:
		default:
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="hygrostat"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, inbound: make(chan []byte, inboundBacklog)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("monitor client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.log.Info("monitor client disconnected", "remote", r.RemoteAddr)
	}()

	s.serve(r.Context(), c)
}

func (s *Server) serve(ctx context.Context, c *client) {
	// Reads only serve to notice the peer closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if !s.sendSnapshot(c) || !s.sendHistory(c) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.closeClient(c)
			return
		case <-closed:
			return
		case data := <-c.inbound:
			if !s.write(c, data) {
				return
			}
		case <-ticker.C:
			if !s.sendSnapshot(c) {
				return
			}
		}
	}
}

func (s *Server) sendSnapshot(c *client) bool {
	data, err := EncodeSnapshot(FrameFromSnapshot(s.src.Snapshot()))
	if err != nil {
		s.log.Warn("encode snapshot failed", "error", err)
		return true
	}
	return s.write(c, data)
}

func (s *Server) sendHistory(c *client) bool {
	if s.history == nil {
		return true
	}
	for _, in := range s.history() {
		data, err := EncodeInbound(in)
		if err != nil {
			s.log.Warn("encode inbound failed", "error", err)
			continue
		}
		if !s.write(c, data) {
			return false
		}
	}
	return true
}

func (s *Server) write(c *client, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Debug("monitor write failed", "error", err)
		return false
	}
	return true
}

func (s *Server) closeClient(c *client) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ListenAndServe serves the monitor at path on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("monitor listening", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
