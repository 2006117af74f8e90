// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/hygrostat/pkg/umqtt"
)

const maxReceived = 32

// Received is one message delivered on a subscribed topic
type Received struct {
	Time    time.Time
	Topic   string
	Payload []byte
}

// Handler logs messages received on subscribed topics, keeps the most
// recent ones and forwards them to the next handlers
type Handler struct {
	log  *slog.Logger
	next []umqtt.MessageHandler

	mu       sync.Mutex
	received []Received
}

// NewHandler creates a handler forwarding to next
func NewHandler(log *slog.Logger, next ...umqtt.MessageHandler) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log.With("component", "handler"), next: next}
}

// OnMessage implements umqtt.MessageHandler
func (h *Handler) OnMessage(topic string, payload []byte) {
	h.log.Info("message received", "topic", topic, "payload", string(payload))

	h.mu.Lock()
	h.received = append(h.received, Received{
		Time:    time.Now(),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	})
	if len(h.received) > maxReceived {
		h.received = h.received[len(h.received)-maxReceived:]
	}
	h.mu.Unlock()

	for _, n := range h.next {
		if n != nil {
			n.OnMessage(topic, payload)
		}
	}
}

// Received returns the most recent messages, oldest first
func (h *Handler) Received() []Received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Received(nil), h.received...)
}
