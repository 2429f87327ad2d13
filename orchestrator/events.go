package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/streaming"
)

const maxWSConnections = 200

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware already gates origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsHub fans run/pipeline/DLQ events out to websocket subscribers. It
// implements streaming.Publisher so the executor stays transport-agnostic.
// Single broadcaster pattern prevents N duplicate tickers.
type EventsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan streaming.Event
	mu         sync.RWMutex
}

// NewEventsHub creates the hub.
func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
	}
}

// Publish implements streaming.Publisher. Non-blocking: when the hub buffer
// is full the event is dropped and counted, never stalling the executor.
func (h *EventsHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := streaming.Event{
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "orchestrator",
	}
	select {
	case h.events <- event:
	default:
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
	return nil
}

// Close implements streaming.Publisher.
func (h *EventsHub) Close() error { return nil }

// Run starts the hub's main loop.
func (h *EventsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case event := <-h.events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					h.unregisterAsync(conn)
				}
			}
		}
	}
}

func (h *EventsHub) unregisterAsync(conn *websocket.Conn) {
	go func() { h.unregister <- conn }()
}

func (h *EventsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// ServeWS upgrades an HTTP request into an event subscription.
func (h *EventsHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Reader loop only to detect close; clients never send.
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// fanoutPublisher publishes to several publishers; failures are best effort.
type fanoutPublisher struct {
	targets []streaming.Publisher
}

// NewFanoutPublisher combines publishers (e.g. log + websocket hub).
func NewFanoutPublisher(targets ...streaming.Publisher) streaming.Publisher {
	return &fanoutPublisher{targets: targets}
}

func (p *fanoutPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	for _, t := range p.targets {
		if err := t.Publish(ctx, topic, payload); err != nil {
			observability.EventPublishFailures.WithLabelValues(topic).Inc()
		}
	}
	return nil
}

func (p *fanoutPublisher) Close() error {
	for _, t := range p.targets {
		_ = t.Close()
	}
	return nil
}
