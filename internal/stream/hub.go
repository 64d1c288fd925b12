// Package stream fans detection events out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event topics.
const (
	TopicAnomaly     = "anomaly"
	TopicRemediation = "remediation"
	TopicRun         = "run"
)

var (
	// ErrHubClosed is returned by Publish after the hub stopped.
	ErrHubClosed = errors.New("stream hub closed")
	// ErrHubBusy is returned when the broadcast queue is full; the event is dropped.
	ErrHubBusy = errors.New("stream hub busy")
)

// Event is the envelope written to subscribers.
type Event struct {
	Topic     string      `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type message struct {
	topic string
	data  []byte
}

// Hub keeps the set of subscribers and broadcasts events to them. A subscriber
// whose buffer is full is dropped rather than slowing the others down.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.Mutex

	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	allowedOrigins []string
	clientBuffer   int
	logger         *zap.Logger
}

// Options configures a hub.
type Options struct {
	// QueueSize bounds the broadcast queue. Default 256.
	QueueSize int
	// ClientBuffer bounds each subscriber's outbound queue. Default 64.
	ClientBuffer int
	// AllowedOrigins lists browser origins accepted on upgrade. "*" allows any.
	AllowedOrigins []string
}

// NewHub creates a hub. Call Run to start broadcasting.
func NewHub(opts Options, logger *zap.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[*Client]struct{}),
		broadcast:      make(chan message, opts.QueueSize),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		allowedOrigins: opts.AllowedOrigins,
		clientBuffer:   opts.ClientBuffer,
		logger:         logger,
	}
}

// Run broadcasts until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			h.remove(c)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("Stream subscriber registered", zap.String("client_id", c.id))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("Dropping slow stream subscriber", zap.String("client_id", c.id))
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Publish queues payload for every subscriber of topic. It never blocks.
func (h *Hub) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(Event{Topic: topic, Timestamp: time.Now(), Payload: payload})
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, data: data}:
		return nil
	default:
		h.logger.Warn("Stream queue full, dropping event", zap.String("topic", topic))
		return ErrHubBusy
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
