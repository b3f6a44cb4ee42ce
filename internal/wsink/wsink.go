// Package wsink is the default websocket fan-out sink for deployment-element
// and score events — the concrete implementation behind the
// internal/store.Watcher contract that the store otherwise treats as opaque.
// Clients connect, are registered in the hub, and receive a JSON message per
// event until they disconnect or the hub is closed.
package wsink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/internal/store"
	"github.com/openrangelab/rangerd/pkg/pgnotify"
)

// Channel is the pgnotify channel deployment-element and score events are
// published on, so every rangerd process's Hub (not just the one that
// handled the deploy) relays them to its own connected clients.
const Channel = "rangerd_events"

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the wire envelope published to every connected client.
type Message struct {
	Type         string    `json:"type"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	ElementID    string    `json:"element_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	MetricName   string    `json:"metric_name,omitempty"`
	Value        string    `json:"value,omitempty"`
	At           time.Time `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans events out to every currently-connected client. The zero value
// is not usable; build one with New.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *logging.Logger
}

// New builds an empty Hub.
func New(logger *logging.Logger) *Hub {
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// ServeHTTP upgrades the request to a websocket connection and registers it
// as a fan-out target until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Warn("websocket upgrade failed")
		}
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// readPump drains and discards client frames purely to detect disconnects;
// this sink is write-only from the server's perspective.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// client too slow to keep up; drop it rather than block the
			// publisher on one stuck connection.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// NotifyElementCreated implements internal/store.Watcher.
func (h *Hub) NotifyElementCreated(ctx context.Context, elem store.DeploymentElement) {
	h.broadcast(elementMessage("element_created", elem))
}

// NotifyElementUpdated implements internal/store.Watcher.
func (h *Hub) NotifyElementUpdated(ctx context.Context, elem store.DeploymentElement) {
	h.broadcast(elementMessage("element_updated", elem))
}

// NotifyScore implements internal/store.Watcher.
func (h *Hub) NotifyScore(ctx context.Context, score store.Score) {
	h.broadcast(scoreMessage(score))
}

// Subscribe relays every Message published to Channel on bus into this
// Hub's locally-connected clients, so a deploy handled by a different
// rangerd process still reaches clients attached here.
func (h *Hub) Subscribe(bus *pgnotify.Bus) error {
	return bus.Subscribe(Channel, func(ctx context.Context, event pgnotify.Event) error {
		var msg Message
		if err := json.Unmarshal(event.Payload, &msg); err != nil {
			if h.logger != nil {
				h.logger.WithError(err).Warn("discarding malformed sink event")
			}
			return nil
		}
		h.broadcast(msg)
		return nil
	})
}

func elementMessage(eventType string, elem store.DeploymentElement) Message {
	return Message{
		Type:         eventType,
		DeploymentID: elem.DeploymentID.String(),
		ElementID:    elem.ID.String(),
		Status:       string(elem.Status),
		At:           time.Now().UTC(),
	}
}

func scoreMessage(score store.Score) Message {
	return Message{
		Type:         "score",
		DeploymentID: score.DeploymentID.String(),
		MetricName:   score.MetricName,
		Value:        score.Value.String(),
		At:           time.Now().UTC(),
	}
}

// Publisher implements internal/store.Watcher by publishing each event to
// a pgnotify.Bus instead of fanning out to local websocket clients
// directly, so every rangerd process's Hub (subscribed via Hub.Subscribe)
// relays it regardless of which process handled the deploy.
type Publisher struct {
	bus    *pgnotify.Bus
	logger *logging.Logger
}

// NewPublisher builds a Publisher over an already-connected bus.
func NewPublisher(bus *pgnotify.Bus, logger *logging.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

// NotifyElementCreated implements internal/store.Watcher.
func (p *Publisher) NotifyElementCreated(ctx context.Context, elem store.DeploymentElement) {
	p.publish(ctx, elementMessage("element_created", elem))
}

// NotifyElementUpdated implements internal/store.Watcher.
func (p *Publisher) NotifyElementUpdated(ctx context.Context, elem store.DeploymentElement) {
	p.publish(ctx, elementMessage("element_updated", elem))
}

// NotifyScore implements internal/store.Watcher.
func (p *Publisher) NotifyScore(ctx context.Context, score store.Score) {
	p.publish(ctx, scoreMessage(score))
}

func (p *Publisher) publish(ctx context.Context, msg Message) {
	if err := p.bus.Publish(ctx, Channel, msg); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("publishing sink event failed")
	}
}
