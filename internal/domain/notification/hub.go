// Package notification pushes account events (credits.available,
// balance.low, plan.active, autotopup.failed) to connected websocket
// clients. Instances fan events out to each other over Redis pub/sub.
package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
)

const accountEventsChannel = "billing:account_events"

const defaultQueueSize = 1024

// Event is the frame written to clients.
type Event struct {
	Type      string      `json:"type"`
	AccountID uuid.UUID   `json:"account_id"`
	Data      interface{} `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

type relayMessage struct {
	AccountID        string          `json:"account_id"`
	Payload          json.RawMessage `json:"payload"`
	SenderInstanceID string          `json:"sender_instance_id"`
}

// Connection is one websocket client of an account.
type Connection struct {
	AccountID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub tracks local connections and relays events between instances.
type Hub struct {
	connections map[uuid.UUID]map[*Connection]bool
	mu          sync.RWMutex

	redis  *redis.Client
	pubsub *redis.PubSub

	register   chan *Connection
	unregister chan *Connection
	queue      chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	instanceID string
}

// NewHub returns a hub; redisClient may be nil for a single instance.
func NewHub(redisClient *redis.Client) *Hub {
	return NewHubWithInstanceID(redisClient, uuid.NewString())
}

func NewHubWithInstanceID(redisClient *redis.Client, instanceID string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		connections: make(map[uuid.UUID]map[*Connection]bool),
		redis:       redisClient,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		queue:       make(chan Event, defaultQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		instanceID:  instanceID,
	}
	if redisClient != nil {
		h.pubsub = redisClient.Subscribe(ctx, accountEventsChannel)
	}
	return h
}

// Run starts the hub (call in goroutine)
func (h *Hub) Run() {
	if h.pubsub != nil {
		h.wg.Add(1)
		go h.runRedisSubscriber()
	}
	h.wg.Add(1)
	go h.runDispatcher()

	for {
		select {
		case <-h.ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.connections[conn.AccountID] == nil {
				h.connections[conn.AccountID] = make(map[*Connection]bool)
			}
			h.connections[conn.AccountID][conn] = true
			h.mu.Unlock()
			metrics.WSConnections.Inc()
			log.Debug().Str("account_id", conn.AccountID.String()).Msg("Account connected to WebSocket")

		case conn := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.connections[conn.AccountID]; ok {
				if _, exists := conns[conn]; exists {
					delete(conns, conn)
					close(conn.Send)
					metrics.WSConnections.Dec()
				}
				if len(conns) == 0 {
					delete(h.connections, conn.AccountID)
				}
			}
			h.mu.Unlock()
			log.Debug().Str("account_id", conn.AccountID.String()).Msg("Account disconnected from WebSocket")
		}
	}
}

// Publish queues an event for the account and returns immediately. When
// the queue is full the event is dropped.
func (h *Hub) Publish(accountID uuid.UUID, eventType string, data interface{}) {
	evt := Event{Type: eventType, AccountID: accountID, Data: data, At: time.Now().UTC()}
	select {
	case h.queue <- evt:
	default:
		metrics.Notifications.WithLabelValues(eventType, "dropped").Inc()
		log.Warn().Str("account_id", accountID.String()).Str("event_type", eventType).Msg("Notification queue full, event dropped")
	}
}

func (h *Hub) runDispatcher() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case evt := <-h.queue:
			h.deliver(evt)
		}
	}
}

func (h *Hub) deliver(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", evt.Type).Msg("Failed to marshal notification")
		return
	}

	sent := h.sendLocal(evt.AccountID, data)
	if err := h.relay(evt.AccountID, data); err != nil {
		log.Error().Err(err).Str("channel", accountEventsChannel).Msg("Redis publish failed")
	}

	result := "local"
	if sent == 0 {
		result = "no_local_client"
	}
	metrics.Notifications.WithLabelValues(evt.Type, result).Inc()
}

func (h *Hub) relay(accountID uuid.UUID, data []byte) error {
	if h.redis == nil {
		return nil
	}
	payload, err := json.Marshal(relayMessage{
		AccountID:        accountID.String(),
		Payload:          data,
		SenderInstanceID: h.instanceID,
	})
	if err != nil {
		return err
	}
	return h.redis.Publish(h.ctx, accountEventsChannel, payload).Err()
}

func (h *Hub) runRedisSubscriber() {
	defer h.wg.Done()
	ch := h.pubsub.Channel()

	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleRelay(msg.Payload)
		}
	}
}

func (h *Hub) handleRelay(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	if msg.SenderInstanceID == h.instanceID {
		return
	}
	accountID, err := uuid.Parse(msg.AccountID)
	if err != nil {
		return
	}
	h.sendLocal(accountID, msg.Payload)
}

// sendLocal writes data to every connection of the account on this
// instance and returns how many accepted it.
func (h *Hub) sendLocal(accountID uuid.UUID, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for conn := range h.connections[accountID] {
		select {
		case conn.Send <- data:
			sent++
		default:
			// slow client
			log.Warn().Str("account_id", accountID.String()).Msg("WebSocket send buffer full")
		}
	}
	return sent
}

// Register adds a connection. It reports false once the hub has shut down.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.ctx.Done():
	}
}

// ConnectionCount returns number of local connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.connections {
		total += len(conns)
	}
	return total
}

// Shutdown stops the hub and its background goroutines.
func (h *Hub) Shutdown() {
	h.cancel()
	if h.pubsub != nil {
		h.pubsub.Close()
	}
	h.wg.Wait()
}
