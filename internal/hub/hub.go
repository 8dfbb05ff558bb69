package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"qms/queue-dispatch/internal/models"

	"github.com/rs/zerolog/log"
)

// Subscription narrows the events a board receives. Empty fields match everything.
type Subscription struct {
	RoomIDs   []string
	QueueType models.QueueType
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action    string   `json:"action"`
	RoomIDs   []string `json:"room_ids"`
	QueueType string   `json:"queue_type"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish fans a committed queue event out to every matching subscriber.
func (h *Hub) Publish(event models.QueueEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("encode queue event")
		return
	}
	h.Broadcast(payload, event.Ticket.RoomID, event.Ticket.QueueType)
}

// Broadcast never blocks: a client whose buffer is full misses the message
// and catches up on its next snapshot poll.
func (h *Hub) Broadcast(payload []byte, roomID string, queueType models.QueueType) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, roomID, queueType) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, roomID string, queueType models.QueueType) bool {
	if sub.QueueType != "" && sub.QueueType != queueType {
		return false
	}
	if len(sub.RoomIDs) == 0 {
		return true
	}
	for _, id := range sub.RoomIDs {
		if id == roomID {
			return true
		}
	}
	return false
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

// Subscription converts a subscribe message, rejecting unknown queue types.
func (m SubscribeMessage) Subscription() (Subscription, bool) {
	sub := Subscription{}
	for _, raw := range m.RoomIDs {
		if id := strings.TrimSpace(raw); id != "" {
			sub.RoomIDs = append(sub.RoomIDs, id)
		}
	}
	if strings.TrimSpace(m.QueueType) != "" {
		qt, err := models.ParseQueueType(m.QueueType)
		if err != nil {
			return Subscription{}, false
		}
		sub.QueueType = qt
	}
	return sub, true
}
