package hub

import (
	"encoding/json"
	"sync"
	"time"

	"qms/patient-queue/internal/models"

	"github.com/rs/zerolog/log"
)

type Subscription struct {
	BranchID string
	DoctorID string
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
	Action   string `json:"action"`
	BranchID string `json:"branch_id"`
	DoctorID string `json:"doctor_id"`
}

type Envelope struct {
	Type      string             `json:"type"`
	Entry     *models.QueueEntry `json:"entry,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
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

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

// Publish implements the queue change notifier.
func (h *Hub) Publish(eventType string, entry models.QueueEntry) {
	env := Envelope{Type: eventType, Entry: &entry, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("encode hub event")
		return
	}
	h.Broadcast(payload, Subscription{BranchID: entry.BranchRef, DoctorID: entry.DoctorRef})
}

// SendTo delivers payload to one client only, dropping it if the client is slow.
func (h *Hub) SendTo(client *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		log.Warn().Str("client_id", client.ID).Msg("drop snapshot for slow client")
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.BranchID != "" && meta.BranchID != sub.BranchID {
		return false
	}
	if sub.DoctorID != "" && meta.DoctorID != sub.DoctorID {
		return false
	}
	return true
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
