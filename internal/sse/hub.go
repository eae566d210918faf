package sse

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.io/infrasutra/openmail/internal/store"
)

// Hub fans out events to the open streams of an account. Slow subscribers
// drop events instead of blocking delivery.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(accountID int64) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[accountID]; !ok {
		h.subs[accountID] = make(map[chan []byte]struct{})
	}
	h.subs[accountID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[accountID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, accountID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

func (h *Hub) Broadcast(accountID int64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[accountID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// MessageStored publishes a "message" event to the recipient account.
func (h *Hub) MessageStored(message store.Message) {
	h.Broadcast(message.AccountID, buildEvent(message))
}

func buildEvent(message store.Message) []byte {
	payload := map[string]any{
		"id":          message.ID,
		"accountId":   message.AccountID,
		"sender":      message.Sender,
		"senderEmail": message.SenderEmail,
		"subject":     message.Subject,
		"receivedAt":  message.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: message\ndata: %s\n\n", data))
}
