// Package stream fans attestation lifecycle events out to live websocket
// subscribers. Delivery is best-effort: a slow consumer loses events rather
// than stalling the attestation pipeline.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventCheckpointAttested = "checkpoint.attested"
	EventProofRequested     = "proof.requested"
	EventProofCompleted     = "proof.completed"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

type CheckpointAttested struct {
	CheckpointID  string `json:"checkpoint_id"`
	AgentID       string `json:"agent_id"`
	Verdict       string `json:"verdict"`
	ChainPosition int64  `json:"chain_position"`
	CertificateID string `json:"certificate_id"`
}

type ProofRequested struct {
	ProofID      string `json:"proof_id"`
	CheckpointID string `json:"checkpoint_id"`
	ProofType    string `json:"proof_type"`
}

type ProofCompleted struct {
	ProofID      string `json:"proof_id"`
	CheckpointID string `json:"checkpoint_id"`
	ProofType    string `json:"proof_type"`
	Status       string `json:"status"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		At:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: raw,
	}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers reports the number of live subscriptions, for the stream gauge.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
