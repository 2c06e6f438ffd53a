package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(EventCheckpointAttested, CheckpointAttested{
		CheckpointID:  "cp-001",
		AgentID:       "agent-7",
		Verdict:       "pass",
		ChainPosition: 4,
		CertificateID: "cert-abc",
	})
	if evt.Type != EventCheckpointAttested {
		t.Fatalf("expected type %q, got %q", EventCheckpointAttested, evt.Type)
	}
	if evt.ID == "" {
		t.Fatal("expected event id")
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload CheckpointAttested
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CheckpointID != "cp-001" || payload.ChainPosition != 4 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNewEventIDsAreUnique(t *testing.T) {
	t.Parallel()

	a := NewEvent(EventProofRequested, nil)
	b := NewEvent(EventProofRequested, nil)
	if a.ID == b.ID {
		t.Fatalf("expected distinct event ids, got %q twice", a.ID)
	}
	if a.Data != nil {
		t.Fatalf("expected nil data for nil payload, got %s", a.Data)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent(EventProofCompleted, ProofCompleted{
		ProofID:      "prf-1",
		CheckpointID: "cp-001",
		ProofType:    "execution",
		Status:       "verified",
	}))

	select {
	case evt := <-ch:
		if evt.Type != EventProofCompleted {
			t.Fatalf("expected proof.completed event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	first := NewEvent(EventCheckpointAttested, nil)
	second := NewEvent(EventCheckpointAttested, nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.ID != first.ID {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.ID)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestSubscribersCount(t *testing.T) {
	t.Parallel()

	h := NewHub()
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	a := h.Subscribe(1)
	b := h.Subscribe(1)
	if n := h.Subscribers(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	h.Unsubscribe(a)
	if n := h.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", n)
	}
	h.Unsubscribe(b)
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers after teardown, got %d", n)
	}
}
