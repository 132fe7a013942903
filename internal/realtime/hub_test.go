package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventMilestone, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventMilestone, EventContract},
	}}

	milestoneEvent := &Event{Type: EventMilestone}
	contractEvent := &Event{Type: EventContract}
	depositEvent := &Event{Type: EventDeposit}

	if !h.shouldSend(client, milestoneEvent) {
		t.Error("Should receive milestone events")
	}
	if !h.shouldSend(client, contractEvent) {
		t.Error("Should receive contract events")
	}
	if h.shouldSend(client, depositEvent) {
		t.Error("Should NOT receive deposit events")
	}
}

func TestShouldSend_ContractFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ContractIDs: []string{"ct_1"},
	}}

	matching := &Event{
		Type: EventMilestone,
		Data: map[string]any{"contractId": "ct_1", "status": "funded"},
	}
	notMatching := &Event{
		Type: EventMilestone,
		Data: map[string]any{"contractId": "ct_2", "status": "funded"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on contractId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated contracts")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		PartyIDs: []string{"alice"},
	}}

	matchingClient := &Event{
		Type: EventContract,
		Data: map[string]any{"clientId": "alice", "freelancerId": "bob"},
	}
	matchingFreelancer := &Event{
		Type: EventContract,
		Data: map[string]any{"clientId": "carol", "freelancerId": "alice"},
	}
	matchingOwner := &Event{
		Type: EventDeposit,
		Data: map[string]any{"ownerId": "alice", "amount": "100.00"},
	}
	notMatching := &Event{
		Type: EventContract,
		Data: map[string]any{"clientId": "carol", "freelancerId": "bob"},
	}

	if !h.shouldSend(client, matchingClient) {
		t.Error("Should match on clientId")
	}
	if !h.shouldSend(client, matchingFreelancer) {
		t.Error("Should match on freelancerId")
	}
	if !h.shouldSend(client, matchingOwner) {
		t.Error("Should match on ownerId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated parties")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventMilestone}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ContractIDs: []string{"ct_1"},
	}}

	// Event with non-map data should not crash; the filter can't extract a
	// contract id, so the event is dropped for this client.
	event := &Event{
		Type: EventMilestone,
		Data: "string data not a map",
	}

	if h.shouldSend(client, event) {
		t.Error("Contract filter should drop events it cannot inspect")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventMilestone, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastMilestone(map[string]any{
		"contractId": "ct_1", "milestoneId": "ms_1", "status": "funded",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants contract status changes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventContract}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Deposit event should be filtered out
	h.BroadcastDeposit(map[string]any{"ownerId": "alice", "amount": "5.00"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive deposit event")
	default:
		// Good - filtered out
	}

	// Contract event should be received
	h.BroadcastContract(map[string]any{"contractId": "ct_1", "status": "active"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive contract event")
	}
}
