package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *mockHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *mockHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	eb.Subscribe(WorkflowStarted, handler)

	if !eb.HasSubscribers(WorkflowStarted) {
		t.Fatal("Expected subscribers for workflow:started, but none found")
	}

	eb.mu.RLock()
	handlers := eb.handlers[WorkflowStarted]
	eb.mu.RUnlock()
	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}

	eb.Subscribe(WorkflowStarted, handler1)
	eb.Subscribe(WorkflowStarted, handler2)

	if !eb.Unsubscribe(WorkflowStarted, handler1) {
		t.Fatal("Unsubscribe should return true for existing handler")
	}

	eb.mu.RLock()
	remaining := len(eb.handlers[WorkflowStarted])
	eb.mu.RUnlock()
	if remaining != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", remaining)
	}

	if eb.Unsubscribe(WorkflowStarted, handler1) {
		t.Fatal("Unsubscribe should return false for already-removed handler")
	}
	if eb.Unsubscribe("unknown", handler2) {
		t.Fatal("Unsubscribe should return false for unknown event type")
	}
}

func TestEventBus_PublishDelivers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	eb.Subscribe(ApprovalCreated, handler)

	event := Event{
		Type:       ApprovalCreated,
		InstanceID: "inst-1",
		Data:       map[string]interface{}{"request_id": "req-1"},
	}
	if err := eb.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for handler.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Event was not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	got := handler.events[0]
	handler.mu.Unlock()
	if got.InstanceID != "inst-1" {
		t.Fatalf("Expected instance inst-1, got %s", got.InstanceID)
	}
}

func TestEventBus_PublishNoHandler(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: WorkflowFailed})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(WorkflowStarted, &mockHandler{})
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: WorkflowStarted})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	ok := &mockHandler{}
	failing := &mockHandler{err: errors.New("handler failure")}
	eb.Subscribe(StepCompleted, ok)
	eb.Subscribe(StepCompleted, failing)

	errs := eb.PublishSync(context.Background(), Event{Type: StepCompleted, InstanceID: "inst-1"})
	if len(errs) != 1 {
		t.Fatalf("Expected 1 handler error, got %d: %v", len(errs), errs)
	}
	if ok.count() != 1 || failing.count() != 1 {
		t.Fatal("Both handlers should have run")
	}

	errs = eb.PublishSync(context.Background(), Event{Type: "unknown"})
	if len(errs) != 1 || !errors.Is(errs[0], ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", errs)
	}
}

func TestEventBus_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}))
	defer eb.Stop()

	eb.Subscribe(WorkflowFailed, &mockHandler{err: errors.New("boom")})
	if err := eb.Publish(context.Background(), Event{Type: WorkflowFailed}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Error handler was not invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBus_SubscribeFunc(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	done := make(chan Event, 1)
	eb.SubscribeFunc(DelegationCreated, func(ctx context.Context, event Event) error {
		done <- event
		return nil
	})

	if err := eb.Publish(context.Background(), Event{Type: DelegationCreated, InstanceID: ""}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handler function was not invoked")
	}
}
