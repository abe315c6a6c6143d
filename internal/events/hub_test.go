package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, OpAPEnabled)

	hub.Publish(Event{
		Kind:      "hostap",
		Interface: "wlan0",
		Opcode:    OpAPEnabled,
		Message:   "AP-ENABLED wlan0.0",
	})

	select {
	case e := <-ch:
		if e.Opcode != OpAPEnabled {
			t.Errorf("expected %s, got %s", OpAPEnabled, e.Opcode)
		}
		if e.Interface != "wlan0" {
			t.Errorf("expected interface wlan0, got %s", e.Interface)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be filled in")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10)

	hub.Publish(Event{Opcode: OpConnected})
	hub.Publish(Event{Opcode: "AP-STA-CONNECTED"})
	hub.Publish(Event{Opcode: "VENDOR-69"})

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout after %d events", received)
		}
	}
	if received != 3 {
		t.Errorf("expected 3 events, got %d", received)
	}
}

func TestHub_FilteredSubscription(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, OpDisconnected)
	hub.Publish(Event{Opcode: OpConnected})

	select {
	case e := <-ch:
		t.Errorf("unexpected event %s", e.Opcode)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub()

	_ = hub.Subscribe(1)
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Opcode: OpPing})
	}

	published, dropped := hub.Stats()
	if published != 5 {
		t.Errorf("expected 5 published, got %d", published)
	}
	if dropped != 4 {
		t.Errorf("expected 4 dropped, got %d", dropped)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, OpAPEnabled)
	hub.Unsubscribe(ch)
	hub.Publish(Event{Opcode: OpAPEnabled})

	select {
	case <-ch:
		t.Error("received event after unsubscribe")
	default:
	}
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Opcode: OpPing})
			}
		}()
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("expected 500 buffered events, got %d", got)
	}
}
