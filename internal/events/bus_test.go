package events

import "testing"

func TestPublish_Delivers(t *testing.T) {
	b := NewBus(4, nil)

	b.Publish(New(TypeCircuitOpened).WithBackend("database"))

	ev := <-b.Events()
	if ev.Type != TypeCircuitOpened {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Backend != "database" {
		t.Errorf("Backend = %q", ev.Backend)
	}
	if ev.ID == "" {
		t.Error("ID is empty")
	}
	if ev.At.IsZero() {
		t.Error("At is zero")
	}
}

func TestPublish_FullBufferDropsOldest(t *testing.T) {
	b := NewBus(2, nil)

	b.Publish(New(TypeSearchCompleted).WithDetail("first"))
	b.Publish(New(TypeSearchCompleted).WithDetail("second"))
	b.Publish(New(TypeSearchCompleted).WithDetail("third")) // evicts "first"

	if b.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", b.Dropped())
	}

	ev := <-b.Events()
	if ev.Detail != "second" {
		t.Errorf("first received = %q, want second (oldest dropped)", ev.Detail)
	}
	ev = <-b.Events()
	if ev.Detail != "third" {
		t.Errorf("second received = %q, want third", ev.Detail)
	}
}

func TestPublish_NeverBlocks(t *testing.T) {
	b := NewBus(1, nil)

	// no consumer; a burst must complete without a receiver
	for i := 0; i < 100; i++ {
		b.Publish(New(TypeSearchError))
	}

	if b.Dropped() != 99 {
		t.Errorf("Dropped() = %d, want 99", b.Dropped())
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	b := NewBus(4, nil)
	b.Publish(New(TypeCircuitClosed))
	b.Close()
	b.Close() // idempotent
	b.Publish(New(TypeCircuitOpened)) // no-op, must not panic

	ev, ok := <-b.Events()
	if !ok {
		t.Fatal("channel closed before buffered event was drained")
	}
	if ev.Type != TypeCircuitClosed {
		t.Errorf("Type = %q", ev.Type)
	}

	if _, ok := <-b.Events(); ok {
		t.Error("channel still open after Close and drain")
	}
}

func TestEventBuilders(t *testing.T) {
	ev := New(TypeStaleResultServed).
		WithBackend("accelerator").
		WithCollection("patients").
		WithStrategy("cache_first").
		WithDetail("ttl expired")

	if ev.Backend != "accelerator" || ev.Collection != "patients" ||
		ev.Strategy != "cache_first" || ev.Detail != "ttl expired" {
		t.Errorf("builders produced %+v", ev)
	}
}
