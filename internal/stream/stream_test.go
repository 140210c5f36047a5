package stream

import "testing"

func TestPublishAssignsIncrementingSeq(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()

	bus.Publish("order-1", KindOrderCreated, nil)
	bus.Publish("order-1", KindDepositSent, nil)

	first := <-events
	second := <-events
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("got seqs %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.OrderID != "order-1" || second.Kind != KindDepositSent {
		t.Fatalf("unexpected event contents: %+v, %+v", first, second)
	}
}

func TestSeqCountersAreIndependentPerOrder(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(10)
	defer unsubscribe()

	bus.Publish("order-1", KindOrderCreated, nil)
	bus.Publish("order-2", KindOrderCreated, nil)
	bus.Publish("order-1", KindDepositSent, nil)

	a := <-events
	b := <-events
	c := <-events
	if a.OrderID != "order-1" || a.Seq != 1 {
		t.Fatalf("unexpected first event: %+v", a)
	}
	if b.OrderID != "order-2" || b.Seq != 1 {
		t.Fatalf("unexpected second event: %+v", b)
	}
	if c.OrderID != "order-1" || c.Seq != 2 {
		t.Fatalf("unexpected third event: %+v", c)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(10)
	unsubscribe()

	bus.Publish("order-1", KindOrderCreated, nil)

	if _, ok := <-events; ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}

func TestFullSubscriberChannelDropsRatherThanBlocks(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	// Publish more events than the buffer can hold; Publish must never
	// block even though no one is draining the channel yet.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish("order-1", KindDepositSent, nil)
		}
		close(done)
	}()
	<-done
	<-events // drain the one buffered event so the test doesn't leak a goroutine
}

func TestDedupRejectsReplayedSeq(t *testing.T) {
	d := NewDedup()
	e1 := Event{OrderID: "order-1", Seq: 1}
	e2 := Event{OrderID: "order-1", Seq: 2}

	if !d.ShouldProcess(e1) {
		t.Fatalf("first occurrence of seq 1 should process")
	}
	if !d.ShouldProcess(e2) {
		t.Fatalf("first occurrence of seq 2 should process")
	}
	if d.ShouldProcess(e1) {
		t.Fatalf("replayed seq 1 should not process again")
	}
}

func TestDedupTracksOrdersIndependently(t *testing.T) {
	d := NewDedup()
	if !d.ShouldProcess(Event{OrderID: "a", Seq: 1}) {
		t.Fatalf("order a seq 1 should process")
	}
	if !d.ShouldProcess(Event{OrderID: "b", Seq: 1}) {
		t.Fatalf("order b seq 1 should process independently of order a")
	}
}
