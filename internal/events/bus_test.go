package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceReconcile, Kind: KindReconciled})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Source:     SourceLearning,
		Kind:       KindProfileRefined,
		BusinessID: "acme",
		Payload:    map[string]any{"iteration": 3},
		Retain:     true,
	})

	select {
	case got := <-ch:
		if got.BusinessID != "acme" || got.Kind != KindProfileRefined || !got.Retain {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 4
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(1)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourcePrompts, Kind: KindPromptCompiled, BusinessID: "acme"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindPromptCompiled {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	for range 3 {
		b.Publish(Event{Kind: KindCorrectionRecorded})
	}
	if got := b.Dropped(ch); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, open := <-ch1; open {
		t.Error("unsubscribed channel still open")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindDataErased})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range 8 {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range 100 {
				b.Publish(Event{
					Source:  SourceReconcile,
					Kind:    KindReconciled,
					Payload: map[string]int{"publisher": i, "seq": j},
				})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
