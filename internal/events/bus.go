// Package events is an in-process broadcast bus for mailroom activity.
// Components publish what they did (a reconciliation finished, a voice
// profile was refined) and outbound bridges such as the MQTT publisher
// subscribe. Publish on a nil *Bus is a no-op so callers never need a
// guard.
package events

import (
	"sync"
	"time"
)

// Sources identify the component that published an event.
const (
	SourceReconcile = "reconcile"
	SourceLearning  = "learning"
	SourcePrompts   = "prompts"
)

// Kinds describe what happened.
const (
	// KindReconciled carries a *reconcile.Result as Payload.
	KindReconciled = "reconciled"
	// KindProfileRefined carries the refined voice.Profile.
	KindProfileRefined = "voice_profile"
	// KindCorrectionRecorded carries the stored *correction.Record.
	KindCorrectionRecorded = "correction"
	// KindPromptCompiled carries the *prompts.Artifact.
	KindPromptCompiled = "prompt"
	// KindDataErased has no payload.
	KindDataErased = "erased"
)

// Event is one thing that happened for one business.
type Event struct {
	Timestamp  time.Time `json:"ts"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	BusinessID string    `json:"business_id"`

	// Payload is JSON-encodable and specific to Kind.
	Payload any `json:"payload,omitempty"`

	// Retain marks state snapshots (latest result, current profile)
	// as opposed to a stream of occurrences.
	Retain bool `json:"-"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events rather than
// stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only view handed to callers back to
	// the channel held in subs, so Unsubscribe can close it.
	recvToSend map[<-chan Event]chan Event
	dropped    map[chan Event]int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		dropped:    make(map[chan Event]int),
	}
}

// Publish delivers e to every subscriber that has room. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped[ch]++
		}
	}
}

// Subscribe returns a channel of published events. Call Unsubscribe
// when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	delete(b.dropped, sendCh)
	close(sendCh)
}

// Dropped reports how many events ch missed because its buffer was
// full.
func (b *Bus) Dropped(ch <-chan Event) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[b.recvToSend[ch]]
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
