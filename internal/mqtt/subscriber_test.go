package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/learning"
)

type recordingSink struct {
	got []learning.SendEvent
	err error
}

func (s *recordingSink) HandleSendEvent(_ context.Context, ev learning.SendEvent) (*learning.Outcome, error) {
	s.got = append(s.got, ev)
	if s.err != nil {
		return nil, s.err
	}
	return &learning.Outcome{ZeroEdit: ev.FinalText == ""}, nil
}

func TestHandleSendEvent(t *testing.T) {
	p := New(testConfig(), "", events.New(), nil)
	sink := &recordingSink{}
	p.SetSendEventSink(sink)

	payload := `{"business_id": "someone-else", "thread_id": "t1", "message_id": "m1", "ai_draft": "Hi there", "final_text": "Hello there"}`
	if err := p.handleSendEvent(context.Background(), "mailroom/acme/send_events", []byte(payload)); err != nil {
		t.Fatal(err)
	}
	if len(sink.got) != 1 {
		t.Fatalf("sink received %d events", len(sink.got))
	}
	ev := sink.got[0]
	if ev.BusinessID != "acme" {
		t.Errorf("BusinessID = %q, topic should win", ev.BusinessID)
	}
	if ev.DraftText != "Hi there" || ev.FinalText != "Hello there" || ev.MessageID != "m1" {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestHandleSendEvent_Rejects(t *testing.T) {
	ctx := context.Background()

	p := New(testConfig(), "", events.New(), nil)
	if err := p.handleSendEvent(ctx, "mailroom/acme/send_events", []byte(`{}`)); err == nil {
		t.Error("no sink attached should be an error")
	}

	sink := &recordingSink{}
	p.SetSendEventSink(sink)
	if err := p.handleSendEvent(ctx, "mailroom/acme/other", []byte(`{}`)); err == nil {
		t.Error("foreign topic accepted")
	}
	if err := p.handleSendEvent(ctx, "mailroom/acme/send_events", []byte(`not json`)); err == nil {
		t.Error("bad payload accepted")
	}
	if len(sink.got) != 0 {
		t.Errorf("sink called %d times for rejected messages", len(sink.got))
	}

	sink.err = errors.New("store down")
	if err := p.handleSendEvent(ctx, "mailroom/acme/send_events", []byte(`{"ai_draft": "x"}`)); err == nil {
		t.Error("sink error not surfaced")
	}
}

func TestOnMessage_RateLimited(t *testing.T) {
	p := New(testConfig(), "", events.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	sink := &recordingSink{}
	p.SetSendEventSink(sink)

	for range 8 {
		p.onMessage(context.Background(), "mailroom/acme/send_events", []byte(`{"ai_draft": "x", "final_text": "y"}`))
	}
	if len(sink.got) != 5 {
		t.Errorf("sink received %d events, want 5", len(sink.got))
	}
	if dropped := p.limiter.dropped.Load(); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
