package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/mailroom/internal/learning"
)

const sendEventsSuffix = "send_events"

// SendEventSink consumes send events. *learning.Pipeline satisfies it.
type SendEventSink interface {
	HandleSendEvent(ctx context.Context, ev learning.SendEvent) (*learning.Outcome, error)
}

// handleSendEvent decodes one inbound message and passes it to the
// sink. The business in the topic overrides any in the payload.
func (p *Publisher) handleSendEvent(ctx context.Context, topic string, payload []byte) error {
	if p.sink == nil {
		return fmt.Errorf("no send event consumer")
	}
	biz, ok := p.businessFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic")
	}

	var ev learning.SendEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode send event: %w", err)
	}
	if ev.BusinessID != "" && ev.BusinessID != biz {
		p.logger.Warn("send event business mismatch, using topic",
			"topic_business", biz, "payload_business", ev.BusinessID)
	}
	ev.BusinessID = biz

	out, err := p.sink.HandleSendEvent(ctx, ev)
	if err != nil {
		return err
	}
	p.logger.Debug("send event consumed",
		"business_id", biz,
		"message_id", ev.MessageID,
		"zero_edit", out.ZeroEdit,
		"skipped", out.Skipped,
		"refined", out.Refined != nil,
	)
	return nil
}

// messageRateLimiter caps inbound messages per interval with atomic
// counters. Messages over the limit are dropped until the next reset.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// warning if anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("send events dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
