package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/voice"
)

// SendEvent is what the workflow engine reports after a user sends a
// reply. The sent text arrives either as FinalText or as the raw RFC
// 822 message.
type SendEvent struct {
	BusinessID string `json:"business_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Category   string `json:"category,omitempty"`

	DraftText   string            `json:"ai_draft,omitempty"`
	DraftFormat correction.Format `json:"draft_format,omitempty"`

	FinalText   string            `json:"final_text,omitempty"`
	FinalFormat correction.Format `json:"final_format,omitempty"`

	RawMessage string `json:"raw_message,omitempty"`
}

// ErrInvalidEvent marks send events that can never be processed.
var ErrInvalidEvent = errors.New("invalid send event")

// Outcome reports what a send event led to.
type Outcome struct {
	Record   *correction.Record `json:"record,omitempty"`
	ZeroEdit bool               `json:"zero_edit,omitempty"`
	Refined  *voice.Profile     `json:"refined_profile,omitempty"`
	Skipped  string             `json:"skipped,omitempty"`
}

// ProfileObserver is notified after a profile is refined.
type ProfileObserver func(ctx context.Context, p voice.Profile)

// Pipeline runs send events through analysis, persistence and
// refinement.
type Pipeline struct {
	analyzer *correction.Analyzer
	store    *Store
	refiner  *Refiner
	logger   *slog.Logger

	mu        sync.RWMutex
	observers []ProfileObserver
}

// NewPipeline wires the learning loop together.
func NewPipeline(analyzer *correction.Analyzer, store *Store, refiner *Refiner, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{analyzer: analyzer, store: store, refiner: refiner, logger: logger}
}

// OnRefined registers an observer for refined profiles.
func (p *Pipeline) OnRefined(fn ProfileObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// HandleSendEvent analyzes a send event and persists the resulting
// correction before checking the refinement threshold, so the new
// record is always counted.
func (p *Pipeline) HandleSendEvent(ctx context.Context, ev SendEvent) (*Outcome, error) {
	if strings.TrimSpace(ev.BusinessID) == "" {
		return nil, fmt.Errorf("%w: no business_id", ErrInvalidEvent)
	}
	logger := p.logger.With("business_id", ev.BusinessID)

	if ev.RawMessage != "" && ev.FinalText == "" {
		if err := fillFromRaw(&ev, logger); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(ev.DraftText) == "" {
		logger.Debug("send event without AI draft, ignoring", "message_id", ev.MessageID)
		return &Outcome{Skipped: "no AI draft"}, nil
	}

	if strings.TrimSpace(ev.FinalText) == "" {
		n, err := p.store.IncrementZeroEdit(ctx, ev.BusinessID)
		if err != nil {
			return nil, err
		}
		logger.Debug("draft sent without recorded final text", "zero_edits", n)
		return &Outcome{ZeroEdit: true}, nil
	}

	rec, ok := p.analyzer.Analyze(ev.DraftText, ev.FinalText, correction.Meta{
		BusinessID:  ev.BusinessID,
		ThreadID:    ev.ThreadID,
		MessageID:   ev.MessageID,
		Category:    ev.Category,
		DraftFormat: ev.DraftFormat,
		FinalFormat: ev.FinalFormat,
	})
	if !ok {
		logger.Debug("send event empty after normalization", "message_id", ev.MessageID)
		return &Outcome{Skipped: "empty after normalization"}, nil
	}

	if err := p.store.SaveCorrection(ctx, rec); err != nil {
		return nil, err
	}
	logger.Info("draft correction recorded",
		"correction_id", rec.ID,
		"type", rec.Type,
		"similarity", fmt.Sprintf("%.3f", rec.Similarity),
		"edit_distance", rec.EditDistance,
	)

	out := &Outcome{Record: rec}
	refined, err := p.refiner.MaybeRefine(ctx, ev.BusinessID)
	if err != nil {
		// The correction is safely stored; the next event retries.
		logger.Error("voice profile refinement failed", "error", err)
		return out, nil
	}
	if refined != nil {
		out.Refined = refined
		p.notify(ctx, *refined)
	}
	return out, nil
}

func (p *Pipeline) notify(ctx context.Context, profile voice.Profile) {
	p.mu.RLock()
	observers := append([]ProfileObserver(nil), p.observers...)
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, profile)
	}
}

// fillFromRaw takes the sent body and message ids from the raw
// message.
func fillFromRaw(ev *SendEvent, logger *slog.Logger) error {
	msg, err := email.Parse(strings.NewReader(ev.RawMessage), logger)
	if err != nil {
		return fmt.Errorf("%w: parse sent message: %v", ErrInvalidEvent, err)
	}
	body, html := msg.Body()
	ev.FinalText = body
	if ev.FinalFormat == "" {
		ev.FinalFormat = correction.FormatText
		if html {
			ev.FinalFormat = correction.FormatHTML
		}
	}
	if ev.MessageID == "" {
		ev.MessageID = msg.MessageID
	}
	if ev.ThreadID == "" {
		ev.ThreadID = msg.ThreadID()
	}
	return nil
}
