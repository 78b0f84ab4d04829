// Package llm talks to the AI completion service that runs compiled
// classifier prompts. Mailroom never implements a model; it sends the
// artifact text as the system message and the email as the user turn,
// then parses and polices the JSON that comes back.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Completion is a provider-neutral completion result.
type Completion struct {
	Model      string
	Text       string
	StopReason string

	InputTokens  int
	OutputTokens int
}

// Completer runs a single system + user completion.
type Completer interface {
	Complete(ctx context.Context, model, system, user string) (*Completion, error)
}
