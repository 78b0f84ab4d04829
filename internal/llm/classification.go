package llm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/mailroom/internal/backoff"
	"github.com/nugget/mailroom/internal/httpkit"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/taxonomy"
)

// Entities are the structured details the model pulls from an email.
type Entities struct {
	Names   []string `json:"names,omitempty"`
	Emails  []string `json:"emails,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	Amounts []string `json:"amounts,omitempty"`
	Dates   []string `json:"dates,omitempty"`
}

// Classification is the model's answer for one email.
type Classification struct {
	PrimaryCategory   string   `json:"primary_category"`
	SecondaryCategory *string  `json:"secondary_category"`
	TertiaryCategory  *string  `json:"tertiary_category"`
	Confidence        float64  `json:"confidence"`
	AICanReply        bool     `json:"ai_can_reply"`
	Summary           string   `json:"summary"`
	Reasoning         string   `json:"reasoning"`
	Entities          Entities `json:"entities"`

	// Overridden is set when Enforce rewrote an out-of-scope answer.
	Overridden bool `json:"overridden,omitempty"`

	// Usage is filled by Classifier; parsed replies leave it nil.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is the model and token cost of one classification.
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Path returns the "/"-joined category path of the classification.
func (c *Classification) Path() string {
	parts := []string{c.PrimaryCategory}
	if c.SecondaryCategory != nil {
		parts = append(parts, *c.SecondaryCategory)
		if c.TertiaryCategory != nil {
			parts = append(parts, *c.TertiaryCategory)
		}
	}
	return taxonomy.JoinPath(parts...)
}

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model reply")

// ParseClassification decodes a model reply. Markdown code fences and
// prose around the object are tolerated.
func ParseClassification(text string) (*Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}

	var c Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	c.PrimaryCategory = strings.ToUpper(strings.TrimSpace(c.PrimaryCategory))
	if c.PrimaryCategory == "" {
		return nil, fmt.Errorf("decode classification: missing primary_category")
	}
	c.SecondaryCategory = nullable(c.SecondaryCategory)
	c.TertiaryCategory = nullable(c.TertiaryCategory)
	if c.SecondaryCategory == nil {
		c.TertiaryCategory = nil
	}
	c.Confidence = min(max(c.Confidence, 0), 1)
	return &c, nil
}

// nullable folds the string spellings of null into nil.
func nullable(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	switch strings.ToLower(v) {
	case "", "null", "none", "n/a":
		return nil
	}
	return &v
}

// Enforce applies the artifact's allow-list. In department mode any
// primary outside the allowed set becomes OUT_OF_SCOPE, and an
// out-of-scope answer never carries sub-categories or a reply offer.
// Hub-mode artifacts accept every known primary.
func (c *Classification) Enforce(a *prompts.Artifact) {
	if c.PrimaryCategory == taxonomy.OutOfScope {
		c.clearForOutOfScope()
		return
	}
	if a.Allows(c.PrimaryCategory) {
		return
	}
	if c.Reasoning != "" {
		c.Reasoning = fmt.Sprintf("Model chose %s, which is outside this deployment's scope. %s", c.Path(), c.Reasoning)
	}
	c.PrimaryCategory = taxonomy.OutOfScope
	c.Overridden = true
	c.clearForOutOfScope()
}

func (c *Classification) clearForOutOfScope() {
	c.SecondaryCategory = nil
	c.TertiaryCategory = nil
	c.AICanReply = false
}

// Classifier runs compiled prompts against a Completer.
type Classifier struct {
	completer Completer
	model     string
	retry     backoff.Config
	logger    *slog.Logger
}

// NewClassifier creates a classifier using model on completer.
func NewClassifier(completer Completer, model string, retry backoff.Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{completer: completer, model: model, retry: retry, logger: logger}
}

// Classify sends one email through the artifact's prompt and returns
// the enforced classification. Transient service failures are retried.
func (c *Classifier) Classify(ctx context.Context, a *prompts.Artifact, emailPrompt string) (*Classification, error) {
	logger := c.logger.With("business_id", a.BusinessID, "prompt_version", a.Version)

	var completion *Completion
	err := backoff.Do(ctx, c.retry, logger, "classify", httpkit.IsTransientError, func(ctx context.Context) error {
		var err error
		completion, err = c.completer.Complete(ctx, c.model, a.Text, emailPrompt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("classify for %s: %w", a.BusinessID, err)
	}

	cls, err := ParseClassification(completion.Text)
	if err != nil {
		logger.Warn("unparseable classification", "error", err, "reply", completion.Text)
		return nil, err
	}
	cls.Enforce(a)
	cls.Usage = &Usage{
		Model:        cmp.Or(completion.Model, c.model),
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}
	logger.Info("email classified",
		"category", cls.Path(),
		"confidence", cls.Confidence,
		"overridden", cls.Overridden,
	)
	return cls, nil
}
