// Package correction compares AI-drafted replies with what the user
// actually sent and turns each pair into a correction record: an edit
// distance, a similarity score, a coarse correction type and signed
// stylistic deltas. It never touches the voice profile; aggregation is
// the learning package's job.
package correction

import (
	"time"

	"github.com/google/uuid"
)

// Type buckets a correction by how much the user changed the draft.
type Type string

// Correction types, from least to most edited.
const (
	TypeMinor    Type = "minor"
	TypeModerate Type = "moderate"
	TypeMajor    Type = "major"
	TypeRewrite  Type = "rewrite"
)

// Status is a record's position in the learning loop.
type Status string

// Learning statuses.
const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
)

// Thresholds are the similarity cut-offs between correction types.
// They are product-tuned, not derived.
type Thresholds struct {
	Minor    float64 `yaml:"minor"`
	Moderate float64 `yaml:"moderate"`
	Major    float64 `yaml:"major"`
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Minor: 0.9, Moderate: 0.7, Major: 0.4}
}

// epsilon absorbs float error at the inclusive moderate boundary.
const epsilon = 1e-9

// Classify buckets a similarity score: above Minor is minor, Moderate
// through Minor (inclusive) is moderate, above Major is major, anything
// else is a rewrite.
func (t Thresholds) Classify(similarity float64) Type {
	switch {
	case similarity > t.Minor:
		return TypeMinor
	case similarity >= t.Moderate-epsilon:
		return TypeModerate
	case similarity > t.Major:
		return TypeMajor
	default:
		return TypeRewrite
	}
}

// Meta carries the send event context a record is filed under.
type Meta struct {
	BusinessID string
	ThreadID   string
	MessageID  string
	Category   string

	DraftFormat Format
	FinalFormat Format
}

// Record is one draft correction.
type Record struct {
	ID         string
	BusinessID string
	ThreadID   string
	MessageID  string
	Category   string

	DraftText string
	FinalText string

	EditDistance int
	Similarity   float64
	Type         Type
	Signals      Signals

	CreatedAt time.Time
	Status    Status
}

// Analyzer turns (draft, final) pairs into records.
type Analyzer struct {
	thresholds Thresholds
	now        func() time.Time
}

// NewAnalyzer creates an analyzer. Zero thresholds get the defaults.
func NewAnalyzer(t Thresholds) *Analyzer {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	return &Analyzer{thresholds: t, now: time.Now}
}

// Thresholds returns the analyzer's cut-offs.
func (a *Analyzer) Thresholds() Thresholds {
	return a.thresholds
}

// Analyze compares a draft with the text the user sent. Quoted reply
// history is stripped from the final text and both sides are compared
// in normalized form. It returns false when either side is empty after
// normalization: without a sent body there is nothing to learn from,
// and without a draft there was nothing to correct.
func (a *Analyzer) Analyze(draft, final string, meta Meta) (*Record, bool) {
	if meta.DraftFormat == "" {
		meta.DraftFormat = DetectFormat(draft)
	}
	if meta.FinalFormat == "" {
		meta.FinalFormat = DetectFormat(final)
	}

	draftText := VisibleText(draft, meta.DraftFormat)
	finalText := StripQuoted(VisibleText(final, meta.FinalFormat))

	draftNorm := Normalize(draftText, FormatText)
	finalNorm := Normalize(finalText, FormatText)
	if draftNorm == "" || finalNorm == "" {
		return nil, false
	}

	dist, sim := Similarity(draftNorm, finalNorm)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Record{
		ID:           id.String(),
		BusinessID:   meta.BusinessID,
		ThreadID:     meta.ThreadID,
		MessageID:    meta.MessageID,
		Category:     meta.Category,
		DraftText:    draftText,
		FinalText:    finalText,
		EditDistance: dist,
		Similarity:   sim,
		Type:         a.thresholds.Classify(sim),
		Signals:      Diff(Extract(draftText), Extract(finalText)),
		CreatedAt:    a.now().UTC(),
		Status:       StatusPending,
	}, true
}
