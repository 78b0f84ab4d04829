// Package voice models a business's writing voice: running averages of
// the stylistic corrections users make to AI drafts, plus an onboarding
// baseline. The math here is pure; persistence and locking live in the
// learning package.
package voice

import (
	"fmt"
	"math"
	"time"

	"github.com/nugget/mailroom/internal/correction"
)

// MaxConfidence is the ceiling [Confidence] approaches but never
// reaches.
const MaxConfidence = 0.99

// Tone signals: how energetic and pressing replies should be.
type Tone struct {
	Exclamation float64 `json:"exclamation"`
	Urgency     float64 `json:"urgency"`
}

// Formality signals.
type Formality struct {
	Greeting   float64 `json:"greeting"`
	Closing    float64 `json:"closing"`
	Politeness float64 `json:"politeness"`
}

// Empathy signals.
type Empathy struct {
	Apology float64 `json:"apology"`
}

// Structure signals: sentence and message length.
type Structure struct {
	SentenceLength float64 `json:"sentence_length"`
	LengthRatio    float64 `json:"length_ratio"`
}

// BaselineStats are absolute style measurements of a business's own
// writing, taken at onboarding.
type BaselineStats struct {
	Samples            int     `json:"samples"`
	AvgWords           float64 `json:"avg_words"`
	AvgSentenceWords   float64 `json:"avg_sentence_words"`
	GreetingFormality  float64 `json:"greeting_formality"`
	ClosingFormality   float64 `json:"closing_formality"`
	ApologyRate        float64 `json:"apology_rate"`
	ExclamationsPerMsg float64 `json:"exclamations_per_message"`
}

// Profile is the voice of one business. Signal fields are running
// averages of correction deltas over SampleCount corrections.
type Profile struct {
	BusinessID string `json:"business_id"`

	Tone      Tone      `json:"tone"`
	Formality Formality `json:"formality"`
	Empathy   Empathy   `json:"empathy"`
	Structure Structure `json:"structure"`

	Baseline *BaselineStats `json:"baseline,omitempty"`

	Confidence     float64   `json:"confidence"`
	IterationCount int       `json:"iteration_count"`
	SampleCount    int       `json:"sample_count"`
	LastRefinedAt  time.Time `json:"last_refined_at,omitzero"`
}

// New returns an empty profile for a business.
func New(businessID string) *Profile {
	return &Profile{BusinessID: businessID}
}

// Confidence maps refinement history onto [0, MaxConfidence). It is
// zero with no history, strictly increasing in both arguments and
// flattens out as data accumulates.
func Confidence(iterations, samples int) float64 {
	if iterations < 0 {
		iterations = 0
	}
	if samples < 0 {
		samples = 0
	}
	x := 0.2*float64(iterations) + 0.025*float64(samples)
	return MaxConfidence * (1 - math.Exp(-x))
}

// Aggregate folds a batch of corrections into p and returns the refined
// profile. Each signal becomes the running average over all samples
// seen so far; the iteration count advances by one. p is not modified.
func Aggregate(p Profile, batch []correction.Signals, now time.Time) Profile {
	if len(batch) == 0 {
		return p
	}
	var sum correction.Signals
	for _, s := range batch {
		sum.Apology += s.Apology
		sum.GreetingFormality += s.GreetingFormality
		sum.ClosingFormality += s.ClosingFormality
		sum.SentenceLength += s.SentenceLength
		sum.Politeness += s.Politeness
		sum.Urgency += s.Urgency
		sum.Exclamation += s.Exclamation
		sum.LengthRatio += s.LengthRatio
	}

	n, k := float64(p.SampleCount), float64(len(batch))
	avg := func(old, add float64) float64 {
		return (old*n + add) / (n + k)
	}

	out := p
	out.Tone = Tone{
		Exclamation: avg(p.Tone.Exclamation, sum.Exclamation),
		Urgency:     avg(p.Tone.Urgency, sum.Urgency),
	}
	out.Formality = Formality{
		Greeting:   avg(p.Formality.Greeting, sum.GreetingFormality),
		Closing:    avg(p.Formality.Closing, sum.ClosingFormality),
		Politeness: avg(p.Formality.Politeness, sum.Politeness),
	}
	out.Empathy = Empathy{Apology: avg(p.Empathy.Apology, sum.Apology)}
	out.Structure = Structure{
		SentenceLength: avg(p.Structure.SentenceLength, sum.SentenceLength),
		LengthRatio:    avg(p.Structure.LengthRatio, sum.LengthRatio),
	}
	out.SampleCount = p.SampleCount + len(batch)
	out.IterationCount = p.IterationCount + 1
	out.Confidence = out.recomputeConfidence(p.Confidence)
	out.LastRefinedAt = now.UTC()
	return out
}

// Baseline measures onboarding writing samples. Empty samples are
// ignored; nil is returned when none remain.
func Baseline(samples []string) *BaselineStats {
	var b BaselineStats
	for _, s := range samples {
		f := correction.Extract(correction.VisibleText(s, correction.DetectFormat(s)))
		if f.Words == 0 {
			continue
		}
		b.Samples++
		b.AvgWords += float64(f.Words)
		b.AvgSentenceWords += f.AvgSentenceWords
		b.GreetingFormality += f.GreetingFormality
		b.ClosingFormality += f.ClosingFormality
		if f.Apology {
			b.ApologyRate++
		}
		b.ExclamationsPerMsg += float64(f.Exclamations)
	}
	if b.Samples == 0 {
		return nil
	}
	n := float64(b.Samples)
	b.AvgWords /= n
	b.AvgSentenceWords /= n
	b.GreetingFormality /= n
	b.ClosingFormality /= n
	b.ApologyRate /= n
	b.ExclamationsPerMsg /= n
	return &b
}

// WithBaseline returns p seeded from onboarding samples. The samples
// count toward confidence but not toward the correction averages.
func (p Profile) WithBaseline(b *BaselineStats) Profile {
	prev := p.Confidence
	p.Baseline = b
	p.Confidence = p.recomputeConfidence(prev)
	return p
}

// recomputeConfidence derives confidence from the refinement history
// plus any baseline samples. Confidence never drops below prev.
func (p Profile) recomputeConfidence(prev float64) float64 {
	samples := p.SampleCount
	if p.Baseline != nil {
		samples += p.Baseline.Samples
	}
	return max(prev, Confidence(p.IterationCount, samples))
}

// signalFloor is the smallest averaged delta worth turning into
// guidance.
const signalFloor = 0.15

// Guidance renders the profile as ordered, human-readable style
// instructions: tone, formality, empathy, structure, then baseline
// observations. Signals too weak to act on produce no line.
func (p Profile) Guidance() []string {
	var lines []string
	add := func(v float64, up, down string) {
		switch {
		case v >= signalFloor:
			lines = append(lines, up)
		case v <= -signalFloor:
			lines = append(lines, down)
		}
	}

	add(p.Tone.Exclamation,
		"Use an upbeat, energetic tone; occasional exclamation marks are welcome.",
		"Keep the tone calm and measured; avoid exclamation marks.")
	add(p.Tone.Urgency,
		"Convey promptness: state concrete next steps and timing.",
		"Avoid urgent or pressuring language.")
	add(p.Formality.Greeting,
		"Open with a formal greeting (for example \"Dear <name>,\" or \"Good morning <name>,\").",
		"Open with a casual greeting (for example \"Hi <name>,\").")
	add(p.Formality.Closing,
		"Close formally (for example \"Kind regards,\").",
		"Close casually (for example \"Thanks!\" or \"Cheers,\").")
	add(p.Formality.Politeness,
		"Include courtesy phrases such as \"please\" and \"thank you\".",
		"Keep courtesy phrases to a minimum; be direct.")
	add(p.Empathy.Apology,
		"Acknowledge inconvenience and apologize when the customer reports a problem.",
		"Do not apologize unless the business is clearly at fault.")
	add(p.Structure.SentenceLength,
		"Use fuller sentences with more detail.",
		"Use short, simple sentences.")
	add(p.Structure.LengthRatio,
		"Write longer, more complete replies.",
		"Keep replies brief and to the point.")

	if b := p.Baseline; b != nil {
		lines = append(lines, fmt.Sprintf("The business's own emails average about %.0f words with %.0f words per sentence.",
			b.AvgWords, b.AvgSentenceWords))
	}
	return lines
}
