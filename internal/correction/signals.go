package correction

import (
	"regexp"
	"strings"
)

// SignalsVersion identifies the meaning of the fields in [Signals].
// Stored signals with a different version are not aggregated.
const SignalsVersion = 1

// Signals are the stylistic deltas from an AI draft to what the user
// sent. Every field is signed (positive means the user added more of
// it) and clamped to [-1, 1], so a batch aggregates by averaging.
type Signals struct {
	Apology           float64 `json:"apology"`
	GreetingFormality float64 `json:"greeting_formality"`
	ClosingFormality  float64 `json:"closing_formality"`
	SentenceLength    float64 `json:"sentence_length"`
	Politeness        float64 `json:"politeness"`
	Urgency           float64 `json:"urgency"`
	Exclamation       float64 `json:"exclamation"`
	LengthRatio       float64 `json:"length_ratio"`
}

// Features are absolute style measurements of one text.
type Features struct {
	Words     int
	Sentences int

	// AvgSentenceWords is Words/Sentences, 0 for empty text.
	AvgSentenceWords float64

	Apology bool

	// GreetingFormality and ClosingFormality are 1 for formal, 0.5
	// for neutral or absent, 0 for casual.
	GreetingFormality float64
	ClosingFormality  float64

	PolitenessMarkers int
	UrgencyMarkers    int
	Exclamations      int
}

var (
	apologyPattern = regexp.MustCompile(`(?i)\b(sorry|apolog(y|ies|ise|ize|ised|ized)|regret|pardon|my mistake|our mistake)\b`)
	politePattern  = regexp.MustCompile(`(?i)\b(please|thank you|thanks|appreciate|kindly|would you mind|could you|grateful)\b`)
	urgentPattern  = regexp.MustCompile(`(?i)\b(asap|urgent(ly)?|immediately|right away|as soon as possible|today|priority|time[- ]sensitive)\b`)
	sentenceEnd    = regexp.MustCompile(`[.!?]+(\s|$)`)

	formalGreeting  = regexp.MustCompile(`(?i)^(dear|good (morning|afternoon|evening)|greetings)\b`)
	neutralGreeting = regexp.MustCompile(`(?i)^hello\b`)
	casualGreeting  = regexp.MustCompile(`(?i)^(hi|hey|hiya|yo|morning)\b`)

	formalClosing  = regexp.MustCompile(`(?i)^(sincerely|(kind |best |warm )?regards|respectfully|yours (truly|faithfully|sincerely)|with appreciation)\b`)
	neutralClosing = regexp.MustCompile(`(?i)^(thank you|thanks again|best( wishes)?|all the best)\b`)
	casualClosing  = regexp.MustCompile(`(?i)^(cheers|thanks!?|thx|talk soon|ttyl|later|take care)\b`)
)

// closingWindow is how many trailing lines are searched for a sign-off.
const closingWindow = 4

// Extract measures the style of a plain-text body.
func Extract(text string) Features {
	text = strings.TrimSpace(text)
	if text == "" {
		return Features{GreetingFormality: 0.5, ClosingFormality: 0.5}
	}

	f := Features{
		Words:             len(strings.Fields(text)),
		Apology:           apologyPattern.MatchString(text),
		PolitenessMarkers: len(politePattern.FindAllStringIndex(text, -1)),
		UrgencyMarkers:    len(urgentPattern.FindAllStringIndex(text, -1)),
		Exclamations:      strings.Count(text, "!"),
	}
	f.Sentences = len(sentenceEnd.FindAllStringIndex(text, -1))
	if f.Sentences == 0 {
		f.Sentences = 1
	}
	f.AvgSentenceWords = float64(f.Words) / float64(f.Sentences)

	lines := strings.Split(text, "\n")
	f.GreetingFormality = formality(strings.TrimSpace(lines[0]), formalGreeting, neutralGreeting, casualGreeting)

	f.ClosingFormality = 0.5
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-closingWindow; i-- {
		line := strings.TrimSpace(lines[i])
		if formalClosing.MatchString(line) || neutralClosing.MatchString(line) || casualClosing.MatchString(line) {
			f.ClosingFormality = formality(line, formalClosing, neutralClosing, casualClosing)
			break
		}
	}
	return f
}

func formality(line string, formal, neutral, casual *regexp.Regexp) float64 {
	switch {
	case formal.MatchString(line):
		return 1
	case neutral.MatchString(line):
		return 0.5
	case casual.MatchString(line):
		return 0
	}
	return 0.5
}

// Diff returns the signed, clamped deltas from draft to final.
func Diff(draft, final Features) Signals {
	s := Signals{
		Apology:           boolDelta(draft.Apology, final.Apology),
		GreetingFormality: clamp(final.GreetingFormality - draft.GreetingFormality),
		ClosingFormality:  clamp(final.ClosingFormality - draft.ClosingFormality),
		SentenceLength:    relative(draft.AvgSentenceWords, final.AvgSentenceWords),
		Politeness:        clamp(rate(final.PolitenessMarkers, final.Sentences) - rate(draft.PolitenessMarkers, draft.Sentences)),
		Urgency:           clamp(rate(final.UrgencyMarkers, final.Sentences) - rate(draft.UrgencyMarkers, draft.Sentences)),
		Exclamation:       clamp(rate(final.Exclamations, final.Sentences) - rate(draft.Exclamations, draft.Sentences)),
		LengthRatio:       relative(float64(draft.Words), float64(final.Words)),
	}
	return s
}

func boolDelta(from, to bool) float64 {
	switch {
	case !from && to:
		return 1
	case from && !to:
		return -1
	}
	return 0
}

// relative is (to-from)/from clamped; growth from nothing counts as 1.
func relative(from, to float64) float64 {
	if from == 0 {
		if to == 0 {
			return 0
		}
		return 1
	}
	return clamp((to - from) / from)
}

func rate(n, per int) float64 {
	if per == 0 {
		return 0
	}
	return float64(n) / float64(per)
}

func clamp(v float64) float64 {
	return max(-1, min(1, v))
}
