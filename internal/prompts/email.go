package prompts

import (
	"fmt"
	"unicode/utf8"
)

// maxEmailBodyRunes bounds the body sent for classification. Long
// threads are mostly quoted history and signatures.
const maxEmailBodyRunes = 8000

// classifyEmailTemplate is the user turn paired with a compiled
// classifier artifact. Format verbs: from, to, subject, date, body.
const classifyEmailTemplate = `Classify this email.

From: %s
To: %s
Subject: %s
Date: %s

%s`

// ClassifyEmailPrompt returns the user message for one inbound email.
// The body is truncated to a fixed number of characters.
func ClassifyEmailPrompt(from, to, subject, date, body string) string {
	if utf8.RuneCountInString(body) > maxEmailBodyRunes {
		body = string([]rune(body)[:maxEmailBodyRunes]) + "\n[truncated]"
	}
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf(classifyEmailTemplate, from, to, subject, date, body)
}
