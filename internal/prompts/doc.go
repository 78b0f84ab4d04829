// Package prompts builds the text Mailroom sends to the AI completion
// service.
//
// The classifier prompt is compiled from a resolved business
// configuration and, when one is confident enough, its voice profile.
// The result is an [Artifact] whose version changes whenever the text
// does. Smaller per-message templates (the user turn of a
// classification) live alongside it, one file per prompt.
package prompts
