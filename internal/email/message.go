// Package email parses raw RFC 822 messages: the sent mail the
// workflow engine reports back and the .eml files fed to the classify
// command. Only headers and the first text/plain and text/html bodies
// are extracted; attachments are skipped.
package email

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize is the maximum body size kept per part. Larger bodies
// are truncated with a note.
const maxBodySize = 32 * 1024

// Message is a parsed email.
type Message struct {
	// MessageID is the Message-ID header value (without angle brackets).
	MessageID string

	// InReplyTo contains Message-IDs this message is a reply to.
	InReplyTo []string

	// References contains the full References chain for threading.
	References []string

	From    string
	To      []string
	Subject string
	Date    time.Time

	TextBody string
	HTMLBody string
}

// ThreadID returns the root of the message's thread: the first
// References entry, else the first In-Reply-To, else its own ID.
func (m *Message) ThreadID() string {
	switch {
	case len(m.References) > 0:
		return m.References[0]
	case len(m.InReplyTo) > 0:
		return m.InReplyTo[0]
	}
	return m.MessageID
}

// Body returns the preferred body and whether it is HTML. The plain
// text part wins when both exist.
func (m *Message) Body() (string, bool) {
	if m.TextBody != "" {
		return m.TextBody, false
	}
	return m.HTMLBody, m.HTMLBody != ""
}

// Parse reads a raw message.
//
// The go-message library's mail.CreateReader and NextPart may return
// both a valid reader/part AND an error when the message uses an
// unknown charset. Those are treated as non-fatal; the content may be
// slightly garbled but is still useful.
func Parse(r io.Reader, logger *slog.Logger) (*Message, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("create mail reader returned nil: %w", err)
	}
	if err != nil {
		logger.Debug("mail reader created with charset warning", "error", err)
	}
	defer mr.Close()

	msg := &Message{}
	parseHeader(msg, mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			logger.Debug("part has charset warning", "error", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = readBody(part.Body, logger)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = readBody(part.Body, logger)
		}
	}
	return msg, nil
}

func parseHeader(msg *Message, h mail.Header) {
	msg.MessageID, _ = h.MessageID()
	msg.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	msg.References, _ = h.MsgIDList("References")
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
}

func readBody(r io.Reader, logger *slog.Logger) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading body part", "error", err)
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated: message exceeds 32KB]"
	}
	return strings.TrimSpace(text)
}
