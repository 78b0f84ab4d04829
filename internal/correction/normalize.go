package correction

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// Format is the markup a draft or sent body is written in.
type Format string

// Body formats.
const (
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

var htmlMarker = regexp.MustCompile(`(?i)<(html|body|p|div|br|span|table|blockquote)[\s/>]`)

// DetectFormat guesses whether s is HTML. Markdown is never guessed;
// callers that know a draft is markdown say so.
func DetectFormat(s string) Format {
	if htmlMarker.MatchString(s) {
		return FormatHTML
	}
	return FormatText
}

// VisibleText converts a body to plain text with line structure
// preserved. Markdown is rendered to HTML first so both markups take
// the same path.
func VisibleText(s string, f Format) string {
	switch f {
	case FormatMarkdown:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(s), &buf); err != nil {
			return cleanLines(norm.NFKC.String(s))
		}
		return htmlText(buf.String())
	case FormatHTML:
		return htmlText(s)
	default:
		return cleanLines(norm.NFKC.String(strings.ReplaceAll(s, "\r\n", "\n")))
	}
}

// Normalize returns the comparison form of a body: visible text,
// NFKC-folded, with every whitespace run collapsed to one space.
func Normalize(s string, f Format) string {
	return strings.Join(strings.Fields(VisibleText(s, f)), " ")
}

// skipElements hold no visible reply text.
var skipElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Head:   true,
	atom.Title:  true,
}

// quoteContainers are the class/id markers mail clients put on the
// element wrapping quoted history.
var quoteContainers = []string{"gmail_quote", "gmail_extra", "divRplyFwdMsg", "appendonsend", "moz-cite-prefix", "yahoo_quoted"}

func htmlText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return cleanLines(norm.NFKC.String(raw))
	}
	var b strings.Builder
	walkText(doc, &b)
	return cleanLines(norm.NFKC.String(b.String()))
}

func walkText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] || isQuoteContainer(n) {
			return
		}
		if isBlock(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		w.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, w)
	}
	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || isBlock(n.DataAtom)) {
		w.WriteString("\n")
	}
}

func isQuoteContainer(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "class", "id":
			for _, marker := range quoteContainers {
				if strings.Contains(a.Val, marker) {
					return true
				}
			}
		case "type":
			if n.DataAtom == atom.Blockquote && a.Val == "cite" {
				return true
			}
		}
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Li,
		atom.Table, atom.Tr, atom.Hr:
		return true
	}
	return false
}

// cleanLines collapses horizontal whitespace within lines and drops
// blank lines.
func cleanLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var (
	onWroteLine   = regexp.MustCompile(`(?i)^on\b.{4,}\bwrote:\s*$`)
	originalLine  = regexp.MustCompile(`(?i)^-{2,}\s*(original message|forwarded message)\s*-{2,}$`)
	fromLine      = regexp.MustCompile(`(?i)^from:\s+\S`)
	headerFollows = regexp.MustCompile(`(?i)^(sent|date|to|subject):\s`)
)

// StripQuoted removes quoted reply history from plain text: ">"-prefixed
// lines and everything from an attribution line ("On ... wrote:", an
// "Original Message" separator, or an Outlook From:/Sent: header block)
// onward.
func StripQuoted(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if onWroteLine.MatchString(trimmed) || originalLine.MatchString(trimmed) {
			break
		}
		// Gmail wraps long attributions before "wrote:".
		if i+1 < len(lines) && strings.HasPrefix(strings.ToLower(trimmed), "on ") &&
			strings.EqualFold(strings.TrimSpace(lines[i+1]), "wrote:") {
			break
		}
		if fromLine.MatchString(trimmed) && i+1 < len(lines) && headerFollows.MatchString(strings.TrimSpace(lines[i+1])) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
