package pipeline

import (
	"html"
	"regexp"
	"strings"

	"concallbot/internal/feed"
)

const maxCaptionDescription = 700

var reTagUnsafe = regexp.MustCompile(`[^\p{L}\p{N}_]`)

// Caption is the HTML caption under the result image.
func Caption(c feed.Candidate) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(c.Name()))
	b.WriteString("</b>")
	if desc := strings.TrimSpace(c.Description); desc != "" {
		r := []rune(desc)
		if len(r) > maxCaptionDescription {
			desc = strings.TrimSpace(string(r[:maxCaptionDescription])) + "..."
		}
		b.WriteString("\n")
		b.WriteString(html.EscapeString(desc))
	}
	if tag := reTagUnsafe.ReplaceAllString(c.Symbol, ""); tag != "" {
		b.WriteString("\n#")
		b.WriteString(tag)
	}
	return b.String()
}

// FallbackText replaces the document when it could not be delivered.
func FallbackText(c feed.Candidate) string {
	u := html.EscapeString(c.DocumentURL)
	return "<b>" + html.EscapeString(c.Name()) + "</b>\n" +
		"Result document: <a href=\"" + u + "\">" + u + "</a>"
}
