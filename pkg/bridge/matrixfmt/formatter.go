// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts between Matrix HTML message content and the
// bridge's span-annotated plain text.
package matrixfmt

import (
	"html"
	"regexp"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/telebridge/pkg/bridge"
)

var (
	mxReplyRe    = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	hrefRe       = regexp.MustCompile(`href="([^"]*)"`)
	matrixToRe   = regexp.MustCompile(`^https?://matrix\.to/#/(@[^?]+)`)
)

// Parse converts Matrix message content to plain text plus spans. Plain-text
// messages pass through untouched; HTML bodies are tokenized with rune-exact
// span offsets.
func Parse(content *event.MessageEventContent) (string, []bridge.Span) {
	if content == nil {
		return "", nil
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body, nil
	}

	text := mxReplyRe.ReplaceAllString(content.FormattedBody, "")

	// Blockquotes have no span representation; fold them into "> " lines
	// before tokenizing.
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := strings.TrimSpace(tagRe.ReplaceAllString(parts[1], ""))
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	return tokenize(text)
}

type openTag struct {
	spanType bridge.SpanType
	start    int
	href     string
	userID   string
}

// tokenize walks the HTML left to right, collecting plain text and one span
// per well-nested formatting element. Unknown tags are dropped, keeping
// their content.
func tokenize(text string) (string, []bridge.Span) {
	var body strings.Builder
	var spans []bridge.Span
	var stack []openTag
	pos := 0 // rune offset into body

	emit := func(segment string) {
		segment = html.UnescapeString(segment)
		body.WriteString(segment)
		pos += len([]rune(segment))
	}

	for len(text) > 0 {
		loc := tagRe.FindStringIndex(text)
		if loc == nil {
			emit(text)
			break
		}
		emit(text[:loc[0]])
		tag := text[loc[0]:loc[1]]
		text = text[loc[1]:]

		name, closing := tagName(tag)
		switch name {
		case "br":
			emit("\n")
		case "p", "div":
			if closing && pos > 0 {
				emit("\n")
			}
		case "b", "strong", "i", "em", "del", "s", "strike", "u", "code", "pre", "a":
			spanType := spanTypeFor(name)
			if !closing {
				open := openTag{spanType: spanType, start: pos}
				if name == "a" {
					open.href = extractHref(tag)
					if m := matrixToRe.FindStringSubmatch(open.href); m != nil {
						open.spanType = bridge.SpanMention
						open.userID = m[1]
					}
				}
				stack = append(stack, open)
				continue
			}
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].spanType != spanType && !(spanType == bridge.SpanLink && stack[i].spanType == bridge.SpanMention) {
					continue
				}
				open := stack[i]
				stack = append(stack[:i], stack[i+1:]...)
				if open.start < pos {
					span := bridge.Span{Type: open.spanType, Start: open.start, End: pos}
					if open.spanType == bridge.SpanLink {
						span.Href = open.href
					}
					if open.spanType == bridge.SpanMention {
						span.UserID = open.userID
					}
					spans = append(spans, span)
				}
				break
			}
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	return strings.TrimRight(body.String(), "\n"), spans
}

func tagName(tag string) (string, bool) {
	inner := strings.Trim(tag, "<>")
	inner = strings.TrimSuffix(inner, "/")
	closing := strings.HasPrefix(inner, "/")
	inner = strings.TrimPrefix(inner, "/")
	if idx := strings.IndexAny(inner, " \t\n"); idx >= 0 {
		inner = inner[:idx]
	}
	return strings.ToLower(inner), closing
}

func spanTypeFor(name string) bridge.SpanType {
	switch name {
	case "b", "strong":
		return bridge.SpanBold
	case "i", "em":
		return bridge.SpanItalic
	case "del", "s", "strike", "u":
		return bridge.SpanStrike
	case "code":
		return bridge.SpanCode
	case "pre":
		return bridge.SpanPre
	default:
		return bridge.SpanLink
	}
}

func extractHref(tag string) string {
	if m := hrefRe.FindStringSubmatch(tag); m != nil {
		return html.UnescapeString(m[1])
	}
	return ""
}

// Render converts span-annotated plain text to Matrix HTML. The second
// return is false when the text carries no formatting, in which case the
// event should go out as a plain body without formatted_body.
func Render(body string, spans []bridge.Span) (string, bool) {
	if len(spans) == 0 && !strings.Contains(body, "\n") {
		return "", false
	}

	runes := []rune(body)
	opens := make(map[int][]bridge.Span)
	closes := make(map[int][]bridge.Span)
	for _, span := range spans {
		if span.Start < 0 || span.End > len(runes) || span.Start >= span.End {
			continue
		}
		opens[span.Start] = append(opens[span.Start], span)
		closes[span.End] = append(closes[span.End], span)
	}
	// Longer spans open first so nesting stays well-formed.
	for _, list := range opens {
		sort.Slice(list, func(i, j int) bool { return list[i].End > list[j].End })
	}
	for _, list := range closes {
		sort.Slice(list, func(i, j int) bool { return list[i].Start > list[j].Start })
	}

	var out strings.Builder
	for pos := 0; pos <= len(runes); pos++ {
		for _, span := range closes[pos] {
			out.WriteString(closeTag(span))
		}
		for _, span := range opens[pos] {
			out.WriteString(openTagHTML(span))
		}
		if pos < len(runes) {
			if runes[pos] == '\n' {
				out.WriteString("<br/>")
			} else {
				out.WriteString(html.EscapeString(string(runes[pos])))
			}
		}
	}
	return out.String(), true
}

func openTagHTML(span bridge.Span) string {
	switch span.Type {
	case bridge.SpanBold:
		return "<strong>"
	case bridge.SpanItalic:
		return "<em>"
	case bridge.SpanStrike:
		return "<del>"
	case bridge.SpanCode:
		return "<code>"
	case bridge.SpanPre:
		return "<pre><code>"
	case bridge.SpanLink:
		return `<a href="` + html.EscapeString(span.Href) + `">`
	case bridge.SpanMention:
		return `<a href="https://matrix.to/#/` + html.EscapeString(span.UserID) + `">`
	}
	return ""
}

func closeTag(span bridge.Span) string {
	switch span.Type {
	case bridge.SpanBold:
		return "</strong>"
	case bridge.SpanItalic:
		return "</em>"
	case bridge.SpanStrike:
		return "</del>"
	case bridge.SpanCode:
		return "</code>"
	case bridge.SpanPre:
		return "</code></pre>"
	case bridge.SpanLink, bridge.SpanMention:
		return "</a>"
	}
	return ""
}
