// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts between Telegram message entities and the
// bridge's span-annotated plain text. Telegram entity offsets are UTF-16
// code units; spans use rune offsets, so both directions remap through a
// per-message offset table.
package telegramfmt

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/aiku/telebridge/pkg/bridge"
)

// ToSpans converts Telegram entities on text into spans. Entity types with
// no span equivalent (spoilers, custom emoji, hashtags) are dropped; their
// text survives untouched.
func ToSpans(text string, entities []telego.MessageEntity) []bridge.Span {
	if len(entities) == 0 {
		return nil
	}
	toRune := utf16ToRuneTable(text)
	var spans []bridge.Span
	for _, entity := range entities {
		spanType, ok := entityType(entity.Type)
		if !ok {
			continue
		}
		start, okStart := toRune[entity.Offset]
		end, okEnd := toRune[entity.Offset+entity.Length]
		if !okStart || !okEnd || start >= end {
			continue
		}
		span := bridge.Span{Type: spanType, Start: start, End: end}
		switch entity.Type {
		case telego.EntityTypeTextLink:
			span.Href = entity.URL
		case telego.EntityTypeURL:
			span.Href = string([]rune(text)[start:end])
		case telego.EntityTypeTextMention:
			if entity.User != nil {
				span.UserID = strconv.FormatInt(entity.User.ID, 10)
			}
		}
		spans = append(spans, span)
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	return spans
}

func entityType(t string) (bridge.SpanType, bool) {
	switch t {
	case telego.EntityTypeBold:
		return bridge.SpanBold, true
	case telego.EntityTypeItalic:
		return bridge.SpanItalic, true
	case telego.EntityTypeStrikethrough:
		return bridge.SpanStrike, true
	case telego.EntityTypeCode:
		return bridge.SpanCode, true
	case telego.EntityTypePre:
		return bridge.SpanPre, true
	case telego.EntityTypeTextLink, telego.EntityTypeURL:
		return bridge.SpanLink, true
	case telego.EntityTypeTextMention, telego.EntityTypeMention:
		return bridge.SpanMention, true
	}
	return "", false
}

// utf16ToRuneTable maps every UTF-16 code unit boundary of text to its rune
// index. Astral-plane runes occupy two code units.
func utf16ToRuneTable(text string) map[int]int {
	table := make(map[int]int, len(text)+1)
	u16 := 0
	runeIdx := 0
	for _, r := range text {
		table[u16] = runeIdx
		if r >= 0x10000 {
			u16 += 2
		} else {
			u16++
		}
		runeIdx++
	}
	table[u16] = runeIdx
	return table
}

// RenderHTML converts span-annotated plain text to Telegram's HTML parse
// mode subset. The second return is false when the text carries no
// formatting, so callers can skip parse_mode entirely.
func RenderHTML(body string, spans []bridge.Span) (string, bool) {
	if len(spans) == 0 {
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
			out.WriteString(openTag(span))
		}
		if pos < len(runes) {
			out.WriteString(escape(runes[pos]))
		}
	}
	return out.String(), true
}

func escape(r rune) string {
	switch r {
	case '&':
		return "&amp;"
	case '<':
		return "&lt;"
	case '>':
		return "&gt;"
	}
	return string(r)
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func openTag(span bridge.Span) string {
	switch span.Type {
	case bridge.SpanBold:
		return "<b>"
	case bridge.SpanItalic:
		return "<i>"
	case bridge.SpanStrike:
		return "<s>"
	case bridge.SpanCode:
		return "<code>"
	case bridge.SpanPre:
		return "<pre>"
	case bridge.SpanLink:
		return `<a href="` + escapeString(span.Href) + `">`
	case bridge.SpanMention:
		// Matrix user mentions have no Telegram link target; bold the name.
		return "<b>"
	}
	return ""
}

func closeTag(span bridge.Span) string {
	switch span.Type {
	case bridge.SpanBold, bridge.SpanMention:
		return "</b>"
	case bridge.SpanItalic:
		return "</i>"
	case bridge.SpanStrike:
		return "</s>"
	case bridge.SpanCode:
		return "</code>"
	case bridge.SpanPre:
		return "</pre>"
	case bridge.SpanLink:
		return "</a>"
	}
	return ""
}
