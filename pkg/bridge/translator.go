// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Capabilities describes what a destination platform can receive. Each
// deliverer advertises its own; the translator degrades anything the
// destination cannot represent instead of dropping it.
type Capabilities struct {
	Platform Platform
	// ProxyIdentities is true when the destination can host one proxy
	// identity per remote user. When false, messages are attributed with a
	// sender prefix in the body instead.
	ProxyIdentities bool
	// InlineEdit is true when the destination supports editing messages the
	// bridge previously delivered.
	InlineEdit bool
	// Redact is true when the destination supports deleting messages the
	// bridge previously delivered.
	Redact bool
	// NativeReply is true when the destination supports attaching a reply
	// to a specific prior message.
	NativeReply bool
	// Spans lists the rich-text span types the destination renders.
	Spans map[SpanType]bool
	// MaxTextLength caps the body length in runes. Zero means unlimited.
	MaxTextLength int
	// MaxAttachmentBytes caps attachments; larger ones degrade to a link
	// notice. Zero means unlimited.
	MaxAttachmentBytes int64
}

// Fidelity records how faithfully a message survived translation, so callers
// can distinguish "delivered faithfully" from "delivered with loss".
type Fidelity string

const (
	// FidelityFull means nothing was lost.
	FidelityFull Fidelity = "full"
	// FidelityDegraded means the message was delivered with some feature
	// downgraded; Reason says which.
	FidelityDegraded Fidelity = "degraded"
	// FidelityUnsupported means the message cannot be represented on the
	// destination even in degraded form.
	FidelityUnsupported Fidelity = "unsupported"
)

// ResolvedRefs carries destination-side event IDs for the message's
// references, resolved by the relay engine from its event ID map before
// translation. Empty fields mean the referenced event was never bridged.
type ResolvedRefs struct {
	ReplyToDestID string
	EditOfDestID  string
	RedactsDestID string
}

// Translation is the destination-shaped payload produced by Translate. The
// platform deliverers render Body+Spans to their wire format and execute the
// operation Kind describes.
type Translation struct {
	Fidelity Fidelity
	Reason   string

	Kind   MessageKind
	Flavor Flavor

	Body  string
	Spans []Span

	Attachment *Attachment

	ReplyToDestID string
	EditOfDestID  string
	RedactsDestID string
}

// Translator converts normalized messages into destination payloads. It is
// pure: all state it needs (capabilities, resolved references, whether a
// proxy identity is available) arrives as arguments.
type Translator struct{}

// Translate maps msg onto what the destination described by caps can accept.
// hasProxy reports whether the relay engine obtained a dedicated proxy
// identity for the sender; without one the sender's name is folded into the
// body as a prefix.
func (Translator) Translate(msg *NormalizedMessage, caps Capabilities, refs ResolvedRefs, hasProxy bool) Translation {
	tr := Translation{
		Fidelity: FidelityFull,
		Kind:     msg.Kind,
		Flavor:   msg.Flavor,
		Body:     msg.Body,
		Spans:    append([]Span(nil), msg.Spans...),
	}

	switch msg.Kind {
	case KindText, KindNotice:
		// Handled below.
	case KindMedia:
		tr.Attachment = msg.Attachment
		if caps.MaxAttachmentBytes > 0 && msg.Attachment.Size > caps.MaxAttachmentBytes {
			// Too large for the destination: degrade to a link notice, the
			// content stays reachable at the source.
			tr.Kind = KindText
			tr.Attachment = nil
			tr.Body = attachmentLinkText(msg)
			tr.Spans = nil
			tr.degrade(fmt.Sprintf("attachment exceeds destination limit (%d > %d bytes)",
				msg.Attachment.Size, caps.MaxAttachmentBytes))
		}
	case KindEdit:
		if refs.EditOfDestID != "" && caps.InlineEdit {
			tr.EditOfDestID = refs.EditOfDestID
		} else {
			// The target cannot be edited in place: send a replacement
			// notice carrying the new content so history stays legible.
			tr.Kind = KindText
			tr.Body = msg.Body
			tr.Spans = shiftSpans(msg.Spans, runeLen("(edited) "))
			tr.Body = "(edited) " + tr.Body
			tr.degrade("edit target not editable on destination")
		}
	case KindRedact:
		if refs.RedactsDestID != "" && caps.Redact {
			tr.RedactsDestID = refs.RedactsDestID
		} else if refs.RedactsDestID != "" {
			tr.Kind = KindNotice
			tr.Body = "message removed"
			tr.Spans = nil
			tr.degrade("destination cannot delete messages")
		} else {
			return Translation{
				Fidelity: FidelityUnsupported,
				Reason:   "redaction of a message that was never bridged",
				Kind:     msg.Kind,
			}
		}
	default:
		return Translation{
			Fidelity: FidelityUnsupported,
			Reason:   fmt.Sprintf("unknown message kind %q", msg.Kind),
			Kind:     msg.Kind,
		}
	}

	if tr.Kind == KindText || tr.Kind == KindMedia || tr.Kind == KindEdit {
		// Reply targeting.
		if msg.ReplyToEventID != "" && tr.Kind != KindEdit {
			if refs.ReplyToDestID != "" && caps.NativeReply {
				tr.ReplyToDestID = refs.ReplyToDestID
			} else {
				// Never bridged (or no native replies): keep the
				// conversation legible with a quoted prefix.
				prefix := replyQuotePrefix(msg)
				tr.Spans = shiftSpans(tr.Spans, runeLen(prefix))
				tr.Body = prefix + tr.Body
				tr.degrade("reply target not bridged, quoted inline")
			}
		}

		// Sender attribution when the destination hosts no proxy identity
		// for this sender.
		if !hasProxy && msg.SenderName != "" {
			prefix, nameSpan := attributionPrefix(msg.Flavor, msg.SenderName)
			tr.Spans = shiftSpans(tr.Spans, runeLen(prefix))
			if nameSpan != nil {
				tr.Spans = append([]Span{*nameSpan}, tr.Spans...)
			}
			tr.Body = prefix + tr.Body
			if caps.ProxyIdentities {
				// The destination could have hosted a proxy but
				// provisioning failed; note the loss.
				tr.degrade("proxy identity unavailable, sender named in body")
			}
		}
	}

	// Drop span types the destination cannot render; the text itself
	// always survives.
	kept := tr.Spans[:0]
	var dropped []string
	for _, sp := range tr.Spans {
		if caps.Spans[sp.Type] {
			kept = append(kept, sp)
		} else {
			dropped = append(dropped, string(sp.Type))
		}
	}
	tr.Spans = kept
	if len(dropped) > 0 {
		tr.degrade("unsupported formatting dropped: " + strings.Join(dropped, ", "))
	}

	// Length cap.
	if caps.MaxTextLength > 0 && runeLen(tr.Body) > caps.MaxTextLength {
		runes := []rune(tr.Body)
		tr.Body = string(runes[:caps.MaxTextLength-1]) + "…"
		tr.Spans = clampSpans(tr.Spans, caps.MaxTextLength)
		tr.degrade("body truncated to destination limit")
	}

	return tr
}

// degrade marks the translation lossy, keeping the first reason.
func (tr *Translation) degrade(reason string) {
	if tr.Fidelity == FidelityFull {
		tr.Reason = reason
	}
	tr.Fidelity = FidelityDegraded
}

// attributionPrefix renders the sender prefix for proxy-less destinations:
// "<name> " for text, "[name] " for notices, "* name " for emotes. The
// returned span bolds the name portion.
func attributionPrefix(flavor Flavor, name string) (string, *Span) {
	switch flavor {
	case FlavorEmote:
		prefix := "* " + name + " "
		return prefix, &Span{Type: SpanItalic, Start: 0, End: runeLen(prefix) - 1}
	case FlavorNotice:
		prefix := "[" + name + "] "
		return prefix, &Span{Type: SpanBold, Start: 0, End: runeLen(prefix) - 1}
	default:
		prefix := "<" + name + "> "
		return prefix, &Span{Type: SpanBold, Start: 0, End: runeLen(prefix) - 1}
	}
}

// replyQuotePrefix builds the degraded quoted-reply block.
func replyQuotePrefix(msg *NormalizedMessage) string {
	who := msg.ReplyToSenderName
	if who == "" {
		who = "an earlier message"
	} else {
		who = who + ", who said"
	}
	var b strings.Builder
	b.WriteString("Reply to ")
	b.WriteString(who)
	b.WriteString(":\n")
	if msg.ReplyToBody != "" {
		for _, line := range strings.Split(msg.ReplyToBody, "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

// attachmentLinkText renders the link-notice degradation for media the
// destination will not accept.
func attachmentLinkText(msg *NormalizedMessage) string {
	att := msg.Attachment
	name := att.FileName
	if name == "" {
		name = string(att.Type)
	}
	url := att.PublicURL
	if url == "" {
		url = att.SourceURL
	}
	text := fmt.Sprintf("sent %s: %s (%s)", indefinite(string(att.Type)), name, url)
	if msg.Body != "" {
		text += "\n" + msg.Body
	}
	return text
}

func indefinite(noun string) string {
	switch noun {
	case string(AttachmentImage), string(AttachmentAudio):
		return "an " + noun
	default:
		return "a " + noun
	}
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// shiftSpans moves all span offsets forward by n runes.
func shiftSpans(spans []Span, n int) []Span {
	if n == 0 || len(spans) == 0 {
		return spans
	}
	shifted := make([]Span, len(spans))
	for i, sp := range spans {
		sp.Start += n
		sp.End += n
		shifted[i] = sp
	}
	return shifted
}

// clampSpans drops or trims spans extending past a truncated body.
func clampSpans(spans []Span, limit int) []Span {
	kept := spans[:0]
	for _, sp := range spans {
		if sp.Start >= limit {
			continue
		}
		if sp.End > limit {
			sp.End = limit
		}
		kept = append(kept, sp)
	}
	return kept
}
