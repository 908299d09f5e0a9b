// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"time"
)

// Platform identifies one side of the bridge.
type Platform string

const (
	PlatformMatrix   Platform = "matrix"
	PlatformTelegram Platform = "telegram"
)

// Other returns the platform on the opposite side of the bridge.
func (p Platform) Other() Platform {
	if p == PlatformMatrix {
		return PlatformTelegram
	}
	return PlatformMatrix
}

// ConvKey is a platform-scoped conversation identifier: a Matrix room ID or
// a Telegram chat ID rendered as a decimal string.
type ConvKey struct {
	Platform Platform `json:"platform"`
	ID       string   `json:"id"`
}

func (k ConvKey) String() string {
	return string(k.Platform) + ":" + k.ID
}

// MessageKind describes what a normalized message asks the destination to do.
type MessageKind string

const (
	// KindText is a plain or rich-text message.
	KindText MessageKind = "text"
	// KindMedia is a message carrying a single attachment, optionally captioned.
	KindMedia MessageKind = "media"
	// KindEdit replaces the content of a previously bridged message.
	KindEdit MessageKind = "edit"
	// KindRedact removes a previously bridged message.
	KindRedact MessageKind = "redact"
	// KindNotice is bridge-generated informational text (membership changes,
	// delivery failure notices). Notices are never attributed to a proxy user.
	KindNotice MessageKind = "notice"
)

// Flavor is the presentation style of a text message, mirroring the Matrix
// msgtype distinction. Telegram has no equivalent; the translator folds the
// flavor into the sender prefix instead.
type Flavor string

const (
	FlavorPlain  Flavor = ""
	FlavorEmote  Flavor = "emote"
	FlavorNotice Flavor = "notice"
)

// SpanType is a rich-text annotation kind understood by the translator.
type SpanType string

const (
	SpanBold    SpanType = "bold"
	SpanItalic  SpanType = "italic"
	SpanStrike  SpanType = "strike"
	SpanCode    SpanType = "code"
	SpanPre     SpanType = "pre"
	SpanLink    SpanType = "link"
	SpanMention SpanType = "mention"
)

// Span annotates a rune range [Start, End) of a message body. Offsets are
// rune indices into Body; the wire formatters convert to platform units
// (UTF-16 code units for Telegram, HTML for Matrix).
type Span struct {
	Type  SpanType `json:"type"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	// Href is set for link spans.
	Href string `json:"href,omitempty"`
	// UserID is the platform-scoped user for mention spans.
	UserID string `json:"user_id,omitempty"`
}

// AttachmentType classifies an attachment at the container level.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a single piece of media carried by a message. SourceURL is an
// HTTP(S) URL on the source platform from which the destination deliverer can
// fetch the raw bytes; the bridge re-wraps containers but never re-encodes.
type Attachment struct {
	Type      AttachmentType `json:"type"`
	SourceURL string         `json:"source_url"`
	// PublicURL is a URL presentable to humans (used by link-notice
	// degradation for oversized files). Falls back to SourceURL when empty.
	PublicURL string `json:"public_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// NormalizedMessage is the platform-agnostic representation every inbound
// adapter produces and the translator consumes. It must be able to carry any
// feature either platform can send, even when the other cannot receive it.
type NormalizedMessage struct {
	Kind   MessageKind `json:"kind"`
	Flavor Flavor      `json:"flavor,omitempty"`

	SourcePlatform Platform `json:"source_platform"`
	// SourceEventID is the stable per-event identifier used as the
	// deduplication key: a Matrix event ID, or "<chatID>:<messageID>" for
	// Telegram (message IDs are only unique within a chat).
	SourceEventID  string `json:"source_event_id"`
	ConversationID string `json:"conversation_id"`
	// ConversationName is a human-readable name hint for the source
	// conversation, used when the mapping store has to create the
	// destination counterpart.
	ConversationName string `json:"conversation_name,omitempty"`

	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`

	Body  string `json:"body"`
	Spans []Span `json:"spans,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`

	// ReplyToEventID references another source-side event this message
	// replies to. ReplyToSenderName/ReplyToBody carry the quoted fallback
	// used when the target was never bridged.
	ReplyToEventID    string `json:"reply_to_event_id,omitempty"`
	ReplyToSenderName string `json:"reply_to_sender_name,omitempty"`
	ReplyToBody       string `json:"reply_to_body,omitempty"`

	// EditOfEventID is set for KindEdit, RedactsEventID for KindRedact;
	// both reference source-side event IDs.
	EditOfEventID  string `json:"edit_of_event_id,omitempty"`
	RedactsEventID string `json:"redacts_event_id,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// SourceConv returns the source-side conversation key of the message.
func (m *NormalizedMessage) SourceConv() ConvKey {
	return ConvKey{Platform: m.SourcePlatform, ID: m.ConversationID}
}

// Validate reports whether the message is well-formed enough to relay.
func (m *NormalizedMessage) Validate() error {
	if m.SourceEventID == "" {
		return fmt.Errorf("%w: missing source event ID", ErrUpstreamProtocol)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation ID", ErrUpstreamProtocol)
	}
	switch m.Kind {
	case KindText, KindNotice:
		if m.Body == "" {
			return fmt.Errorf("%w: empty body", ErrUpstreamProtocol)
		}
	case KindMedia:
		if m.Attachment == nil || m.Attachment.SourceURL == "" {
			return fmt.Errorf("%w: media message without attachment", ErrUpstreamProtocol)
		}
	case KindEdit:
		if m.EditOfEventID == "" {
			return fmt.Errorf("%w: edit without target", ErrUpstreamProtocol)
		}
	case KindRedact:
		if m.RedactsEventID == "" {
			return fmt.Errorf("%w: redaction without target", ErrUpstreamProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown message kind %q", ErrUpstreamProtocol, m.Kind)
	}
	return nil
}
