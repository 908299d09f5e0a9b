// Copyright 2024-2026 Aiku AI

package appservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telebridge/pkg/bridge"
	"github.com/aiku/telebridge/pkg/bridge/matrixfmt"
)

// normalizeMessage converts an m.room.message event into the bridge's
// normalized form. A nil result with nil error means the event carries
// nothing worth bridging.
func (s *Service) normalizeMessage(ctx context.Context, evt *event.Event) (*bridge.NormalizedMessage, error) {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil, fmt.Errorf("%w: no message content", bridge.ErrUpstreamProtocol)
	}

	msg := &bridge.NormalizedMessage{
		SourcePlatform: bridge.PlatformMatrix,
		SourceEventID:  string(evt.ID),
		ConversationID: string(evt.RoomID),
		SenderID:       string(evt.Sender),
		SenderName:     s.displayname(ctx, evt.Sender),
		SentAt:         time.UnixMilli(evt.Timestamp),
	}

	// Edits replace the original content; the visible payload is in
	// m.new_content and the target in the relation.
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelReplace {
		if content.NewContent != nil {
			content = content.NewContent
		}
		msg.Kind = bridge.KindEdit
		msg.EditOfEventID = string(rel.EventID)
	}

	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" && msg.Kind != bridge.KindEdit {
		msg.ReplyToEventID = string(replyTo)
		msg.ReplyToSenderName, msg.ReplyToBody = parseReplyFallback(content.Body)
		content.RemoveReplyFallback()
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		body, spans := matrixfmt.Parse(content)
		if strings.TrimSpace(body) == "" {
			return nil, nil
		}
		if msg.Kind != bridge.KindEdit {
			msg.Kind = bridge.KindText
		}
		msg.Body = body
		msg.Spans = spans
		switch content.MsgType {
		case event.MsgEmote:
			msg.Flavor = bridge.FlavorEmote
		case event.MsgNotice:
			msg.Flavor = bridge.FlavorNotice
		}

	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		att, err := s.normalizeAttachment(content)
		if err != nil {
			return nil, err
		}
		msg.Kind = bridge.KindMedia
		msg.Attachment = att
		msg.Body = content.Body

	default:
		// Location, verification and other exotic types are not bridged.
		return nil, nil
	}
	return msg, nil
}

func (s *Service) normalizeAttachment(content *event.MessageEventContent) (*bridge.Attachment, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: bad media URL: %v", bridge.ErrUpstreamProtocol, err)
	}
	att := &bridge.Attachment{
		Type:      attachmentType(content.MsgType),
		SourceURL: s.mediaDownloadURL(uri),
		FileName:  content.Body,
	}
	if info := content.Info; info != nil {
		att.MimeType = info.MimeType
		att.Size = int64(info.Size)
		att.Width = info.Width
		att.Height = info.Height
	}
	return att, nil
}

// mediaDownloadURL builds the public HTTP URL for an mxc resource, which the
// Telegram side can hand straight to the Bot API.
func (s *Service) mediaDownloadURL(uri id.ContentURI) string {
	return s.cfg.Homeserver.PublicAddress + "/_matrix/media/v3/download/" + uri.Homeserver + "/" + uri.FileID
}

func attachmentType(msgType event.MessageType) bridge.AttachmentType {
	switch msgType {
	case event.MsgImage:
		return bridge.AttachmentImage
	case event.MsgVideo:
		return bridge.AttachmentVideo
	case event.MsgAudio:
		return bridge.AttachmentAudio
	default:
		return bridge.AttachmentFile
	}
}

// parseReplyFallback extracts the quoted sender and text from the legacy
// reply fallback ("> <@user:domain> quoted text"). Either return may be
// empty when the fallback is absent or oddly shaped.
func parseReplyFallback(body string) (string, string) {
	if !strings.HasPrefix(body, "> ") {
		return "", ""
	}
	fallback, _, _ := strings.Cut(body, "\n\n")
	lines := strings.Split(fallback, "\n")

	var sender string
	var quoted []string
	for i, line := range lines {
		line = strings.TrimPrefix(line, "> ")
		if i == 0 && strings.HasPrefix(line, "<") {
			if end := strings.Index(line, ">"); end > 0 {
				sender = localpart(id.UserID(line[1:end]))
				line = strings.TrimPrefix(line[end+1:], " ")
			}
		}
		if line != "" {
			quoted = append(quoted, line)
		}
	}
	return sender, strings.Join(quoted, "\n")
}
