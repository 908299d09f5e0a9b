// Copyright 2024-2026 Aiku AI

// Package telegram implements the Telegram side of the bridge: the long-poll
// update source feeding the relay engine and the Bot API deliverer.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	"github.com/aiku/telebridge/pkg/bridge"
	"github.com/aiku/telebridge/pkg/bridge/telegramfmt"
)

// BotAPI is the slice of the Bot API client the poller and deliverer use.
// *telego.Bot satisfies it; tests substitute a fake.
type BotAPI interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	GetUserProfilePhotos(ctx context.Context, params *telego.GetUserProfilePhotosParams) (*telego.UserProfilePhotos, error)
	FileDownloadURL(filepath string) string
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendVideo(ctx context.Context, params *telego.SendVideoParams) (*telego.Message, error)
	SendAudio(ctx context.Context, params *telego.SendAudioParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
}

// Poller drives getUpdates long polling. Each batch is normalized and
// enqueued in update order; the inbound cursor only advances past updates
// that were handed to the engine, so a crash or a transient enqueue failure
// mid-batch re-delivers from the first unconsumed update and the engine's
// dedup absorbs the replayed prefix.
type Poller struct {
	bot    BotAPI
	engine *bridge.Engine
	cursor *bridge.CursorTracker
	log    zerolog.Logger

	pollTimeout int
	// selfID is the bot's own user ID; its messages are our echoes.
	selfID int64
}

// NewPoller builds the update poller.
func NewPoller(bot BotAPI, engine *bridge.Engine, cursor *bridge.CursorTracker, pollTimeout int, selfID int64, log zerolog.Logger) *Poller {
	return &Poller{
		bot:         bot,
		engine:      engine,
		cursor:      cursor,
		log:         log.With().Str("component", "telegram_poller").Logger(),
		pollTimeout: pollTimeout,
		selfID:      selfID,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	offset, err := p.cursor.Offset(ctx, bridge.PlatformTelegram)
	if err != nil {
		return fmt.Errorf("load telegram offset: %w", err)
	}
	p.log.Info().Int64("offset", offset).Msg("Starting update polling")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := p.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:  int(offset) + 1,
			Timeout: p.pollTimeout,
			AllowedUpdates: []string{
				telego.MessageUpdates,
				telego.EditedMessageUpdates,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := 5 * time.Second
			if after, ok := bridge.RetryAfter(classifyError(err)); ok && after > wait {
				wait = after
			}
			p.log.Warn().Err(err).Dur("retry_in", wait).Msg("getUpdates failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(updates) == 0 {
			continue
		}

		stalled := false
		for _, update := range updates {
			if err := p.handleUpdate(ctx, update); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Leave the cursor at the last consumed update so the next
				// getUpdates re-delivers this one.
				p.log.Warn().Err(err).
					Int("update_id", update.UpdateID).
					Msg("Transient enqueue failure, re-polling from this update")
				stalled = true
				break
			}
			if int64(update.UpdateID) > offset {
				offset = int64(update.UpdateID)
			}
		}
		if err := p.cursor.AdvanceOffset(ctx, bridge.PlatformTelegram, offset); err != nil {
			p.log.Error().Err(err).Msg("Failed to persist update offset")
		}
		if stalled {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// handleUpdate normalizes and enqueues one update. Malformed, unlinked or
// permanently failing updates are logged and consumed; only a transient
// enqueue failure returns an error, which holds the cursor for re-delivery.
func (p *Poller) handleUpdate(ctx context.Context, update telego.Update) error {
	var msg *bridge.NormalizedMessage
	var err error
	switch {
	case update.Message != nil:
		msg, err = p.normalize(ctx, update.Message, false)
	case update.EditedMessage != nil:
		msg, err = p.normalize(ctx, update.EditedMessage, true)
	default:
		return nil
	}

	log := p.log.With().Int("update_id", update.UpdateID).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("Skipping malformed update")
		return nil
	}
	if msg == nil {
		return nil
	}
	if err := p.engine.Enqueue(ctx, msg); err != nil {
		switch {
		case errors.Is(err, bridge.ErrConversationNotFound):
			log.Debug().Str("chat_id", msg.ConversationID).Msg("Chat not linked, update not bridged")
			return nil
		case errors.Is(err, bridge.ErrUpstreamProtocol), bridge.IsPermanent(err):
			log.Error().Err(err).Msg("Dropping unbridgeable update")
			return nil
		}
		return err
	}
	return nil
}

// EventID renders the bridge-wide identifier of a Telegram message. Message
// IDs are only unique within a chat, so the chat ID is part of the key.
func EventID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// SplitEventID parses an identifier produced by EventID.
func SplitEventID(eventID string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(eventID, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed telegram event ID %q", bridge.ErrUpstreamProtocol, eventID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed chat ID in %q", bridge.ErrUpstreamProtocol, eventID)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed message ID in %q", bridge.ErrUpstreamProtocol, eventID)
	}
	return chatID, messageID, nil
}

func (p *Poller) normalize(ctx context.Context, message *telego.Message, edited bool) (*bridge.NormalizedMessage, error) {
	if message.From != nil && message.From.ID == p.selfID {
		// Our own delivery coming back as an update.
		return nil, nil
	}

	msg := &bridge.NormalizedMessage{
		Kind:             bridge.KindText,
		SourcePlatform:   bridge.PlatformTelegram,
		SourceEventID:    EventID(message.Chat.ID, message.MessageID),
		ConversationID:   strconv.FormatInt(message.Chat.ID, 10),
		ConversationName: chatName(message.Chat),
		SenderName:       senderName(message.From),
		SentAt:           time.Unix(message.Date, 0),
	}
	if message.From != nil {
		msg.SenderID = strconv.FormatInt(message.From.ID, 10)
	}

	if edited {
		// Every edit of the same message needs its own dedup key.
		msg.Kind = bridge.KindEdit
		msg.EditOfEventID = msg.SourceEventID
		msg.SourceEventID = fmt.Sprintf("edit:%s:%d", msg.SourceEventID, message.EditDate)
		msg.SentAt = time.Unix(message.EditDate, 0)
	}

	text := message.Text
	entities := message.Entities
	if text == "" && message.Caption != "" {
		text = message.Caption
		entities = message.CaptionEntities
	}
	msg.Body = text
	msg.Spans = telegramfmt.ToSpans(text, entities)

	if att, err := p.normalizeAttachment(ctx, message); err != nil {
		return nil, err
	} else if att != nil {
		if msg.Kind == bridge.KindText {
			msg.Kind = bridge.KindMedia
		}
		msg.Attachment = att
	}

	if msg.Body == "" && msg.Attachment == nil {
		// Stickers, polls, service messages: nothing to bridge.
		return nil, nil
	}

	if reply := message.ReplyToMessage; reply != nil {
		msg.ReplyToEventID = EventID(reply.Chat.ID, reply.MessageID)
		msg.ReplyToSenderName = senderName(reply.From)
		msg.ReplyToBody = reply.Text
		if msg.ReplyToBody == "" {
			msg.ReplyToBody = reply.Caption
		}
	}

	if origin := forwardOriginName(message.ForwardOrigin); origin != "" {
		prefix := "Forwarded from " + origin + ":\n"
		shift := len([]rune(prefix))
		for i := range msg.Spans {
			msg.Spans[i].Start += shift
			msg.Spans[i].End += shift
		}
		msg.Body = prefix + msg.Body
	}
	return msg, nil
}

// normalizeAttachment picks the message's media, if any, and resolves its
// download URL through getFile.
func (p *Poller) normalizeAttachment(ctx context.Context, message *telego.Message) (*bridge.Attachment, error) {
	var att *bridge.Attachment
	var fileID string

	switch {
	case len(message.Photo) > 0:
		best := message.Photo[0]
		for _, size := range message.Photo[1:] {
			if size.Width*size.Height > best.Width*best.Height {
				best = size
			}
		}
		fileID = best.FileID
		att = &bridge.Attachment{
			Type:     bridge.AttachmentImage,
			MimeType: "image/jpeg",
			FileName: "image.jpg",
			Size:     int64(best.FileSize),
			Width:    best.Width,
			Height:   best.Height,
		}
	case message.Document != nil:
		doc := message.Document
		fileID = doc.FileID
		att = &bridge.Attachment{
			Type:     bridge.AttachmentFile,
			MimeType: doc.MimeType,
			FileName: doc.FileName,
			Size:     doc.FileSize,
		}
	case message.Video != nil:
		video := message.Video
		fileID = video.FileID
		att = &bridge.Attachment{
			Type:     bridge.AttachmentVideo,
			MimeType: video.MimeType,
			FileName: video.FileName,
			Size:     video.FileSize,
			Width:    video.Width,
			Height:   video.Height,
		}
	case message.Audio != nil:
		audio := message.Audio
		fileID = audio.FileID
		att = &bridge.Attachment{
			Type:     bridge.AttachmentAudio,
			MimeType: audio.MimeType,
			FileName: audio.FileName,
			Size:     audio.FileSize,
		}
	case message.Voice != nil:
		voice := message.Voice
		fileID = voice.FileID
		att = &bridge.Attachment{
			Type:     bridge.AttachmentAudio,
			MimeType: voice.MimeType,
			FileName: "voice.ogg",
			Size:     voice.FileSize,
		}
	default:
		return nil, nil
	}

	file, err := p.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("%w: getFile failed: %v", bridge.ErrUpstreamProtocol, err)
	}
	att.SourceURL = p.bot.FileDownloadURL(file.FilePath)
	if att.FileName == "" {
		att.FileName = file.FilePath[strings.LastIndex(file.FilePath, "/")+1:]
	}
	return att, nil
}

func senderName(user *telego.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return name
}

func chatName(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

// forwardOriginName renders the origin of a forwarded message.
func forwardOriginName(origin telego.MessageOrigin) string {
	switch o := origin.(type) {
	case *telego.MessageOriginUser:
		return senderName(&o.SenderUser)
	case *telego.MessageOriginHiddenUser:
		return o.SenderUserName
	case *telego.MessageOriginChat:
		return chatName(o.SenderChat)
	case *telego.MessageOriginChannel:
		return chatName(o.Chat)
	}
	return ""
}
