// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog"

	"github.com/aiku/telebridge/pkg/bridge"
	"github.com/aiku/telebridge/pkg/bridge/telegramfmt"
)

// telegramMaxTextLength is the Bot API limit for message text.
const telegramMaxTextLength = 4096

// classifyError maps a Bot API error onto the bridge failure taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == 429:
			after := time.Duration(0)
			if apiErr.Parameters != nil {
				after = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &bridge.RetryAfterError{After: after, Err: err}
		case apiErr.ErrorCode >= 500:
			return bridge.Transient(err)
		default:
			return bridge.Permanent(err)
		}
	}
	// Anything that is not an API response is a network problem.
	return bridge.Transient(err)
}

// Deliverer sends translated payloads through the Bot API. Telegram has no
// per-user impersonation, so everything goes out as the bot with the sender
// folded into the body by the translator.
type Deliverer struct {
	cfg *bridge.Config
	bot BotAPI
	log zerolog.Logger
}

// NewDeliverer wires the Telegram delivery side.
func NewDeliverer(cfg *bridge.Config, bot BotAPI, log zerolog.Logger) *Deliverer {
	return &Deliverer{
		cfg: cfg,
		bot: bot,
		log: log.With().Str("component", "telegram_deliverer").Logger(),
	}
}

func (d *Deliverer) Platform() bridge.Platform {
	return bridge.PlatformTelegram
}

// Capabilities advertises the Bot API: edits, deletes and native replies,
// but no proxy identities and a hard text length cap.
func (d *Deliverer) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		Platform:        bridge.PlatformTelegram,
		ProxyIdentities: false,
		InlineEdit:      true,
		Redact:          true,
		NativeReply:     true,
		Spans: map[bridge.SpanType]bool{
			bridge.SpanBold:    true,
			bridge.SpanItalic:  true,
			bridge.SpanStrike:  true,
			bridge.SpanCode:    true,
			bridge.SpanPre:     true,
			bridge.SpanLink:    true,
			bridge.SpanMention: true,
		},
		MaxTextLength:      telegramMaxTextLength,
		MaxAttachmentBytes: d.cfg.MaxAttachmentBytes(bridge.PlatformTelegram),
	}
}

// Deliver executes one translated payload in the destination chat.
func (d *Deliverer) Deliver(ctx context.Context, dest bridge.ConvKey, proxyUserID string, msg *bridge.NormalizedMessage, tr *bridge.Translation) (string, error) {
	chatID, err := strconv.ParseInt(dest.ID, 10, 64)
	if err != nil {
		return "", bridge.Permanent(err)
	}
	target := telego.ChatID{ID: chatID}

	switch tr.Kind {
	case bridge.KindRedact:
		return "", d.deleteMessage(ctx, target, tr.RedactsDestID)
	case bridge.KindEdit:
		if tr.EditOfDestID != "" {
			return d.editMessage(ctx, target, tr)
		}
		// Unmapped edit: the translator already rewrote the body as a
		// replacement message.
		return d.sendText(ctx, target, tr)
	case bridge.KindMedia:
		return d.sendMedia(ctx, target, tr)
	default:
		return d.sendText(ctx, target, tr)
	}
}

func (d *Deliverer) sendText(ctx context.Context, target telego.ChatID, tr *bridge.Translation) (string, error) {
	params := &telego.SendMessageParams{
		ChatID: target,
		Text:   tr.Body,
	}
	if html, ok := telegramfmt.RenderHTML(tr.Body, tr.Spans); ok {
		params.Text = html
		params.ParseMode = telego.ModeHTML
	}
	if tr.ReplyToDestID != "" {
		if _, messageID, err := SplitEventID(tr.ReplyToDestID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: messageID}
		}
	}
	sent, err := d.bot.SendMessage(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	return EventID(sent.Chat.ID, sent.MessageID), nil
}

func (d *Deliverer) sendMedia(ctx context.Context, target telego.ChatID, tr *bridge.Translation) (string, error) {
	att := tr.Attachment
	file := telego.InputFile{URL: att.SourceURL}
	caption := tr.Body

	var sent *telego.Message
	var err error
	switch att.Type {
	case bridge.AttachmentImage:
		sent, err = d.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: target, Photo: file, Caption: caption,
		})
	case bridge.AttachmentVideo:
		sent, err = d.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID: target, Video: file, Caption: caption,
		})
	case bridge.AttachmentAudio:
		sent, err = d.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: target, Audio: file, Caption: caption,
		})
	default:
		sent, err = d.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: target, Document: file, Caption: caption,
		})
	}
	if err != nil {
		return "", classifyError(err)
	}
	return EventID(sent.Chat.ID, sent.MessageID), nil
}

func (d *Deliverer) editMessage(ctx context.Context, target telego.ChatID, tr *bridge.Translation) (string, error) {
	_, messageID, err := SplitEventID(tr.EditOfDestID)
	if err != nil {
		return "", bridge.Permanent(err)
	}
	params := &telego.EditMessageTextParams{
		ChatID:    target,
		MessageID: messageID,
		Text:      tr.Body,
	}
	if html, ok := telegramfmt.RenderHTML(tr.Body, tr.Spans); ok {
		params.Text = html
		params.ParseMode = telego.ModeHTML
	}
	if _, err := d.bot.EditMessageText(ctx, params); err != nil {
		return "", classifyError(err)
	}
	// Edits do not mint a new message; keep the existing mapping.
	return "", nil
}

func (d *Deliverer) deleteMessage(ctx context.Context, target telego.ChatID, destEventID string) error {
	_, messageID, err := SplitEventID(destEventID)
	if err != nil {
		return bridge.Permanent(err)
	}
	if err := d.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    target,
		MessageID: messageID,
	}); err != nil {
		return classifyError(err)
	}
	return nil
}

// Creator is the Telegram half of conversation provisioning. The Bot API
// cannot create chats, so every Matrix-originated conversation stays
// unlinked until someone links it explicitly.
type Creator struct{}

func (Creator) Platform() bridge.Platform {
	return bridge.PlatformTelegram
}

func (Creator) LookupExisting(ctx context.Context, source bridge.ConvKey) (string, error) {
	return "", nil
}

func (Creator) CreateConversation(ctx context.Context, source bridge.ConvKey, nameHint string) (string, error) {
	return "", bridge.ErrCreateUnsupported
}
