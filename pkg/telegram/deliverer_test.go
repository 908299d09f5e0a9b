// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog"

	"github.com/aiku/telebridge/pkg/bridge"
)

func newTestDeliverer(bot BotAPI) *Deliverer {
	return NewDeliverer(&bridge.Config{}, bot, zerolog.Nop())
}

func TestDeliverTextWithFormattingAndReply(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newTestDeliverer(bot)

	msg := &bridge.NormalizedMessage{SourcePlatform: bridge.PlatformMatrix, SourceEventID: "$m1"}
	tr := &bridge.Translation{
		Kind:          bridge.KindText,
		Body:          "hello there",
		Spans:         []bridge.Span{{Type: bridge.SpanBold, Start: 0, End: 5}},
		ReplyToDestID: "-100:7",
	}
	destEventID, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-100"}, "", msg, tr)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if destEventID != "-100:1" {
		t.Errorf("dest event ID: got %q, want -100:1", destEventID)
	}

	sent := bot.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	params := sent[0]
	if params.ChatID.ID != -100 {
		t.Errorf("chat ID: got %d", params.ChatID.ID)
	}
	if params.Text != "<b>hello</b> there" {
		t.Errorf("text: got %q", params.Text)
	}
	if params.ParseMode != telego.ModeHTML {
		t.Errorf("parse mode: got %q, want HTML", params.ParseMode)
	}
	if params.ReplyParameters == nil || params.ReplyParameters.MessageID != 7 {
		t.Errorf("reply parameters: got %+v", params.ReplyParameters)
	}
}

func TestDeliverPlainTextSkipsParseMode(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newTestDeliverer(bot)

	tr := &bridge.Translation{Kind: bridge.KindText, Body: "no markup <here>"}
	if _, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-100"}, "", &bridge.NormalizedMessage{}, tr); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	params := bot.sentMessages()[0]
	if params.ParseMode != "" {
		t.Errorf("plain text must not set a parse mode, got %q", params.ParseMode)
	}
	if params.Text != "no markup <here>" {
		t.Errorf("text: got %q", params.Text)
	}
}

func TestDeliverMediaRouting(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newTestDeliverer(bot)

	for _, attType := range []bridge.AttachmentType{
		bridge.AttachmentImage,
		bridge.AttachmentVideo,
		bridge.AttachmentAudio,
		bridge.AttachmentFile,
	} {
		tr := &bridge.Translation{
			Kind: bridge.KindMedia,
			Body: "caption",
			Attachment: &bridge.Attachment{
				Type:      attType,
				SourceURL: "https://example.com/file",
				FileName:  "file",
			},
		}
		destEventID, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-100"}, "", &bridge.NormalizedMessage{}, tr)
		if err != nil {
			t.Fatalf("deliver %s: %v", attType, err)
		}
		if destEventID == "" {
			t.Errorf("deliver %s: empty dest event ID", attType)
		}
	}
}

func TestDeliverEditTargetsOriginal(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newTestDeliverer(bot)

	tr := &bridge.Translation{
		Kind:         bridge.KindEdit,
		Body:         "corrected",
		EditOfDestID: "-100:33",
	}
	destEventID, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-100"}, "", &bridge.NormalizedMessage{}, tr)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if destEventID != "" {
		t.Errorf("edit must keep the original mapping, got %q", destEventID)
	}
	if len(bot.edits) != 1 || bot.edits[0].MessageID != 33 {
		t.Fatalf("edits: got %+v", bot.edits)
	}
	if bot.edits[0].Text != "corrected" {
		t.Errorf("edit text: got %q", bot.edits[0].Text)
	}
}

func TestDeliverRedactDeletesMessage(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	d := newTestDeliverer(bot)

	tr := &bridge.Translation{Kind: bridge.KindRedact, RedactsDestID: "-100:44"}
	if _, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-100"}, "", &bridge.NormalizedMessage{}, tr); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(bot.deletes) != 1 || bot.deletes[0].MessageID != 44 {
		t.Fatalf("deletes: got %+v", bot.deletes)
	}
}

func TestDeliverBadChatIDIsPermanent(t *testing.T) {
	t.Parallel()
	d := newTestDeliverer(&fakeBot{})
	tr := &bridge.Translation{Kind: bridge.KindText, Body: "x"}
	_, err := d.Deliver(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "not-a-chat"}, "", &bridge.NormalizedMessage{}, tr)
	if !bridge.IsPermanent(err) {
		t.Errorf("malformed chat ID: got %v, want permanent", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	limited := classifyError(&telegoapi.Error{
		ErrorCode:  429,
		Parameters: &telegoapi.ResponseParameters{RetryAfter: 17},
	})
	after, ok := bridge.RetryAfter(limited)
	if !ok || after != 17*time.Second {
		t.Errorf("429: got (%v, %v), want 17s retry-after", after, ok)
	}
	if bridge.IsPermanent(limited) {
		t.Error("429 must stay retryable")
	}

	if err := classifyError(&telegoapi.Error{ErrorCode: 502}); bridge.IsPermanent(err) {
		t.Errorf("502: got %v, want transient", err)
	}
	if err := classifyError(&telegoapi.Error{ErrorCode: 400}); !bridge.IsPermanent(err) {
		t.Errorf("400: got %v, want permanent", err)
	}
	if err := classifyError(errors.New("connection reset")); bridge.IsPermanent(err) {
		t.Errorf("network error: got %v, want transient", err)
	}
}
