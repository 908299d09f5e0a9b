// Copyright 2024-2026 Aiku AI

package appservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telebridge/pkg/bridge"
	"github.com/aiku/telebridge/pkg/bridge/matrixfmt"
)

// ClientManager holds the bot client and a per-ghost client cache. All
// clients share the AS token; ghost clients impersonate their user via the
// appservice user_id query parameter.
type ClientManager struct {
	cfg *bridge.Config
	log zerolog.Logger

	bot *mautrix.Client

	mu     sync.Mutex
	ghosts map[id.UserID]*mautrix.Client

	joinedMu sync.Mutex
	joined   map[string]bool
}

// NewClientManager builds the bot client and an empty ghost cache.
func NewClientManager(cfg *bridge.Config, log zerolog.Logger) (*ClientManager, error) {
	botID := id.NewUserID(cfg.Appservice.BotUsername, cfg.Homeserver.Domain)
	bot, err := newClient(cfg, botID)
	if err != nil {
		return nil, fmt.Errorf("create bot client: %w", err)
	}
	return &ClientManager{
		cfg:    cfg,
		log:    log.With().Str("component", "matrix").Logger(),
		bot:    bot,
		ghosts: make(map[id.UserID]*mautrix.Client),
		joined: make(map[string]bool),
	}, nil
}

func newClient(cfg *bridge.Config, userID id.UserID) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver.Address, userID, cfg.Appservice.ASToken)
	if err != nil {
		return nil, err
	}
	client.SetAppServiceUserID = true
	return client, nil
}

// Bot returns the main bridge bot client.
func (m *ClientManager) Bot() *mautrix.Client {
	return m.bot
}

// BotUserID returns the fully qualified bot user ID.
func (m *ClientManager) BotUserID() id.UserID {
	return m.bot.UserID
}

// Ghost returns the cached client for a ghost user, creating it on first
// use.
func (m *ClientManager) Ghost(userID id.UserID) (*mautrix.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.ghosts[userID]; ok {
		return client, nil
	}
	client, err := newClient(m.cfg, userID)
	if err != nil {
		return nil, fmt.Errorf("create ghost client: %w", err)
	}
	m.ghosts[userID] = client
	return client, nil
}

// EnsureJoined joins userID to roomID via the bot invite path, remembering
// successes so repeat sends skip the round trips.
func (m *ClientManager) EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	key := string(userID) + "/" + string(roomID)
	m.joinedMu.Lock()
	done := m.joined[key]
	m.joinedMu.Unlock()
	if done {
		return nil
	}

	client := m.bot
	if userID != m.bot.UserID {
		var err error
		client, err = m.Ghost(userID)
		if err != nil {
			return err
		}
	}
	if _, err := client.JoinRoomByID(ctx, roomID); err != nil {
		// The room may be invite-only; invite via the bot and retry.
		if _, invErr := m.bot.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID}); invErr != nil {
			return fmt.Errorf("join room: %w", err)
		}
		if _, err = client.JoinRoomByID(ctx, roomID); err != nil {
			return fmt.Errorf("join room after invite: %w", err)
		}
	}

	m.joinedMu.Lock()
	m.joined[key] = true
	m.joinedMu.Unlock()
	return nil
}

func (m *ClientManager) forgetJoin(userID id.UserID, roomID id.RoomID) {
	m.joinedMu.Lock()
	delete(m.joined, string(userID)+"/"+string(roomID))
	m.joinedMu.Unlock()
}

// classifyError maps a Matrix API error onto the bridge failure taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		after := retryAfterOf(err)
		return &bridge.RetryAfterError{After: after, Err: err}
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response != nil {
			switch {
			case httpErr.Response.StatusCode == http.StatusTooManyRequests:
				return &bridge.RetryAfterError{After: retryAfterOf(err), Err: err}
			case httpErr.Response.StatusCode >= 500:
				return bridge.Transient(err)
			case httpErr.Response.StatusCode >= 400:
				return bridge.Permanent(err)
			}
		}
		// No response at all: network failure.
		return bridge.Transient(err)
	}
	return bridge.Transient(err)
}

func retryAfterOf(err error) time.Duration {
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// txnID derives a deterministic client transaction ID from the source event,
// so homeserver-side deduplication absorbs bridge retries.
func txnID(msg *bridge.NormalizedMessage) string {
	sum := sha256.Sum256([]byte(string(msg.SourcePlatform) + "\x00" + msg.SourceEventID))
	return "tb" + hex.EncodeToString(sum[:8])
}

// Deliverer posts translated payloads into Matrix rooms, as the sender's
// ghost when one was provisioned and as the bot otherwise.
type Deliverer struct {
	cfg     *bridge.Config
	clients *ClientManager
	log     zerolog.Logger
}

// NewDeliverer wires the Matrix delivery side.
func NewDeliverer(cfg *bridge.Config, clients *ClientManager, log zerolog.Logger) *Deliverer {
	return &Deliverer{
		cfg:     cfg,
		clients: clients,
		log:     log.With().Str("component", "matrix_deliverer").Logger(),
	}
}

func (d *Deliverer) Platform() bridge.Platform {
	return bridge.PlatformMatrix
}

// Capabilities advertises the Matrix side: ghosts, edits, redactions, native
// replies and the full span set.
func (d *Deliverer) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		Platform:        bridge.PlatformMatrix,
		ProxyIdentities: true,
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
		MaxAttachmentBytes: d.cfg.MaxAttachmentBytes(bridge.PlatformMatrix),
	}
}

// Deliver executes one translated payload in the destination room.
func (d *Deliverer) Deliver(ctx context.Context, dest bridge.ConvKey, proxyUserID string, msg *bridge.NormalizedMessage, tr *bridge.Translation) (string, error) {
	roomID := id.RoomID(dest.ID)
	client := d.clients.Bot()
	if proxyUserID != "" {
		var err error
		client, err = d.clients.Ghost(id.UserID(proxyUserID))
		if err != nil {
			return "", bridge.Permanent(err)
		}
	}

	eventID, err := d.deliverAs(ctx, client, roomID, msg, tr)
	if err != nil && errors.Is(err, mautrix.MForbidden) {
		// Not in the room yet, or kicked. Join and retry once.
		d.clients.forgetJoin(client.UserID, roomID)
		if joinErr := d.clients.EnsureJoined(ctx, client.UserID, roomID); joinErr != nil {
			return "", bridge.Permanent(fmt.Errorf("cannot join %s: %w", roomID, joinErr))
		}
		eventID, err = d.deliverAs(ctx, client, roomID, msg, tr)
	}
	if err != nil {
		return "", classifyError(err)
	}
	return eventID, nil
}

func (d *Deliverer) deliverAs(ctx context.Context, client *mautrix.Client, roomID id.RoomID, msg *bridge.NormalizedMessage, tr *bridge.Translation) (string, error) {
	if tr.Kind == bridge.KindRedact && tr.RedactsDestID != "" {
		resp, err := client.RedactEvent(ctx, roomID, id.EventID(tr.RedactsDestID), mautrix.ReqRedact{TxnID: txnID(msg)})
		if err != nil {
			return "", err
		}
		return string(resp.EventID), nil
	}

	content, err := d.buildContent(ctx, msg, tr)
	if err != nil {
		return "", err
	}
	resp, err := client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: txnID(msg)})
	if err != nil {
		return "", err
	}
	return string(resp.EventID), nil
}

func (d *Deliverer) buildContent(ctx context.Context, msg *bridge.NormalizedMessage, tr *bridge.Translation) (*event.MessageEventContent, error) {
	content := &event.MessageEventContent{
		MsgType: msgTypeFor(tr),
		Body:    tr.Body,
	}

	if tr.Kind == bridge.KindMedia && tr.Attachment != nil {
		uri, err := d.uploadAttachment(ctx, tr.Attachment)
		if err != nil {
			return nil, err
		}
		content.URL = uri.CUString()
		content.Body = tr.Attachment.FileName
		if content.Body == "" {
			content.Body = tr.Body
		}
		content.Info = &event.FileInfo{
			MimeType: tr.Attachment.MimeType,
			Size:     int(tr.Attachment.Size),
			Width:    tr.Attachment.Width,
			Height:   tr.Attachment.Height,
		}
	} else if html, ok := matrixfmt.Render(tr.Body, d.resolveMentions(tr.Spans)); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if tr.EditOfDestID != "" {
		content.SetEdit(id.EventID(tr.EditOfDestID))
	} else if tr.ReplyToDestID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(tr.ReplyToDestID)},
		}
	}
	return content, nil
}

// resolveMentions rewrites mention spans carrying a Telegram user ID to the
// ghost MXID representing that user here, so the rendered matrix.to link
// points at a real account.
func (d *Deliverer) resolveMentions(spans []bridge.Span) []bridge.Span {
	resolved := append([]bridge.Span(nil), spans...)
	for i, span := range resolved {
		if span.Type == bridge.SpanMention && !strings.HasPrefix(span.UserID, "@") {
			ghost := id.NewUserID(d.cfg.FormatGhostUsername(span.UserID), d.cfg.Homeserver.Domain)
			resolved[i].UserID = string(ghost)
		}
	}
	return resolved
}

func msgTypeFor(tr *bridge.Translation) event.MessageType {
	if tr.Kind == bridge.KindMedia && tr.Attachment != nil {
		switch tr.Attachment.Type {
		case bridge.AttachmentImage:
			return event.MsgImage
		case bridge.AttachmentVideo:
			return event.MsgVideo
		case bridge.AttachmentAudio:
			return event.MsgAudio
		default:
			return event.MsgFile
		}
	}
	switch {
	case tr.Kind == bridge.KindNotice || tr.Flavor == bridge.FlavorNotice:
		return event.MsgNotice
	case tr.Flavor == bridge.FlavorEmote:
		return event.MsgEmote
	default:
		return event.MsgText
	}
}

// uploadAttachment pulls the raw bytes from the source platform and reuploads
// them to the homeserver. The container is rewrapped, never re-encoded.
func (d *Deliverer) uploadAttachment(ctx context.Context, att *bridge.Attachment) (id.ContentURI, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.SourceURL, nil)
	if err != nil {
		return id.ContentURI{}, bridge.Permanent(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return id.ContentURI{}, bridge.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return id.ContentURI{}, bridge.Transient(err)
		}
		return id.ContentURI{}, bridge.Permanent(err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return id.ContentURI{}, bridge.Transient(err)
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	upload, err := d.clients.Bot().UploadBytes(ctx, data, mimeType)
	if err != nil {
		return id.ContentURI{}, classifyError(err)
	}
	return upload.ContentURI, nil
}

// Creator provisions Matrix rooms for Telegram chats. Room aliases carry the
// chat ID so a crashed run's room is found again instead of duplicated.
type Creator struct {
	cfg     *bridge.Config
	clients *ClientManager
	log     zerolog.Logger
}

// NewCreator wires the Matrix conversation creator.
func NewCreator(cfg *bridge.Config, clients *ClientManager, log zerolog.Logger) *Creator {
	return &Creator{
		cfg:     cfg,
		clients: clients,
		log:     log.With().Str("component", "matrix_creator").Logger(),
	}
}

func (c *Creator) Platform() bridge.Platform {
	return bridge.PlatformMatrix
}

// aliasLocalpart keeps the chat ID verbatim, sign included, so the alias
// maps back to exactly one chat.
func aliasLocalpart(chatID string) string {
	return "telegram_" + chatID
}

// ChatAlias returns the canonical room alias for a Telegram chat ID.
func (c *Creator) ChatAlias(chatID string) id.RoomAlias {
	return id.NewRoomAlias(aliasLocalpart(chatID), c.cfg.Homeserver.Domain)
}

// LookupExisting resolves the chat's canonical alias, adopting a room created
// by an earlier run whose link persistence failed.
func (c *Creator) LookupExisting(ctx context.Context, source bridge.ConvKey) (string, error) {
	resp, err := c.clients.Bot().ResolveAlias(ctx, c.ChatAlias(source.ID))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", nil
		}
		return "", classifyError(err)
	}
	return string(resp.RoomID), nil
}

// CreateConversation creates a room for the chat, aliased for recovery.
func (c *Creator) CreateConversation(ctx context.Context, source bridge.ConvKey, nameHint string) (string, error) {
	name := nameHint
	if name == "" {
		name = "Telegram chat " + source.ID
	}
	resp, err := c.clients.Bot().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:          name,
		Topic:         "Bridged Telegram chat",
		RoomAliasName: aliasLocalpart(source.ID),
		Preset:        "public_chat",
		Visibility:    "public",
	})
	if err != nil {
		return "", classifyError(err)
	}
	c.log.Info().
		Str("chat_id", source.ID).
		Str("room_id", resp.RoomID.String()).
		Msg("Created Matrix room for Telegram chat")
	return string(resp.RoomID), nil
}

// GhostCreator registers Matrix ghost users for Telegram senders.
type GhostCreator struct {
	cfg     *bridge.Config
	clients *ClientManager
	log     zerolog.Logger
}

// NewGhostCreator wires the Matrix proxy identity creator.
func NewGhostCreator(cfg *bridge.Config, clients *ClientManager, log zerolog.Logger) *GhostCreator {
	return &GhostCreator{
		cfg:     cfg,
		clients: clients,
		log:     log.With().Str("component", "matrix_ghosts").Logger(),
	}
}

func (g *GhostCreator) Platform() bridge.Platform {
	return bridge.PlatformMatrix
}

// GhostUserID returns the Matrix user ID a Telegram user's ghost will have.
func (g *GhostCreator) GhostUserID(sourceUserID string) id.UserID {
	return id.NewUserID(g.cfg.FormatGhostUsername(sourceUserID), g.cfg.Homeserver.Domain)
}

// IsGhost reports whether userID belongs to this bridge's ghost namespace or
// is the bot itself. Events from such users are never bridged back.
func (g *GhostCreator) IsGhost(userID id.UserID) bool {
	if userID == g.clients.BotUserID() {
		return true
	}
	localpart, domain, err := userID.Parse()
	if err != nil || domain != g.cfg.Homeserver.Domain {
		return false
	}
	// A rough namespace check: the template with its variable removed is the
	// static prefix every ghost shares.
	prefix := strings.Split(g.cfg.Appservice.GhostUsernameTemplate, "{{")[0]
	return prefix != "" && strings.HasPrefix(localpart, prefix)
}

// CreateProxy registers the ghost user. Already-registered ghosts are not an
// error; the homeserver answers M_USER_IN_USE and the existing account is
// reused.
func (g *GhostCreator) CreateProxy(ctx context.Context, source bridge.Platform, sourceUserID, displayName, avatarURL string) (string, error) {
	userID := g.GhostUserID(sourceUserID)
	localpart, _, err := userID.Parse()
	if err != nil {
		return "", bridge.Permanent(fmt.Errorf("invalid ghost user ID %s: %w", userID, err))
	}

	_, _, err = g.clients.Bot().Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return "", classifyError(err)
	}

	if displayName != "" || avatarURL != "" {
		if err := g.RefreshProfile(ctx, string(userID), displayName, avatarURL); err != nil {
			// The ghost exists; a failed profile set is cosmetic.
			g.log.Warn().Err(err).
				Str("user_id", userID.String()).
				Msg("Failed to set ghost profile")
		}
	}
	return string(userID), nil
}

// RefreshProfile updates the ghost's displayname and avatar from the source
// profile. An empty avatarURL leaves the current avatar in place.
func (g *GhostCreator) RefreshProfile(ctx context.Context, proxyUserID, displayName, avatarURL string) error {
	client, err := g.clients.Ghost(id.UserID(proxyUserID))
	if err != nil {
		return err
	}
	if displayName != "" {
		if err := client.SetDisplayName(ctx, g.cfg.FormatDisplayname(displayName)); err != nil {
			return classifyError(err)
		}
	}
	if avatarURL != "" {
		if err := g.setAvatar(ctx, client, avatarURL); err != nil {
			return err
		}
	}
	return nil
}

// setAvatar downloads the source profile picture and re-uploads it to the
// homeserver's media repository as the ghost's avatar.
func (g *GhostCreator) setAvatar(ctx context.Context, client *mautrix.Client, avatarURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return bridge.Permanent(fmt.Errorf("avatar request: %w", err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bridge.Transient(fmt.Errorf("fetch avatar: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bridge.Transientf("fetch avatar: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return bridge.Transient(fmt.Errorf("read avatar: %w", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	upload, err := client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return classifyError(err)
	}
	if err := client.SetAvatarURL(ctx, upload.ContentURI); err != nil {
		return classifyError(err)
	}
	return nil
}
