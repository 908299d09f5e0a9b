// Copyright 2024-2026 Aiku AI

// Package appservice implements the Matrix side of the bridge: the
// application service HTTP endpoints the homeserver pushes events to, the
// event normalizer, and the room, ghost and delivery plumbing built on the
// mautrix client.
package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/telebridge/pkg/bridge"
)

// Service is the appservice HTTP listener. The homeserver pushes batches of
// events to the transaction endpoint; admitted events are normalized and
// handed to the relay engine before the transaction is acknowledged.
type Service struct {
	cfg     *bridge.Config
	log     zerolog.Logger
	engine  *bridge.Engine
	store   *bridge.Store
	cursor  *bridge.CursorTracker
	clients *ClientManager
	ghosts  *GhostCreator
	creator *Creator

	server *http.Server

	profileMu sync.Mutex
	profiles  map[id.UserID]string
}

// NewService assembles the appservice endpoints.
func NewService(cfg *bridge.Config, engine *bridge.Engine, store *bridge.Store, cursor *bridge.CursorTracker, clients *ClientManager, ghosts *GhostCreator, creator *Creator, log zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		log:      log.With().Str("component", "appservice").Logger(),
		engine:   engine,
		store:    store,
		cursor:   cursor,
		clients:  clients,
		ghosts:   ghosts,
		creator:  creator,
		profiles: make(map[id.UserID]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	mux.HandleFunc("PUT /transactions/{txnID}", s.handleTransaction)
	mux.HandleFunc("GET /_matrix/app/v1/rooms/{alias}", s.handleRoomQuery)
	mux.HandleFunc("GET /rooms/{alias}", s.handleRoomQuery)
	mux.HandleFunc("GET /_matrix/app/v1/users/{userID}", s.handleUserQuery)
	mux.HandleFunc("GET /users/{userID}", s.handleUserQuery)

	s.server = &http.Server{
		Addr:         cfg.Appservice.ListenAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving. It returns once the listener stops.
func (s *Service) Start() error {
	s.log.Info().Str("address", s.cfg.Appservice.ListenAddress).Msg("Appservice listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Service) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	return token == s.cfg.Appservice.HSToken
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, errcode, message string) {
	respondJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}

type transactionBody struct {
	Events []*event.Event `json:"events"`
}

// handleTransaction is the homeserver push endpoint. The same transaction ID
// may be retried by the homeserver; a transaction is sealed only after every
// admitted event is enqueued, so a crash or transient failure in between
// keeps the replay path open and the engine's per-event dedup absorbs the
// already enqueued prefix. Malformed events are skipped without failing the
// batch; a transient enqueue failure returns 500 so the homeserver resends.
func (s *Service) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "bad hs_token")
		return
	}
	txnID := r.PathValue("txnID")

	var body transactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction body")
		return
	}

	ids := make([]string, 0, len(body.Events))
	for _, evt := range body.Events {
		if evt == nil {
			continue
		}
		ids = append(ids, string(evt.ID))
	}
	admitted, err := s.cursor.AdmitTransaction(r.Context(), bridge.PlatformMatrix, txnID, ids)
	if err != nil {
		s.log.Error().Err(err).Str("txn_id", txnID).Msg("Transaction admission failed")
		respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "admission failed")
		return
	}
	admittedSet := make(map[string]bool, len(admitted))
	for _, eventID := range admitted {
		admittedSet[eventID] = true
	}

	for _, evt := range body.Events {
		if evt == nil || !admittedSet[string(evt.ID)] {
			continue
		}
		if err := s.handleEvent(r.Context(), evt); err != nil {
			respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "event not enqueued")
			return
		}
	}
	if err := s.cursor.RecordTransaction(r.Context(), bridge.PlatformMatrix, txnID); err != nil {
		// The events are enqueued; a replay of this transaction is absorbed
		// by the per-event filters.
		s.log.Error().Err(err).Str("txn_id", txnID).Msg("Failed to record transaction")
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// handleEvent routes one admitted event. Malformed and unbridgeable events
// are logged and consumed; only a transient enqueue failure returns an
// error, which fails the transaction so the homeserver redelivers it.
func (s *Service) handleEvent(ctx context.Context, evt *event.Event) error {
	log := s.log.With().
		Str("event_id", string(evt.ID)).
		Str("room_id", string(evt.RoomID)).
		Str("type", evt.Type.Type).
		Logger()

	if s.ghosts.IsGhost(evt.Sender) {
		// Our own echo coming back from the homeserver.
		return nil
	}

	// The wire format does not carry the type class; restore it so the
	// content parser registry finds the right parser.
	if evt.StateKey != nil {
		evt.Type.Class = event.StateEventType
	} else {
		evt.Type.Class = event.MessageEventType
	}

	var err error
	switch evt.Type.Type {
	case "m.room.aliases":
		// No content parser is registered for this type; it is handled
		// straight from the raw JSON.
		err = s.handleAliases(ctx, evt)
	case event.EventMessage.Type, event.EventRedaction.Type, event.StateMember.Type:
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			log.Warn().Err(err).Msg("Skipping unparseable event")
			return nil
		}
		switch evt.Type.Type {
		case event.EventMessage.Type:
			err = s.handleMessage(ctx, evt)
		case event.EventRedaction.Type:
			err = s.handleRedaction(ctx, evt)
		default:
			err = s.handleMembership(ctx, evt)
		}
	default:
		return nil
	}

	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrConversationNotFound):
		log.Debug().Msg("Room not linked, event not bridged")
	case errors.Is(err, bridge.ErrUpstreamProtocol):
		log.Warn().Err(err).Msg("Skipping malformed event")
	case bridge.IsPermanent(err):
		log.Error().Err(err).Msg("Dropping unbridgeable event")
	default:
		log.Error().Err(err).Msg("Failed to enqueue event")
		return err
	}
	return nil
}

func (s *Service) handleMessage(ctx context.Context, evt *event.Event) error {
	msg, err := s.normalizeMessage(ctx, evt)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return s.engine.Enqueue(ctx, msg)
}

func (s *Service) handleRedaction(ctx context.Context, evt *event.Event) error {
	if evt.Redacts == "" {
		return nil
	}
	return s.engine.Enqueue(ctx, &bridge.NormalizedMessage{
		Kind:           bridge.KindRedact,
		SourcePlatform: bridge.PlatformMatrix,
		SourceEventID:  string(evt.ID),
		ConversationID: string(evt.RoomID),
		SenderID:       string(evt.Sender),
		SenderName:     s.displayname(ctx, evt.Sender),
		RedactsEventID: string(evt.Redacts),
		SentAt:         time.UnixMilli(evt.Timestamp),
	})
}

// handleMembership relays joins, leaves and bans as notices so the other
// side stays aware of who is in the room.
func (s *Service) handleMembership(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return nil
	}
	target := id.UserID(*evt.StateKey)
	if s.ghosts.IsGhost(target) {
		return nil
	}

	name := content.Displayname
	if name == "" {
		name = localpart(target)
	}
	var body string
	switch content.Membership {
	case event.MembershipJoin:
		body = "> " + name + " has joined the room"
	case event.MembershipLeave:
		body = "< " + name + " has left the room"
	case event.MembershipBan:
		body = "<! " + name + " was banned from the room"
	default:
		return nil
	}

	return s.engine.Enqueue(ctx, &bridge.NormalizedMessage{
		Kind:           bridge.KindNotice,
		SourcePlatform: bridge.PlatformMatrix,
		SourceEventID:  string(evt.ID),
		ConversationID: string(evt.RoomID),
		SenderID:       string(evt.Sender),
		Body:           body,
		SentAt:         time.UnixMilli(evt.Timestamp),
	})
}

// handleAliases manages chat links: publishing the chat's canonical alias on
// a room links it, removing the alias unlinks it.
func (s *Service) handleAliases(ctx context.Context, evt *event.Event) error {
	var content struct {
		Aliases []string `json:"aliases"`
	}
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return fmt.Errorf("%w: bad aliases content: %v", bridge.ErrUpstreamProtocol, err)
	}

	chatID, found := s.matchChatAlias(content.Aliases)
	if !found {
		return s.store.UnlinkConversation(ctx, string(evt.RoomID))
	}
	return s.store.LinkConversation(ctx, string(evt.RoomID), chatID)
}

// matchChatAlias scans a room's aliases for the bridge namespace and returns
// the referenced chat ID.
func (s *Service) matchChatAlias(aliases []string) (string, bool) {
	suffix := ":" + s.cfg.Homeserver.Domain
	for _, alias := range aliases {
		local, ok := strings.CutSuffix(alias, suffix)
		if !ok {
			continue
		}
		local = strings.TrimPrefix(local, "#")
		chatID, ok := strings.CutPrefix(local, "telegram_")
		if !ok {
			continue
		}
		if _, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			return chatID, true
		}
	}
	return "", false
}

// handleRoomQuery serves homeserver alias lookups in the bridge namespace by
// provisioning the room on demand.
func (s *Service) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "bad hs_token")
		return
	}
	chatID, ok := s.matchChatAlias([]string{r.PathValue("alias")})
	if !ok {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "alias not in bridge namespace")
		return
	}
	source := bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: chatID}
	if _, err := s.store.ResolveOrCreateConversation(r.Context(), source, ""); err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Msg("Alias query could not provision room")
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "cannot provision room")
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// handleUserQuery serves homeserver lookups of ghost users by registering
// the ghost on demand.
func (s *Service) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "bad hs_token")
		return
	}
	userID := id.UserID(r.PathValue("userID"))
	if !s.ghosts.IsGhost(userID) || userID == s.clients.BotUserID() {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "not a bridge user")
		return
	}
	prefix := strings.Split(s.cfg.Appservice.GhostUsernameTemplate, "{{")[0]
	telegramID := strings.TrimPrefix(localpart(userID), prefix)
	if _, err := s.ghosts.CreateProxy(r.Context(), bridge.PlatformTelegram, telegramID, "", ""); err != nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "cannot register ghost")
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// displayname resolves a Matrix user's profile name, cached per user for the
// life of the process. A failed lookup falls back to the localpart.
func (s *Service) displayname(ctx context.Context, userID id.UserID) string {
	s.profileMu.Lock()
	cached, ok := s.profiles[userID]
	s.profileMu.Unlock()
	if ok {
		return cached
	}

	name := localpart(userID)
	if profile, err := s.clients.Bot().GetProfile(ctx, userID); err == nil && profile.DisplayName != "" {
		name = profile.DisplayName
	}
	s.profileMu.Lock()
	s.profiles[userID] = name
	s.profileMu.Unlock()
	return name
}

func localpart(userID id.UserID) string {
	local, _, err := userID.Parse()
	if err != nil {
		return string(userID)
	}
	return local
}
