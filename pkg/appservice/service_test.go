// Copyright 2024-2026 Aiku AI

package appservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telebridge/pkg/bridge"
)

const testHSToken = "hs-secret"

// fakeHomeserver answers the minimal client-server API surface the bridge
// touches during these tests.
func fakeHomeserver(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/profile/{userID}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"displayname": "Alice"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/directory/room/{alias}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "alias not found"})
	})
	mux.HandleFunc("POST /_matrix/client/v3/createRoom", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!created:example.com"})
	})
	mux.HandleFunc("POST /_matrix/client/v3/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@telegram_42:example.com"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(struct{}{})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// recordingDeliverer stands in for the Telegram side.
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []bridge.Translation
}

func (r *recordingDeliverer) Platform() bridge.Platform { return bridge.PlatformTelegram }

func (r *recordingDeliverer) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		Platform:    bridge.PlatformTelegram,
		InlineEdit:  true,
		Redact:      true,
		NativeReply: true,
		Spans:       map[bridge.SpanType]bool{bridge.SpanBold: true, bridge.SpanItalic: true},
	}
}

func (r *recordingDeliverer) Deliver(ctx context.Context, dest bridge.ConvKey, proxyUserID string, msg *bridge.NormalizedMessage, tr *bridge.Translation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, *tr)
	return fmt.Sprintf("-100:%d", len(r.delivered)), nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func (r *recordingDeliverer) last() bridge.Translation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[len(r.delivered)-1]
}

type testFixture struct {
	service   *Service
	store     *bridge.Store
	deliverer *recordingDeliverer
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	hs := fakeHomeserver(t)

	cfg := &bridge.Config{}
	cfg.Homeserver.Address = hs.URL
	cfg.Homeserver.Domain = "example.com"
	cfg.Appservice.HSToken = testHSToken
	cfg.Appservice.ASToken = "as-secret"
	cfg.Telegram.Token = "123:abc"
	cfg.Database.Path = filepath.Join(t.TempDir(), "bridge.db")
	cfg.Relay.MaxAttempts = 2
	cfg.Relay.RetryBaseSeconds = 0.001
	cfg.Relay.RetryMaxSeconds = 0.01
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("config: %v", err)
	}

	store, err := bridge.OpenStore(cfg.Database.Path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cursor := bridge.NewCursorTracker(store.DB(), zerolog.Nop())

	clients, err := NewClientManager(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("client manager: %v", err)
	}
	ghosts := NewGhostCreator(cfg, clients, zerolog.Nop())
	creator := NewCreator(cfg, clients, zerolog.Nop())
	store.RegisterConversationCreator(creator)

	provisioner := bridge.NewProvisioner(store, time.Hour, zerolog.Nop())
	provisioner.RegisterCreator(ghosts)

	engine := bridge.NewEngine(cfg.Relay, store, provisioner, zerolog.Nop())
	deliverer := &recordingDeliverer{}
	engine.RegisterDeliverer(deliverer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	if err := store.LinkConversation(ctx, "!room:example.com", "-100"); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	return &testFixture{
		service:   NewService(cfg, engine, store, cursor, clients, ghosts, creator, zerolog.Nop()),
		store:     store,
		deliverer: deliverer,
	}
}

func (f *testFixture) putTransaction(t *testing.T, txnID, token string, events ...string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"events":[` + strings.Join(events, ",") + `]}`
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/"+txnID, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.service.Handler().ServeHTTP(rec, req)
	return rec
}

func messageEvent(eventID, body string) string {
	return fmt.Sprintf(`{
		"type": "m.room.message",
		"event_id": %q,
		"room_id": "!room:example.com",
		"sender": "@alice:example.com",
		"origin_server_ts": 1700000000000,
		"content": {"msgtype": "m.text", "body": %q}
	}`, eventID, body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransactionRequiresToken(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	rec := f.putTransaction(t, "t1", "", messageEvent("$e1", "hi"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("no token: got %d, want 403", rec.Code)
	}
	rec = f.putTransaction(t, "t1", "wrong", messageEvent("$e1", "hi"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token: got %d, want 403", rec.Code)
	}
}

func TestTransactionBridgesMessage(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	rec := f.putTransaction(t, "t1", testHSToken, messageEvent("$e1", "hello telegram"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body)
	}
	waitFor(t, "delivery", func() bool { return f.deliverer.count() == 1 })

	tr := f.deliverer.last()
	// Telegram hosts no proxies, so the sender is named in the body.
	if tr.Body != "<Alice> hello telegram" {
		t.Errorf("body: got %q", tr.Body)
	}
}

func TestTransactionReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	f.putTransaction(t, "t1", testHSToken, messageEvent("$e1", "once"))
	waitFor(t, "delivery", func() bool { return f.deliverer.count() == 1 })

	rec := f.putTransaction(t, "t1", testHSToken, messageEvent("$e1", "once"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status: got %d", rec.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.deliverer.count(); got != 1 {
		t.Errorf("deliveries after replay: got %d, want 1", got)
	}
}

func TestTransactionSkipsMalformedEvent(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	broken := `{
		"type": "m.room.message",
		"event_id": "$broken",
		"room_id": "!room:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.image", "body": "pic", "url": "not-an-mxc-url"}
	}`
	rec := f.putTransaction(t, "t1", testHSToken, broken, messageEvent("$good", "survivor"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	waitFor(t, "good event delivery", func() bool { return f.deliverer.count() == 1 })
	if !strings.Contains(f.deliverer.last().Body, "survivor") {
		t.Errorf("wrong event delivered: %q", f.deliverer.last().Body)
	}
}

func TestTransactionNullEventSkipped(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	rec := f.putTransaction(t, "t1", testHSToken, "null", messageEvent("$good", "alive"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body)
	}
	waitFor(t, "good event delivery", func() bool { return f.deliverer.count() == 1 })
	if !strings.Contains(f.deliverer.last().Body, "alive") {
		t.Errorf("wrong event delivered: %q", f.deliverer.last().Body)
	}
}

// flakyChatCreator fails conversation provisioning a scripted number of
// times before succeeding, standing in for a destination outage during
// lazy room linking.
type flakyChatCreator struct {
	mu    sync.Mutex
	fails int
}

func (c *flakyChatCreator) Platform() bridge.Platform { return bridge.PlatformTelegram }

func (c *flakyChatCreator) LookupExisting(ctx context.Context, source bridge.ConvKey) (string, error) {
	return "", nil
}

func (c *flakyChatCreator) CreateConversation(ctx context.Context, source bridge.ConvKey, nameHint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return "", bridge.Transientf("destination unavailable")
	}
	return "-777", nil
}

func TestTransactionNotAckedOnTransientFailure(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)
	f.store.RegisterConversationCreator(&flakyChatCreator{fails: 1})

	evt := strings.Replace(messageEvent("$e1", "survives the outage"), "!room:example.com", "!burst:example.com", 1)
	rec := f.putTransaction(t, "t1", testHSToken, evt)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status during outage: got %d, want 500", rec.Code)
	}
	if got := f.deliverer.count(); got != 0 {
		t.Fatalf("deliveries during outage: got %d, want 0", got)
	}

	// The non-200 makes the homeserver resend the transaction; the unsealed
	// ID must admit the event again.
	rec = f.putTransaction(t, "t1", testHSToken, evt)
	if rec.Code != http.StatusOK {
		t.Fatalf("resend status: got %d body %s", rec.Code, rec.Body)
	}
	waitFor(t, "delivery after resend", func() bool { return f.deliverer.count() == 1 })
	if !strings.Contains(f.deliverer.last().Body, "survives the outage") {
		t.Errorf("delivered body: %q", f.deliverer.last().Body)
	}
}

func TestTransactionUnlinkedRoomIgnored(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	evt := strings.Replace(messageEvent("$e1", "void"), "!room:example.com", "!stranger:example.com", 1)
	rec := f.putTransaction(t, "t1", testHSToken, evt)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.deliverer.count(); got != 0 {
		t.Errorf("deliveries: got %d, want 0", got)
	}
}

func TestAliasEventManagesLinks(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)
	ctx := context.Background()

	aliasEvent := `{
		"type": "m.room.aliases",
		"event_id": "$alias1",
		"room_id": "!fresh:example.com",
		"sender": "@alice:example.com",
		"state_key": "example.com",
		"content": {"aliases": ["#telegram_-200:example.com"]}
	}`
	rec := f.putTransaction(t, "t1", testHSToken, aliasEvent)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	dest, err := f.store.ResolveConversation(ctx, bridge.ConvKey{Platform: bridge.PlatformMatrix, ID: "!fresh:example.com"})
	if err != nil {
		t.Fatalf("resolve after alias: %v", err)
	}
	if dest.ID != "-200" {
		t.Errorf("linked chat: got %s, want -200", dest.ID)
	}

	// Removing the alias unlinks.
	removed := strings.Replace(aliasEvent, `["#telegram_-200:example.com"]`, `[]`, 1)
	removed = strings.Replace(removed, "$alias1", "$alias2", 1)
	f.putTransaction(t, "t2", testHSToken, removed)

	if _, err := f.store.ResolveConversation(ctx, bridge.ConvKey{Platform: bridge.PlatformMatrix, ID: "!fresh:example.com"}); err == nil {
		t.Error("room should be unlinked after alias removal")
	}
}

func TestRoomQueryProvisionsRoom(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/rooms/%23telegram_-300:example.com", nil)
	req.Header.Set("Authorization", "Bearer "+testHSToken)
	rec := httptest.NewRecorder()
	f.service.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body)
	}

	dest, err := f.store.ResolveConversation(context.Background(), bridge.ConvKey{Platform: bridge.PlatformTelegram, ID: "-300"})
	if err != nil {
		t.Fatalf("resolve after query: %v", err)
	}
	if dest.ID != "!created:example.com" {
		t.Errorf("provisioned room: got %s", dest.ID)
	}
}

func TestRoomQueryOutsideNamespace(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/rooms/%23other:example.com", nil)
	req.Header.Set("Authorization", "Bearer "+testHSToken)
	rec := httptest.NewRecorder()
	f.service.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

func TestMembershipBecomesNotice(t *testing.T) {
	t.Parallel()
	f := newTestFixture(t)

	joinEvent := `{
		"type": "m.room.member",
		"event_id": "$join1",
		"room_id": "!room:example.com",
		"sender": "@bob:example.com",
		"state_key": "@bob:example.com",
		"origin_server_ts": 1700000000000,
		"content": {"membership": "join", "displayname": "Bob"}
	}`
	rec := f.putTransaction(t, "t1", testHSToken, joinEvent)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	waitFor(t, "notice delivery", func() bool { return f.deliverer.count() == 1 })

	tr := f.deliverer.last()
	if tr.Kind != bridge.KindNotice {
		t.Errorf("kind: got %s, want notice", tr.Kind)
	}
	if tr.Body != "> Bob has joined the room" {
		t.Errorf("body: got %q", tr.Body)
	}
}

func TestParseReplyFallback(t *testing.T) {
	t.Parallel()
	name, quoted := parseReplyFallback("> <@bob:example.com> first\n> second\n\nactual reply")
	if name != "bob" {
		t.Errorf("name: got %q, want %q", name, "bob")
	}
	if quoted != "first\nsecond" {
		t.Errorf("quoted: got %q", quoted)
	}

	name, quoted = parseReplyFallback("no fallback here")
	if name != "" || quoted != "" {
		t.Errorf("plain body: got %q %q", name, quoted)
	}
}

func TestTxnIDDeterministic(t *testing.T) {
	t.Parallel()
	msg := &bridge.NormalizedMessage{SourcePlatform: bridge.PlatformTelegram, SourceEventID: "-1:5"}
	if txnID(msg) != txnID(msg) {
		t.Error("transaction ID must be stable across retries")
	}
	other := &bridge.NormalizedMessage{SourcePlatform: bridge.PlatformTelegram, SourceEventID: "-1:6"}
	if txnID(msg) == txnID(other) {
		t.Error("distinct events must get distinct transaction IDs")
	}
}
