// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// countingCreator mints destination conversations and counts how often it
// was asked to.
type countingCreator struct {
	platform Platform
	existing string
	calls    atomic.Int64
}

func (c *countingCreator) Platform() Platform { return c.platform }

func (c *countingCreator) LookupExisting(ctx context.Context, source ConvKey) (string, error) {
	return c.existing, nil
}

func (c *countingCreator) CreateConversation(ctx context.Context, source ConvKey, nameHint string) (string, error) {
	n := c.calls.Add(1)
	return fmt.Sprintf("!created-%s-%d", source.ID, n), nil
}

func TestResolveConversationBothDirections(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.LinkConversation(ctx, "!room:example.com", "-100"); err != nil {
		t.Fatalf("link: %v", err)
	}

	dest, err := store.ResolveConversation(ctx, ConvKey{PlatformMatrix, "!room:example.com"})
	if err != nil {
		t.Fatalf("resolve from matrix: %v", err)
	}
	if dest.Platform != PlatformTelegram || dest.ID != "-100" {
		t.Errorf("matrix->telegram: got %s, want telegram:-100", dest)
	}

	dest, err = store.ResolveConversation(ctx, ConvKey{PlatformTelegram, "-100"})
	if err != nil {
		t.Fatalf("resolve from telegram: %v", err)
	}
	if dest.Platform != PlatformMatrix || dest.ID != "!room:example.com" {
		t.Errorf("telegram->matrix: got %s, want matrix:!room:example.com", dest)
	}
}

func TestResolveConversationUnlinked(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, err := store.ResolveConversation(context.Background(), ConvKey{PlatformMatrix, "!nowhere:example.com"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("got %v, want ErrConversationNotFound", err)
	}
}

func TestLinkReplacesEitherSide(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.LinkConversation(ctx, "!a:example.com", "-1"); err != nil {
		t.Fatalf("link a: %v", err)
	}
	// Relinking the same chat to a new room must displace the old row, not
	// violate the bijection.
	if err := store.LinkConversation(ctx, "!b:example.com", "-1"); err != nil {
		t.Fatalf("relink: %v", err)
	}

	if _, err := store.ResolveConversation(ctx, ConvKey{PlatformMatrix, "!a:example.com"}); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("stale link should be gone, got %v", err)
	}
	dest, err := store.ResolveConversation(ctx, ConvKey{PlatformTelegram, "-1"})
	if err != nil || dest.ID != "!b:example.com" {
		t.Errorf("chat should map to new room, got %v %v", dest, err)
	}
}

func TestUnlinkConversation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.LinkConversation(ctx, "!gone:example.com", "-2"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.UnlinkConversation(ctx, "!gone:example.com"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := store.ResolveConversation(ctx, ConvKey{PlatformTelegram, "-2"}); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("unlinked chat should not resolve, got %v", err)
	}
}

func TestResolveOrCreateConcurrentSingleCreation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	creator := &countingCreator{platform: PlatformMatrix}
	store.RegisterConversationCreator(creator)
	ctx := context.Background()
	source := ConvKey{PlatformTelegram, "-300"}

	const racers = 16
	results := make([]ConvKey, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dest, err := store.ResolveOrCreateConversation(ctx, source, "Race Chat")
			if err != nil {
				t.Errorf("racer %d: %v", i, err)
				return
			}
			results[i] = dest
		}()
	}
	wg.Wait()

	if got := creator.calls.Load(); got != 1 {
		t.Errorf("creator calls: got %d, want 1", got)
	}
	for i := 1; i < racers; i++ {
		if results[i] != results[0] {
			t.Errorf("racer %d got %s, racer 0 got %s", i, results[i], results[0])
		}
	}
}

func TestResolveOrCreateAdoptsExisting(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	creator := &countingCreator{platform: PlatformMatrix, existing: "!orphan:example.com"}
	store.RegisterConversationCreator(creator)
	ctx := context.Background()

	dest, err := store.ResolveOrCreateConversation(ctx, ConvKey{PlatformTelegram, "-400"}, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dest.ID != "!orphan:example.com" {
		t.Errorf("got %s, want adopted room", dest)
	}
	if got := creator.calls.Load(); got != 0 {
		t.Errorf("creator must not run when an orphan exists, calls %d", got)
	}
}

func TestResolveOrCreateWithoutCreator(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, err := store.ResolveOrCreateConversation(context.Background(), ConvKey{PlatformMatrix, "!x:example.com"}, "")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("got %v, want ErrConversationNotFound", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	ident, err := store.GetIdentity(ctx, PlatformTelegram, "42", PlatformMatrix)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ident != nil {
		t.Fatalf("missing identity should be nil, got %+v", ident)
	}

	put := &Identity{
		SourcePlatform: PlatformTelegram,
		SourceUserID:   "42",
		DestPlatform:   PlatformMatrix,
		ProxyUserID:    "@telegram_42:example.com",
		DisplayName:    "Alice",
		AvatarURL:      "https://example.com/avatar.jpg",
		LastSyncedAt:   time.Now(),
	}
	if err := store.PutIdentity(ctx, put); err != nil {
		t.Fatalf("put: %v", err)
	}

	ident, err = store.GetIdentity(ctx, PlatformTelegram, "42", PlatformMatrix)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ident.ProxyUserID != put.ProxyUserID || ident.DisplayName != "Alice" {
		t.Errorf("round trip: got %+v", ident)
	}
	if ident.AvatarURL != "https://example.com/avatar.jpg" {
		t.Errorf("avatar url: got %q", ident.AvatarURL)
	}

	// Upsert updates the display name without duplicating the row.
	put.DisplayName = "Alice Renamed"
	if err := store.PutIdentity(ctx, put); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ident, _ = store.GetIdentity(ctx, PlatformTelegram, "42", PlatformMatrix)
	if ident.DisplayName != "Alice Renamed" {
		t.Errorf("upsert display name: got %q", ident.DisplayName)
	}
}

func TestMessageMapBothDirections(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	msg := &NormalizedMessage{
		Kind:           KindText,
		SourcePlatform: PlatformTelegram,
		SourceEventID:  "-100:17",
		ConversationID: "-100",
		SenderName:     "Alice",
		Body:           "hi",
	}
	dest := ConvKey{PlatformMatrix, "!room:example.com"}
	if err := store.RecordMessage(ctx, msg, dest, "$evt17"); err != nil {
		t.Fatalf("record: %v", err)
	}

	mapped, ok, err := store.MapEvent(ctx, PlatformTelegram, "-100:17")
	if err != nil || !ok || mapped != "$evt17" {
		t.Errorf("source->dest: got %q %v %v", mapped, ok, err)
	}
	mapped, ok, err = store.MapEvent(ctx, PlatformMatrix, "$evt17")
	if err != nil || !ok || mapped != "-100:17" {
		t.Errorf("dest->source: got %q %v %v", mapped, ok, err)
	}
	_, ok, err = store.MapEvent(ctx, PlatformMatrix, "$unknown")
	if err != nil || ok {
		t.Errorf("unknown event: got ok=%v err=%v", ok, err)
	}

	delivered, err := store.IsDelivered(ctx, PlatformTelegram, "-100:17")
	if err != nil || !delivered {
		t.Errorf("delivered: got %v %v", delivered, err)
	}

	// Replays are absorbed, not errors.
	if err := store.RecordMessage(ctx, msg, dest, "$other"); err != nil {
		t.Fatalf("replay record: %v", err)
	}
	mapped, _, _ = store.MapEvent(ctx, PlatformTelegram, "-100:17")
	if mapped != "$evt17" {
		t.Errorf("replay must not overwrite, got %q", mapped)
	}
}
