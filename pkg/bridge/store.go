// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_links (
    matrix_room_id   TEXT NOT NULL UNIQUE,
    telegram_chat_id TEXT NOT NULL UNIQUE,
    status           TEXT NOT NULL DEFAULT 'active',
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_links (
    source_platform TEXT NOT NULL,
    source_user_id  TEXT NOT NULL,
    dest_platform   TEXT NOT NULL,
    proxy_user_id   TEXT NOT NULL,
    display_name    TEXT NOT NULL DEFAULT '',
    avatar_url      TEXT NOT NULL DEFAULT '',
    last_synced_at  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (source_platform, source_user_id, dest_platform),
    UNIQUE (dest_platform, proxy_user_id)
);

CREATE TABLE IF NOT EXISTS messages (
    source_platform TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    dest_platform   TEXT NOT NULL,
    dest_event_id   TEXT NOT NULL,
    dest_conv_id    TEXT NOT NULL,
    sender_name     TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (source_platform, source_event_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_dest ON messages (dest_platform, dest_event_id);

CREATE TABLE IF NOT EXISTS inbound_cursors (
    platform   TEXT PRIMARY KEY,
    cursor     TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS admitted_transactions (
    platform    TEXT NOT NULL,
    txn_id      TEXT NOT NULL,
    admitted_at INTEGER NOT NULL,
    PRIMARY KEY (platform, txn_id)
);

CREATE TABLE IF NOT EXISTS outbound_tasks (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source_platform TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    dest_platform   TEXT NOT NULL,
    dest_conv_id    TEXT NOT NULL,
    message         BLOB NOT NULL,
    state           TEXT NOT NULL,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE (source_platform, source_event_id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source_platform TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    dest_platform   TEXT NOT NULL,
    dest_conv_id    TEXT NOT NULL,
    message         BLOB NOT NULL,
    reason          TEXT NOT NULL,
    attempt_count   INTEGER NOT NULL,
    failed_at       INTEGER NOT NULL
);
`

// ConversationCreator provisions a conversation on one platform for a
// source-side conversation on the other. LookupExisting checks remote state
// for a resource created by an earlier run whose persistence failed, so the
// store never duplicates a half-created conversation.
type ConversationCreator interface {
	Platform() Platform
	LookupExisting(ctx context.Context, source ConvKey) (string, error)
	CreateConversation(ctx context.Context, source ConvKey, nameHint string) (string, error)
}

// Store is the persistent bidirectional registry of conversation and
// identity correspondences, plus the per-message event ID map backing reply
// and edit resolution. All writes to its tables go through it.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	creatorsMu sync.RWMutex
	creators   map[Platform]ConversationCreator

	convLocks keyedMutex
}

// OpenStore opens (creating if needed) the bridge database.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &ConfigError{Field: "database.path", Err: fmt.Errorf("required")}
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:       db,
		log:      log.With().Str("component", "store").Logger(),
		creators: make(map[Platform]ConversationCreator),
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for sibling components (cursor tracker) that own
// their own tables in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RegisterConversationCreator wires the platform-side provisioner used by
// ResolveOrCreateConversation.
func (s *Store) RegisterConversationCreator(c ConversationCreator) {
	s.creatorsMu.Lock()
	defer s.creatorsMu.Unlock()
	s.creators[c.Platform()] = c
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// linkColumns returns the (source, dest) column names for a lookup from the
// given source platform.
func linkColumns(source Platform) (string, string) {
	if source == PlatformMatrix {
		return "matrix_room_id", "telegram_chat_id"
	}
	return "telegram_chat_id", "matrix_room_id"
}

// ResolveConversation returns the destination conversation linked to source,
// or ErrConversationNotFound.
func (s *Store) ResolveConversation(ctx context.Context, source ConvKey) (ConvKey, error) {
	srcCol, destCol := linkColumns(source.Platform)
	var destID string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM chat_links WHERE %s = ? AND status = 'active'`, destCol, srcCol),
		source.ID,
	).Scan(&destID)
	if errors.Is(err, sql.ErrNoRows) {
		return ConvKey{}, fmt.Errorf("%w: %s", ErrConversationNotFound, source)
	}
	if err != nil {
		return ConvKey{}, fmt.Errorf("resolve conversation: %w", err)
	}
	return ConvKey{Platform: source.Platform.Other(), ID: destID}, nil
}

// ResolveOrCreateConversation returns the destination conversation for
// source, provisioning one on the destination platform when no link exists.
// Concurrent callers for the same source key serialize on a per-key lock;
// the loser of a creation race observes and reuses the winner's row.
func (s *Store) ResolveOrCreateConversation(ctx context.Context, source ConvKey, nameHint string) (ConvKey, error) {
	if dest, err := s.ResolveConversation(ctx, source); err == nil {
		return dest, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return ConvKey{}, err
	}

	unlock := s.convLocks.Lock(source.String())
	defer unlock()

	// Re-check under the lock: a racing caller may have created the link.
	if dest, err := s.ResolveConversation(ctx, source); err == nil {
		return dest, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return ConvKey{}, err
	}

	s.creatorsMu.RLock()
	creator := s.creators[source.Platform.Other()]
	s.creatorsMu.RUnlock()
	if creator == nil {
		return ConvKey{}, fmt.Errorf("%w: %s", ErrConversationNotFound, source)
	}

	// Adopt a remote conversation left over from a run that crashed between
	// remote creation and persistence.
	destID, err := creator.LookupExisting(ctx, source)
	if err != nil {
		return ConvKey{}, fmt.Errorf("lookup existing conversation: %w", err)
	}
	if destID == "" {
		destID, err = creator.CreateConversation(ctx, source, nameHint)
		if errors.Is(err, ErrCreateUnsupported) {
			return ConvKey{}, fmt.Errorf("%w: %s", ErrConversationNotFound, source)
		}
		if err != nil {
			return ConvKey{}, fmt.Errorf("create conversation: %w", err)
		}
		s.log.Info().
			Str("source", source.String()).
			Str("dest_id", destID).
			Msg("Provisioned destination conversation")
	} else {
		s.log.Info().
			Str("source", source.String()).
			Str("dest_id", destID).
			Msg("Adopted existing destination conversation")
	}

	dest := ConvKey{Platform: source.Platform.Other(), ID: destID}
	if err := s.insertLink(ctx, source, dest); err != nil {
		if isUniqueViolation(err) {
			// Raced with another writer; reuse the winner's link.
			return s.ResolveConversation(ctx, source)
		}
		return ConvKey{}, fmt.Errorf("persist conversation link: %w", err)
	}
	return dest, nil
}

func (s *Store) insertLink(ctx context.Context, a, b ConvKey) error {
	matrixID, telegramID := a.ID, b.ID
	if a.Platform != PlatformMatrix {
		matrixID, telegramID = b.ID, a.ID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_links (matrix_room_id, telegram_chat_id, status, created_at) VALUES (?, ?, 'active', ?)`,
		matrixID, telegramID, time.Now().UnixMilli(),
	)
	return err
}

// LinkConversation records an explicit link between a Matrix room and a
// Telegram chat, replacing any previous link involving either side.
func (s *Store) LinkConversation(ctx context.Context, matrixRoomID, telegramChatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_links WHERE matrix_room_id = ? OR telegram_chat_id = ?`,
		matrixRoomID, telegramChatID,
	); err != nil {
		return fmt.Errorf("clear stale links: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_links (matrix_room_id, telegram_chat_id, status, created_at) VALUES (?, ?, 'active', ?)`,
		matrixRoomID, telegramChatID, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link: %w", err)
	}
	s.log.Info().
		Str("matrix_room_id", matrixRoomID).
		Str("telegram_chat_id", telegramChatID).
		Msg("Linked conversation")
	return nil
}

// UnlinkConversation removes the link for a Matrix room. Links are only ever
// destroyed through this explicit path.
func (s *Store) UnlinkConversation(ctx context.Context, matrixRoomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_links WHERE matrix_room_id = ?`, matrixRoomID)
	if err != nil {
		return fmt.Errorf("unlink conversation: %w", err)
	}
	s.log.Info().Str("matrix_room_id", matrixRoomID).Msg("Unlinked conversation")
	return nil
}

// Identity holds one proxy identity record.
type Identity struct {
	SourcePlatform Platform
	SourceUserID   string
	DestPlatform   Platform
	ProxyUserID    string
	DisplayName    string
	// AvatarURL is the source-platform profile picture last synced onto the
	// proxy identity.
	AvatarURL    string
	LastSyncedAt time.Time
}

// GetIdentity looks up the proxy identity for a source user on a destination
// platform. Returns nil when none exists.
func (s *Store) GetIdentity(ctx context.Context, source Platform, sourceUserID string, dest Platform) (*Identity, error) {
	var ident Identity
	var synced int64
	err := s.db.QueryRowContext(ctx,
		`SELECT proxy_user_id, display_name, avatar_url, last_synced_at FROM identity_links
		 WHERE source_platform = ? AND source_user_id = ? AND dest_platform = ?`,
		string(source), sourceUserID, string(dest),
	).Scan(&ident.ProxyUserID, &ident.DisplayName, &ident.AvatarURL, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	ident.SourcePlatform = source
	ident.SourceUserID = sourceUserID
	ident.DestPlatform = dest
	ident.LastSyncedAt = time.UnixMilli(synced)
	return &ident, nil
}

// PutIdentity upserts a proxy identity record.
func (s *Store) PutIdentity(ctx context.Context, ident *Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_links (source_platform, source_user_id, dest_platform, proxy_user_id, display_name, avatar_url, last_synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_platform, source_user_id, dest_platform)
		 DO UPDATE SET display_name = excluded.display_name, avatar_url = excluded.avatar_url, last_synced_at = excluded.last_synced_at`,
		string(ident.SourcePlatform), ident.SourceUserID, string(ident.DestPlatform),
		ident.ProxyUserID, ident.DisplayName, ident.AvatarURL, ident.LastSyncedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// RecordMessage persists the correspondence between a delivered message's
// source and destination event IDs. Replays of an already recorded source
// event are ignored.
func (s *Store) RecordMessage(ctx context.Context, msg *NormalizedMessage, dest ConvKey, destEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (source_platform, source_event_id, dest_platform, dest_event_id, dest_conv_id, sender_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(msg.SourcePlatform), msg.SourceEventID,
		string(dest.Platform), destEventID, dest.ID,
		msg.SenderName, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// IsDelivered reports whether a source event already has a recorded
// destination counterpart.
func (s *Store) IsDelivered(ctx context.Context, source Platform, sourceEventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE source_platform = ? AND source_event_id = ?`,
		string(source), sourceEventID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return true, nil
}

// MapEvent translates an event ID on platform `from` to its counterpart on
// the other platform, regardless of which side the message originated on.
// The second return is false when the event was never bridged.
func (s *Store) MapEvent(ctx context.Context, from Platform, eventID string) (string, bool, error) {
	var mapped string
	err := s.db.QueryRowContext(ctx,
		`SELECT dest_event_id FROM messages WHERE source_platform = ? AND source_event_id = ?`,
		string(from), eventID,
	).Scan(&mapped)
	if err == nil {
		return mapped, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("map event: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT source_event_id FROM messages WHERE dest_platform = ? AND dest_event_id = ?`,
		string(from), eventID,
	).Scan(&mapped)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("map event: %w", err)
	}
	return mapped, true, nil
}

// keyedMutex serializes callers per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns the release function.
func (km *keyedMutex) Lock(key string) func() {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	entry, ok := km.locks[key]
	if !ok {
		entry = &keyedLock{}
		km.locks[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
