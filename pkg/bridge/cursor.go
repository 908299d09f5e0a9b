// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// CursorTracker guarantees at-most-once admission of inbound batches. The
// Matrix side is transactional: a transaction ID the homeserver may redeliver
// admits its events exactly once. The Telegram side is offset-based: the
// stored offset only advances after a whole batch is enqueued, so a crash
// causes safe re-delivery of the unacked range and the relay engine's
// dedup-by-source-event-ID absorbs the duplicates.
type CursorTracker struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCursorTracker creates a tracker over the bridge database.
func NewCursorTracker(db *sql.DB, log zerolog.Logger) *CursorTracker {
	return &CursorTracker{
		db:  db,
		log: log.With().Str("component", "cursor").Logger(),
	}
}

// AdmitTransaction returns the item IDs of a transaction that have not been
// processed before. A transaction ID already sealed by RecordTransaction
// yields an empty set. Item IDs already delivered in an earlier run are
// filtered out even within a fresh transaction, covering homeservers that
// re-batch events under new transaction IDs. The transaction itself is not
// recorded here: callers seal it with RecordTransaction only after every
// admitted item has been enqueued, so a crash or failure in between leaves
// the replay path open.
func (t *CursorTracker) AdmitTransaction(ctx context.Context, platform Platform, txnID string, itemIDs []string) ([]string, error) {
	var one int
	err := t.db.QueryRowContext(ctx,
		`SELECT 1 FROM admitted_transactions WHERE platform = ? AND txn_id = ?`,
		string(platform), txnID,
	).Scan(&one)
	if err == nil {
		t.log.Debug().
			Str("platform", string(platform)).
			Str("txn_id", txnID).
			Msg("Replayed transaction, admitting nothing")
		return nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admit transaction: %w", err)
	}

	admitted := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		var one int
		err := t.db.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE source_platform = ? AND source_event_id = ?`,
			string(platform), id,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			admitted = append(admitted, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("admit transaction item: %w", err)
		}
	}
	return admitted, nil
}

// RecordTransaction seals a fully enqueued transaction so replays of its ID
// admit nothing. Callers must only invoke this after every admitted item has
// been handed to the relay engine.
func (t *CursorTracker) RecordTransaction(ctx context.Context, platform Platform, txnID string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO admitted_transactions (platform, txn_id, admitted_at) VALUES (?, ?, ?)`,
		string(platform), txnID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// Offset returns the last consumed update offset for a platform, or 0 when
// none has been recorded.
func (t *CursorTracker) Offset(ctx context.Context, platform Platform) (int64, error) {
	var raw string
	err := t.db.QueryRowContext(ctx,
		`SELECT cursor FROM inbound_cursors WHERE platform = ?`, string(platform),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offset: %w", err)
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored offset %q: %w", raw, err)
	}
	return offset, nil
}

// AdvanceOffset commits a new consumed offset. Callers must only invoke this
// after every update up to and including newOffset has been enqueued. The
// offset never moves backwards.
func (t *CursorTracker) AdvanceOffset(ctx context.Context, platform Platform, newOffset int64) error {
	current, err := t.Offset(ctx, platform)
	if err != nil {
		return err
	}
	if newOffset <= current {
		return nil
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO inbound_cursors (platform, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (platform) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		string(platform), strconv.FormatInt(newOffset, 10), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("advance offset: %w", err)
	}
	return nil
}
