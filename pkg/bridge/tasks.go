// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the delivery state of an outbound task.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskInFlight     TaskState = "in_flight"
	TaskRetryWait    TaskState = "retry_wait"
	TaskDelivered    TaskState = "delivered"
	TaskDeadLettered TaskState = "dead_lettered"
)

// OutboundTask is one unit of delivery work: a normalized message bound for
// a specific destination conversation. The source event ID doubles as the
// deduplication key; re-enqueuing a task for an already known source event
// is a no-op.
type OutboundTask struct {
	ID           int64
	Message      *NormalizedMessage
	DestConv     ConvKey
	State        TaskState
	AttemptCount int
}

// CreateTask persists a new outbound task in the pending state. The second
// return is false when a task (or delivered message) for the same source
// event already exists.
func (s *Store) CreateTask(ctx context.Context, msg *NormalizedMessage, dest ConvKey) (*OutboundTask, bool, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("marshal task message: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbound_tasks (source_platform, source_event_id, dest_platform, dest_conv_id, message, state, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		string(msg.SourcePlatform), msg.SourceEventID,
		string(dest.Platform), dest.ID,
		payload, string(TaskPending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	} else if n == 0 {
		return nil, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	return &OutboundTask{
		ID:       id,
		Message:  msg,
		DestConv: dest,
		State:    TaskPending,
	}, true, nil
}

// UpdateTaskState records a task state transition.
func (s *Store) UpdateTaskState(ctx context.Context, id int64, state TaskState, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_tasks SET state = ?, attempt_count = ?, updated_at = ? WHERE id = ?`,
		string(state), attempts, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return nil
}

// FinishTask removes a task row after terminal processing. Delivered
// messages live on in the messages table; dead-lettered ones in dead_letters.
func (s *Store) FinishTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// LoadResumableTasks returns persisted tasks that still need delivery, in
// receipt order. Tasks caught mid-flight by a crash resume as pending.
func (s *Store) LoadResumableTasks(ctx context.Context) ([]*OutboundTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dest_platform, dest_conv_id, message, attempt_count FROM outbound_tasks
		 WHERE state IN (?, ?, ?) ORDER BY id`,
		string(TaskPending), string(TaskInFlight), string(TaskRetryWait),
	)
	if err != nil {
		return nil, fmt.Errorf("load resumable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*OutboundTask
	for rows.Next() {
		var (
			task     OutboundTask
			destPlat string
			payload  []byte
		)
		if err := rows.Scan(&task.ID, &destPlat, &task.DestConv.ID, &payload, &task.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan resumable task: %w", err)
		}
		task.DestConv.Platform = Platform(destPlat)
		task.Message = &NormalizedMessage{}
		if err := json.Unmarshal(payload, task.Message); err != nil {
			s.log.Warn().Err(err).Int64("task_id", task.ID).Msg("Dropping undecodable persisted task")
			continue
		}
		task.State = TaskPending
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load resumable tasks: %w", err)
	}
	return tasks, nil
}

// DeadLetter preserves a failed task with full context for operator
// inspection or replay, and removes it from the live queue.
func (s *Store) DeadLetter(ctx context.Context, task *OutboundTask, reason string) error {
	payload, err := json.Marshal(task.Message)
	if err != nil {
		payload = []byte("{}")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (source_platform, source_event_id, dest_platform, dest_conv_id, message, reason, attempt_count, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.Message.SourcePlatform), task.Message.SourceEventID,
		string(task.DestConv.Platform), task.DestConv.ID,
		payload, reason, task.AttemptCount, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound_tasks WHERE id = ?`, task.ID); err != nil {
		return fmt.Errorf("remove dead task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	return nil
}

// DeadLetterEntry is a persisted failed task.
type DeadLetterEntry struct {
	ID           int64
	Message      *NormalizedMessage
	DestConv     ConvKey
	Reason       string
	AttemptCount int
	FailedAt     time.Time
}

// ListDeadLetters returns the dead-letter log, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dest_platform, dest_conv_id, message, reason, attempt_count, failed_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		var (
			entry    DeadLetterEntry
			destPlat string
			payload  []byte
			failedAt int64
		)
		if err := rows.Scan(&entry.ID, &destPlat, &entry.DestConv.ID, &payload, &entry.Reason, &entry.AttemptCount, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entry.DestConv.Platform = Platform(destPlat)
		entry.FailedAt = time.UnixMilli(failedAt)
		entry.Message = &NormalizedMessage{}
		_ = json.Unmarshal(payload, entry.Message)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
