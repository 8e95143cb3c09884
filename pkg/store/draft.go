package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointPolicy controls how often a streaming draft is written back to
// its row. Disabled checkpointing still inserts the draft row and writes
// the final content once.
type CheckpointPolicy struct {
	Enabled  bool
	MinChars int
	Interval time.Duration
}

// DefaultCheckpointPolicy checkpoints every 512 characters or 2 seconds,
// whichever comes first.
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{Enabled: true, MinChars: 512, Interval: 2 * time.Second}
}

// Draft is an in-flight assistant response. Content accumulates in memory
// and is checkpointed back to the draft row; the row flips to final or
// error exactly once.
type Draft struct {
	store          *Store
	conversationID string
	messageID      string
	seq            int
	policy         CheckpointPolicy

	mu             sync.Mutex
	buf            []byte
	checkpointedAt time.Time
	checkpointLen  int
	inserted       bool
	terminal       bool
}

// FinalizeParams carries the terminal state of a successful response.
type FinalizeParams struct {
	FinishReason string
	TokensIn     int
	TokensOut    int
	TokensTotal  int
	ResponseID   string
	ToolCalls    []ToolCall
}

// BeginDraft allocates the next seq under the conversation lock and
// inserts an empty draft row. A failed insert is tolerated: finalization
// falls back to a single INSERT.
//
// A conversation carries at most one draft. Any stale draft left by a
// concurrent or crashed request is flipped to error before the new row is
// cut; its owner will find Finalize refusing to resurrect it.
func (s *Store) BeginDraft(ctx context.Context, conversationID string, policy CheckpointPolicy) (*Draft, error) {
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	sweep := s.q(`UPDATE messages SET status = 'error', finish_reason = 'error', updated_at = ?
	              WHERE conversation_id = ? AND status = 'draft'`)
	if res, err := s.db.ExecContext(ctx, sweep, time.Now(), conversationID); err != nil {
		s.logger.Warn("stale draft sweep failed", "conversation_id", conversationID, "error", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("superseded stale draft", "conversation_id", conversationID, "count", n)
	}

	seq, err := s.nextSeq(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	d := &Draft{
		store:          s,
		conversationID: conversationID,
		messageID:      uuid.NewString(),
		seq:            seq,
		policy:         policy,
		checkpointedAt: time.Now(),
	}

	now := time.Now()
	query := s.q(`INSERT INTO messages (id, conversation_id, seq, role, content, status, created_at, updated_at)
	              VALUES (?, ?, ?, 'assistant', '', 'draft', ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, d.messageID, conversationID, seq, now, now); err != nil {
		s.logger.Warn("draft insert failed, will fall back to single insert",
			"conversation_id", conversationID, "error", err)
	} else {
		d.inserted = true
	}

	return d, nil
}

// MessageID returns the draft row's id.
func (d *Draft) MessageID() string { return d.messageID }

// Seq returns the seq allocated to the draft.
func (d *Draft) Seq() int { return d.seq }

// Content returns the accumulated content so far.
func (d *Draft) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.buf)
}

// Append adds a content delta and checkpoints when the policy thresholds
// are crossed. Checkpoint failures are logged, not returned; the buffer is
// authoritative until finalization.
func (d *Draft) Append(ctx context.Context, delta string) {
	if delta == "" {
		return
	}

	d.mu.Lock()
	d.buf = append(d.buf, delta...)
	shouldCheckpoint := d.policy.Enabled && d.inserted && !d.terminal &&
		(len(d.buf)-d.checkpointLen >= d.policy.MinChars ||
			time.Since(d.checkpointedAt) >= d.policy.Interval)
	var snapshot string
	if shouldCheckpoint {
		snapshot = string(d.buf)
		d.checkpointLen = len(d.buf)
		d.checkpointedAt = time.Now()
	}
	d.mu.Unlock()

	if !shouldCheckpoint {
		return
	}

	query := d.store.q(`UPDATE messages SET content = ?, updated_at = ? WHERE id = ? AND status = 'draft'`)
	if _, err := d.store.db.ExecContext(ctx, query, snapshot, time.Now(), d.messageID); err != nil {
		d.store.logger.Warn("draft checkpoint failed", "message_id", d.messageID, "error", err)
	}
}

// Finalize flips the draft to final, writing the full content, finish
// reason, token counts, and any accumulated tool calls.
func (d *Draft) Finalize(ctx context.Context, params FinalizeParams) (*Message, error) {
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return nil, fmt.Errorf("draft %s already finalized", d.messageID)
	}
	d.terminal = true
	content := string(d.buf)
	d.mu.Unlock()

	lock := d.store.convLock(d.conversationID)
	lock.Lock()
	defer lock.Unlock()

	msg := &Message{
		ID:             d.messageID,
		ConversationID: d.conversationID,
		Seq:            d.seq,
		Role:           "assistant",
		Content:        content,
		Status:         "final",
		FinishReason:   params.FinishReason,
		TokensIn:       params.TokensIn,
		TokensOut:      params.TokensOut,
		TokensTotal:    params.TokensTotal,
		ResponseID:     params.ResponseID,
		ToolCalls:      params.ToolCalls,
	}

	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if d.inserted {
		query := d.store.q(`UPDATE messages SET content = ?, status = 'final', finish_reason = ?,
		                    tokens_in = ?, tokens_out = ?, tokens_total = ?, response_id = ?, updated_at = ?
		                    WHERE id = ? AND status = 'draft'`)
		res, err := tx.ExecContext(ctx, query, content, params.FinishReason,
			params.TokensIn, params.TokensOut, params.TokensTotal, params.ResponseID, now, d.messageID)
		if err != nil {
			return nil, fmt.Errorf("failed to finalize draft: %w", err)
		}
		// A row no longer in draft state was superseded by a newer draft
		// on the same conversation.
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("draft %s was superseded", d.messageID)
		}
	} else {
		msg.CreatedAt = now
		if err := d.store.insertMessageTx(ctx, tx, msg, now); err != nil {
			return nil, err
		}
	}

	if err := d.store.insertToolArtifactsTx(ctx, tx, msg); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	d.store.touchConversation(ctx, d.conversationID)
	return msg, nil
}

// MarkError flips the draft to error, preserving the last checkpointed
// content in the row. The in-memory buffer is written back first so
// partial content survives.
func (d *Draft) MarkError(ctx context.Context) error {
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return nil
	}
	d.terminal = true
	content := string(d.buf)
	d.mu.Unlock()

	if !d.inserted {
		// Nothing was ever persisted; insert an error row so the seq stays
		// gap-free.
		now := time.Now()
		query := d.store.q(`INSERT INTO messages (id, conversation_id, seq, role, content, status, finish_reason, created_at, updated_at)
		                    VALUES (?, ?, ?, 'assistant', ?, 'error', 'error', ?, ?)`)
		if _, err := d.store.db.ExecContext(ctx, query, d.messageID, d.conversationID, d.seq, content, now, now); err != nil {
			return fmt.Errorf("failed to insert error row: %w", err)
		}
		return nil
	}

	query := d.store.q(`UPDATE messages SET content = ?, status = 'error', finish_reason = 'error', updated_at = ?
	                    WHERE id = ? AND status = 'draft'`)
	if _, err := d.store.db.ExecContext(ctx, query, content, time.Now(), d.messageID); err != nil {
		return fmt.Errorf("failed to mark draft error: %w", err)
	}
	return nil
}

// HasDraft reports whether the conversation has a draft row at its tail.
func (s *Store) HasDraft(ctx context.Context, conversationID string) (bool, error) {
	query := s.q(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND status = 'draft'`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count); err != nil && err != sql.ErrNoRows {
		return false, err
	}
	return count > 0, nil
}
