package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// RewindParams describes a conversation fork: everything created after the
// rewind point is deactivated and a fresh user/assistant pair becomes the new
// active tail. The new messages are authored at rewind time, never backdated.
type RewindParams struct {
	ChatID                  string
	UserID                  string
	RewindFromMessageID     string
	UserContent             string
	AssistantContent        string
	AIProviderID            string
	SystemPromptID          *string
	AssistantTokenUsageJSON *string
	Debit                   *DebitParams
}

// PerformRewind is the single atomic entry point for rewind persistence.
// Rewind-point validation, ownership check, tail deactivation, the message
// pair insert and the wallet debit all commit together or not at all. Rows
// are never deleted; the stale tail only loses its active flag.
func (s *Store) PerformRewind(ctx context.Context, p RewindParams) (ChatMessage, ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("begin rewind tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The chat must belong to the caller.
	ownerQ := s.sql.Select("user_id").From("chats").Where(sq.Eq{"id": p.ChatID})
	sqlStr, args, err := ownerQ.ToSql()
	if err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("build chat owner query: %w", err)
	}
	var ownerID string
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatMessage{}, ChatMessage{}, ErrNotFound
		}
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("get chat owner: %w", err)
	}
	if ownerID != p.UserID {
		return ChatMessage{}, ChatMessage{}, ErrNotFound
	}

	// Re-resolve the rewind point inside the transaction so a concurrent
	// rewind cannot leave us forking from a message that was never there.
	pointQ := s.sql.Select("created_at").
		From("chat_messages").
		Where(sq.Eq{"id": p.RewindFromMessageID, "chat_id": p.ChatID})
	sqlStr, args, err = pointQ.ToSql()
	if err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("build rewind point query: %w", err)
	}
	var rewindPoint time.Time
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&rewindPoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatMessage{}, ChatMessage{}, ErrNotFound
		}
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("get rewind point: %w", err)
	}

	if p.Debit != nil && p.Debit.Amount > 0 {
		if _, err := s.debitWalletTx(ctx, tx, *p.Debit); err != nil {
			return ChatMessage{}, ChatMessage{}, err
		}
	}

	deactivate := s.sql.Update("chat_messages").
		Set("is_active_in_thread", false).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"chat_id": p.ChatID}).
		Where(sq.Gt{"created_at": rewindPoint})
	sqlStr, args, err = deactivate.ToSql()
	if err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("build deactivate query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("deactivate stale tail: %w", err)
	}

	userMsg, asstMsg, err := s.insertPairTx(ctx, tx, TurnInsert{
		ChatID:                  p.ChatID,
		UserID:                  p.UserID,
		UserContent:             p.UserContent,
		AssistantContent:        p.AssistantContent,
		AIProviderID:            p.AIProviderID,
		SystemPromptID:          p.SystemPromptID,
		AssistantTokenUsageJSON: p.AssistantTokenUsageJSON,
	})
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("commit rewind tx: %w", err)
	}
	return userMsg, asstMsg, nil
}
