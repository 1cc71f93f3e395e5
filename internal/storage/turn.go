package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TurnInsert carries everything needed to persist one user/assistant message
// pair, with an optional wallet debit that must land in the same transaction.
// NewChat, when set, creates the conversation row in that transaction too, so
// a failed turn can never leave an empty chat behind.
type TurnInsert struct {
	ChatID                  string
	UserID                  string
	UserContent             string
	AssistantContent        string
	AIProviderID            string
	SystemPromptID          *string
	AssistantTokenUsageJSON *string
	NewChat                 *Chat
	Debit                   *DebitParams
}

// InsertTurn debits the wallet (when a debit is requested) and appends the
// user and assistant messages as the active tail of the thread, all in one
// transaction. Either everything is visible afterwards or nothing is.
func (s *Store) InsertTurn(ctx context.Context, p TurnInsert) (ChatMessage, ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.NewChat != nil {
		sqlStr, args, err := s.buildChatInsert(*p.NewChat)
		if err != nil {
			return ChatMessage{}, ChatMessage{}, err
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return ChatMessage{}, ChatMessage{}, fmt.Errorf("create chat: %w", err)
		}
	}

	if p.Debit != nil && p.Debit.Amount > 0 {
		if _, err := s.debitWalletTx(ctx, tx, *p.Debit); err != nil {
			return ChatMessage{}, ChatMessage{}, err
		}
	}

	userMsg, asstMsg, err := s.insertPairTx(ctx, tx, p)
	if err != nil {
		return ChatMessage{}, ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChatMessage{}, ChatMessage{}, fmt.Errorf("commit turn tx: %w", err)
	}
	return userMsg, asstMsg, nil
}

// insertPairTx appends the new user and assistant rows. The assistant row is
// timestamped one millisecond after the user row so the active thread keeps a
// total creation-time order within a turn.
func (s *Store) insertPairTx(ctx context.Context, tx *sql.Tx, p TurnInsert) (ChatMessage, ChatMessage, error) {
	now := time.Now().UTC()

	userMsg := ChatMessage{
		ID:               uuid.NewString(),
		ChatID:           p.ChatID,
		UserID:           &p.UserID,
		Role:             RoleUser,
		Content:          p.UserContent,
		AIProviderID:     p.AIProviderID,
		SystemPromptID:   p.SystemPromptID,
		IsActiveInThread: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	asstMsg := ChatMessage{
		ID:               uuid.NewString(),
		ChatID:           p.ChatID,
		UserID:           nil,
		Role:             RoleAssistant,
		Content:          p.AssistantContent,
		AIProviderID:     p.AIProviderID,
		SystemPromptID:   p.SystemPromptID,
		TokenUsageJSON:   p.AssistantTokenUsageJSON,
		IsActiveInThread: true,
		CreatedAt:        now.Add(time.Millisecond),
		UpdatedAt:        now.Add(time.Millisecond),
	}

	for _, m := range []ChatMessage{userMsg, asstMsg} {
		q := s.sql.Insert("chat_messages").
			Columns(messageColumns...).
			Values(
				m.ID,
				m.ChatID,
				m.UserID,
				m.Role,
				m.Content,
				m.AIProviderID,
				m.SystemPromptID,
				m.TokenUsageJSON,
				m.IsActiveInThread,
				m.CreatedAt,
				m.UpdatedAt,
			)
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return ChatMessage{}, ChatMessage{}, fmt.Errorf("build message insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return ChatMessage{}, ChatMessage{}, fmt.Errorf("insert %s message: %w", m.Role, err)
		}
	}
	return userMsg, asstMsg, nil
}
