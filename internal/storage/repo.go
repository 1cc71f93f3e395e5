package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("users").
		Columns("id", "email", "created_at").
		Values(u.ID, u.Email, u.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	q := s.sql.Select("id", "email", "created_at").From("users").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}
	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	q := s.sql.Delete("users").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertProvider(ctx context.Context, p AIProvider) error {
	if p.ConfigJSON == "" {
		p.ConfigJSON = "{}"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("ai_providers").
		Columns("id", "name", "provider", "api_identifier", "is_active", "config_json", "created_at").
		Values(p.ID, p.Name, p.Provider, p.APIIdentifier, p.IsActive, p.ConfigJSON, p.CreatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, provider=excluded.provider, api_identifier=excluded.api_identifier, is_active=excluded.is_active, config_json=excluded.config_json")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build provider upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *Store) GetProviderByID(ctx context.Context, id string) (AIProvider, error) {
	q := s.sql.Select("id", "name", "provider", "api_identifier", "is_active", "config_json", "created_at").
		From("ai_providers").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AIProvider{}, fmt.Errorf("build provider query: %w", err)
	}
	var p AIProvider
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID,
		&p.Name,
		&p.Provider,
		&p.APIIdentifier,
		&p.IsActive,
		&p.ConfigJSON,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AIProvider{}, ErrNotFound
		}
		return AIProvider{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

func (s *Store) UpsertSystemPrompt(ctx context.Context, p SystemPrompt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("system_prompts").
		Columns("id", "name", "prompt_text", "is_active", "created_at").
		Values(p.ID, p.Name, p.PromptText, p.IsActive, p.CreatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, prompt_text=excluded.prompt_text, is_active=excluded.is_active")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build prompt upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert system prompt: %w", err)
	}
	return nil
}

func (s *Store) GetSystemPromptByID(ctx context.Context, id string) (SystemPrompt, error) {
	q := s.sql.Select("id", "name", "prompt_text", "is_active", "created_at").
		From("system_prompts").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SystemPrompt{}, fmt.Errorf("build system prompt query: %w", err)
	}
	var p SystemPrompt
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.Name, &p.PromptText, &p.IsActive, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SystemPrompt{}, ErrNotFound
		}
		return SystemPrompt{}, fmt.Errorf("get system prompt: %w", err)
	}
	return p, nil
}

func (s *Store) buildChatInsert(c Chat) (string, []any, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	q := s.sql.Insert("chats").
		Columns("id", "user_id", "organization_id", "system_prompt_id", "title", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.OrganizationID, c.SystemPromptID, c.Title, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build create chat query: %w", err)
	}
	return sqlStr, args, nil
}

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	sqlStr, args, err := s.buildChatInsert(c)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// GetChatForUser resolves a chat only when it is owned by the given user.
// A chat owned by someone else is indistinguishable from a missing one.
func (s *Store) GetChatForUser(ctx context.Context, chatID, userID string) (Chat, error) {
	q := s.sql.Select("id", "user_id", "organization_id", "system_prompt_id", "title", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"id": chatID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	var c Chat
	var promptID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.UserID,
		&c.OrganizationID,
		&promptID,
		&c.Title,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if promptID.Valid {
		c.SystemPromptID = &promptID.String
	}
	return c, nil
}

// GetActiveThread returns the active message sequence for a chat ordered by
// creation time. A non-nil upTo narrows the thread to messages created at or
// before that instant (rewind context).
func (s *Store) GetActiveThread(ctx context.Context, chatID string, upTo *time.Time) ([]ChatMessage, error) {
	q := s.sql.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"chat_id": chatID, "is_active_in_thread": true}).
		OrderBy("created_at ASC")
	if upTo != nil {
		q = q.Where(sq.LtOrEq{"created_at": *upTo})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active thread query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query active thread: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return out, nil
}

// CountMessages returns the total row count for a chat, active or not.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int, error) {
	q := s.sql.Select("COUNT(*)").From("chat_messages").Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// GetRewindPointTimestamp resolves the creation time of the message a rewind
// forks from. The message must belong to the given chat.
func (s *Store) GetRewindPointTimestamp(ctx context.Context, chatID, messageID string) (time.Time, error) {
	q := s.sql.Select("created_at").
		From("chat_messages").
		Where(sq.Eq{"id": messageID, "chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build rewind point query: %w", err)
	}
	var ts time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("get rewind point: %w", err)
	}
	return ts, nil
}

var messageColumns = []string{
	"id", "chat_id", "user_id", "role", "content", "ai_provider_id",
	"system_prompt_id", "token_usage", "is_active_in_thread", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (ChatMessage, error) {
	var m ChatMessage
	var userID, promptID, usage sql.NullString
	if err := r.Scan(
		&m.ID,
		&m.ChatID,
		&userID,
		&m.Role,
		&m.Content,
		&m.AIProviderID,
		&promptID,
		&usage,
		&m.IsActiveInThread,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return ChatMessage{}, fmt.Errorf("scan message row: %w", err)
	}
	if userID.Valid {
		m.UserID = &userID.String
	}
	if promptID.Valid {
		m.SystemPromptID = &promptID.String
	}
	if usage.Valid {
		m.TokenUsageJSON = &usage.String
	}
	return m, nil
}
