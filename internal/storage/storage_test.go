package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store) string {
	t.Helper()
	id := uuid.NewString()
	if err := s.CreateUser(context.Background(), User{ID: id, Email: id + "@test.local"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func seedChat(t *testing.T, s *Store, userID string) string {
	t.Helper()
	id := uuid.NewString()
	if err := s.CreateChat(context.Background(), Chat{ID: id, UserID: userID, Title: "test chat"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return id
}

func seedWallet(t *testing.T, s *Store, userID string, balance int64) TokenWallet {
	t.Helper()
	ctx := context.Background()
	w, err := s.GetOrCreateWallet(ctx, userID, "")
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if balance > 0 {
		if _, err := s.CreditWallet(ctx, w.WalletID, balance, TxnTypeCreditPurchase, "", "seed"); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
		w.Balance = balance
	}
	return w
}

func insertTestTurn(t *testing.T, s *Store, chatID, userID, msg string, debit *DebitParams) (ChatMessage, ChatMessage) {
	t.Helper()
	userMsg, asstMsg, err := s.InsertTurn(context.Background(), TurnInsert{
		ChatID:           chatID,
		UserID:           userID,
		UserContent:      msg,
		AssistantContent: "reply to " + msg,
		AIProviderID:     "test-provider",
		Debit:            debit,
	})
	if err != nil {
		t.Fatalf("insert turn: %v", err)
	}
	return userMsg, asstMsg
}

func TestGetOrCreateWalletIdempotent(t *testing.T) {
	s := newTestStore(t)
	userID := seedUser(t, s)
	ctx := context.Background()

	first, err := s.GetOrCreateWallet(ctx, userID, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.GetOrCreateWallet(ctx, userID, "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.WalletID != second.WalletID {
		t.Fatalf("expected one wallet, got %s and %s", first.WalletID, second.WalletID)
	}
	if first.Balance != 0 {
		t.Fatalf("new wallet must start empty, got %d", first.Balance)
	}

	// A different organization scope gets its own wallet.
	other, err := s.GetOrCreateWallet(ctx, userID, uuid.NewString())
	if err != nil {
		t.Fatalf("org wallet: %v", err)
	}
	if other.WalletID == first.WalletID {
		t.Fatalf("org wallet must be distinct")
	}
}

func TestCreditWalletRecordsLedger(t *testing.T) {
	s := newTestStore(t)
	userID := seedUser(t, s)
	w := seedWallet(t, s, userID, 0)
	ctx := context.Background()

	after, err := s.CreditWallet(ctx, w.WalletID, 500, TxnTypeCreditPurchase, "order-1", "initial purchase")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if after != 500 {
		t.Fatalf("expected balance 500, got %d", after)
	}

	txns, err := s.ListWalletTransactions(ctx, w.WalletID, 10)
	if err != nil {
		t.Fatalf("list txns: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(txns))
	}
	if txns[0].TxnType != TxnTypeCreditPurchase || txns[0].Amount != 500 || txns[0].BalanceAfterTxn != 500 {
		t.Fatalf("unexpected ledger entry %+v", txns[0])
	}
}

func TestTurnDebitExhaustsWalletExactly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)
	w := seedWallet(t, s, userID, 100)

	debit := func() *DebitParams {
		return &DebitParams{WalletID: w.WalletID, Amount: 30, RelatedEntityID: chatID}
	}
	for i := 0; i < 3; i++ {
		insertTestTurn(t, s, chatID, userID, "turn", debit())
	}

	// 100 - 3*30 leaves 10, which cannot cover another 30.
	_, _, err := s.InsertTurn(ctx, TurnInsert{
		ChatID:           chatID,
		UserID:           userID,
		UserContent:      "one too many",
		AssistantContent: "never stored",
		AIProviderID:     "test-provider",
		Debit:            debit(),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, err := s.GetWalletByID(ctx, w.WalletID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Balance != 10 {
		t.Fatalf("expected balance 10, got %d", got.Balance)
	}

	// The failed turn must not have persisted its messages.
	n, err := s.CountMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 messages, got %d", n)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)
	w := seedWallet(t, s, userID, 50)

	// Ten workers race for a balance that covers exactly five debits of 10.
	const workers = 10
	var successes, rejections int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for attempt := 0; attempt < 100; attempt++ {
				_, _, err := s.InsertTurn(ctx, TurnInsert{
					ChatID:           chatID,
					UserID:           userID,
					UserContent:      fmt.Sprintf("worker %d", n),
					AssistantContent: "reply",
					AIProviderID:     "test-provider",
					Debit:            &DebitParams{WalletID: w.WalletID, Amount: 10},
				})
				switch {
				case err == nil:
					atomic.AddInt64(&successes, 1)
					return
				case errors.Is(err, ErrInsufficientFunds):
					atomic.AddInt64(&rejections, 1)
					return
				default:
					// A busy writer is not an outcome; back off and retry.
					time.Sleep(time.Duration(attempt+1) * time.Millisecond)
				}
			}
			t.Errorf("worker %d: turn never completed", n)
		}(i)
	}
	wg.Wait()

	if successes != 5 || rejections != 5 {
		t.Fatalf("expected 5 debits and 5 rejections, got %d and %d", successes, rejections)
	}

	got, err := s.GetWalletByID(ctx, w.WalletID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Balance != 0 {
		t.Fatalf("expected balance drained to exactly 0, never negative, got %d", got.Balance)
	}

	// Only the successful turns persisted their pairs.
	n, err := s.CountMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 messages from 5 turns, got %d", n)
	}
}

func TestInsertTurnCreatesChatInSameTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	w := seedWallet(t, s, userID, 5)
	chatID := uuid.NewString()
	newChat := &Chat{ID: chatID, UserID: userID, Title: "first words"}

	// An unaffordable debit must roll the chat row back with the turn.
	_, _, err := s.InsertTurn(ctx, TurnInsert{
		ChatID:           chatID,
		UserID:           userID,
		UserContent:      "first words",
		AssistantContent: "reply",
		AIProviderID:     "test-provider",
		NewChat:          newChat,
		Debit:            &DebitParams{WalletID: w.WalletID, Amount: 10},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := s.GetChatForUser(ctx, chatID, userID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed turn must not leave a chat row, got %v", err)
	}

	// The affordable retry lands chat, pair and debit together.
	_, _, err = s.InsertTurn(ctx, TurnInsert{
		ChatID:           chatID,
		UserID:           userID,
		UserContent:      "first words",
		AssistantContent: "reply",
		AIProviderID:     "test-provider",
		NewChat:          newChat,
		Debit:            &DebitParams{WalletID: w.WalletID, Amount: 5},
	})
	if err != nil {
		t.Fatalf("insert turn: %v", err)
	}
	chat, err := s.GetChatForUser(ctx, chatID, userID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.Title != "first words" {
		t.Fatalf("unexpected title %q", chat.Title)
	}
	n, err := s.CountMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestDebitMissingWallet(t *testing.T) {
	s := newTestStore(t)
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)

	_, _, err := s.InsertTurn(context.Background(), TurnInsert{
		ChatID:           chatID,
		UserID:           userID,
		UserContent:      "hello",
		AssistantContent: "reply",
		AIProviderID:     "test-provider",
		Debit:            &DebitParams{WalletID: uuid.NewString(), Amount: 1},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveThreadOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)

	insertTestTurn(t, s, chatID, userID, "first", nil)
	insertTestTurn(t, s, chatID, userID, "second", nil)

	thread, err := s.GetActiveThread(ctx, chatID, nil)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(thread) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(thread))
	}
	wantRoles := []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	for i, m := range thread {
		if m.Role != wantRoles[i] {
			t.Fatalf("position %d: expected role %s, got %s", i, wantRoles[i], m.Role)
		}
		if !m.IsActiveInThread {
			t.Fatalf("position %d: message not active", i)
		}
		if i > 0 && m.CreatedAt.Before(thread[i-1].CreatedAt) {
			t.Fatalf("position %d: thread out of order", i)
		}
	}
	if thread[0].Content != "first" || thread[2].Content != "second" {
		t.Fatalf("unexpected contents %q, %q", thread[0].Content, thread[2].Content)
	}
}

func TestRewindDeactivatesTailWithoutDeleting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)

	_, firstAsst := insertTestTurn(t, s, chatID, userID, "first", nil)
	insertTestTurn(t, s, chatID, userID, "second", nil)

	_, _, err := s.PerformRewind(ctx, RewindParams{
		ChatID:              chatID,
		UserID:              userID,
		RewindFromMessageID: firstAsst.ID,
		UserContent:         "take two",
		AssistantContent:    "fresh reply",
		AIProviderID:        "test-provider",
	})
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}

	// Nothing is deleted: 2 turns + the rewind pair.
	n, err := s.CountMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 rows, got %d", n)
	}

	thread, err := s.GetActiveThread(ctx, chatID, nil)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(thread) != 4 {
		t.Fatalf("expected 4 active messages, got %d", len(thread))
	}
	if thread[1].ID != firstAsst.ID {
		t.Fatalf("rewind point must stay active")
	}
	if thread[2].Content != "take two" || thread[3].Content != "fresh reply" {
		t.Fatalf("new pair must be the active tail, got %q, %q", thread[2].Content, thread[3].Content)
	}
}

func TestRewindUnknownMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)
	insertTestTurn(t, s, chatID, userID, "only turn", nil)

	_, _, err := s.PerformRewind(ctx, RewindParams{
		ChatID:              chatID,
		UserID:              userID,
		RewindFromMessageID: uuid.NewString(),
		UserContent:         "take two",
		AssistantContent:    "fresh reply",
		AIProviderID:        "test-provider",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, _ := s.CountMessages(ctx, chatID)
	if n != 2 {
		t.Fatalf("failed rewind must not write rows, got %d", n)
	}
}

func TestRewindRejectsForeignChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s)
	intruder := seedUser(t, s)
	chatID := seedChat(t, s, owner)
	_, asst := insertTestTurn(t, s, chatID, owner, "private", nil)

	_, _, err := s.PerformRewind(ctx, RewindParams{
		ChatID:              chatID,
		UserID:              intruder,
		RewindFromMessageID: asst.ID,
		UserContent:         "hijack",
		AssistantContent:    "reply",
		AIProviderID:        "test-provider",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign chat, got %v", err)
	}
}

func TestRewindWithInsufficientFundsKeepsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatID := seedChat(t, s, userID)
	w := seedWallet(t, s, userID, 5)
	_, asst := insertTestTurn(t, s, chatID, userID, "first", nil)
	insertTestTurn(t, s, chatID, userID, "second", nil)

	_, _, err := s.PerformRewind(ctx, RewindParams{
		ChatID:              chatID,
		UserID:              userID,
		RewindFromMessageID: asst.ID,
		UserContent:         "take two",
		AssistantContent:    "reply",
		AIProviderID:        "test-provider",
		Debit:               &DebitParams{WalletID: w.WalletID, Amount: 10},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// The whole transaction rolled back: second turn still active.
	thread, err := s.GetActiveThread(ctx, chatID, nil)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(thread) != 4 {
		t.Fatalf("expected tail untouched, got %d active messages", len(thread))
	}
	got, _ := s.GetWalletByID(ctx, w.WalletID)
	if got.Balance != 5 {
		t.Fatalf("expected balance unchanged at 5, got %d", got.Balance)
	}
}

func TestGetChatForUserOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s)
	other := seedUser(t, s)
	chatID := seedChat(t, s, owner)

	if _, err := s.GetChatForUser(ctx, chatID, owner); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := s.GetChatForUser(ctx, chatID, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}
}

func TestGetRewindPointTimestampScopedToChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := seedUser(t, s)
	chatA := seedChat(t, s, userID)
	chatB := seedChat(t, s, userID)
	_, asst := insertTestTurn(t, s, chatA, userID, "in chat A", nil)

	if _, err := s.GetRewindPointTimestamp(ctx, chatA, asst.ID); err != nil {
		t.Fatalf("same chat lookup: %v", err)
	}
	if _, err := s.GetRewindPointTimestamp(ctx, chatB, asst.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across chats, got %v", err)
	}
}
