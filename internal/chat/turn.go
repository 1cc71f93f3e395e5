package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"chatcore/internal/providers"
	"chatcore/internal/storage"
)

// handleNormal runs an ordinary turn: load or start a conversation, send the
// window upstream and persist the pair with the debit in one transaction.
func (s *Service) handleNormal(ctx context.Context, userID string, req Request, tc turnContext) (Response, *RequestError) {
	var (
		chatID  string
		history []providers.Message
		newChat bool
	)

	switch {
	case req.ChatID != "":
		chat, err := s.store.GetChatForUser(ctx, req.ChatID, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Response{}, newRequestError(KindChatNotFound, http.StatusNotFound, "Chat not found.", err)
			}
			return Response{}, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to load chat.", err)
		}
		chatID = chat.ID
		if len(req.SelectedMessages) > 0 {
			history = historyFromSelected(req.SelectedMessages)
		} else {
			stored, err := s.store.GetActiveThread(ctx, chatID, nil)
			if err != nil {
				return Response{}, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to load chat history.", err)
			}
			history = historyFromStored(stored)
		}

	default:
		newChat = true
		chatID = uuid.NewString()
		history = historyFromSelected(req.SelectedMessages)
	}

	window := buildContext(tc.promptText, history, req.Message)

	_, maxTokens, rerr := s.checkBudget(tc, window, req.MaxTokensToGenerate)
	if rerr != nil {
		return Response{}, rerr
	}

	resp, rerr := s.callProvider(ctx, tc, window, maxTokens)
	if rerr != nil {
		return Response{}, rerr
	}

	_, cost, usageJSON, rerr := s.priceUsage(tc, resp.Usage)
	if rerr != nil {
		return Response{}, rerr
	}

	// The chat row rides in the same transaction as the message pair and
	// the debit, so neither a failed upstream call nor a failed turn
	// leaves an empty conversation behind.
	var newChatRow *storage.Chat
	if newChat {
		newChatRow = &storage.Chat{
			ID:             chatID,
			UserID:         userID,
			OrganizationID: req.OrganizationID,
			SystemPromptID: tc.promptID,
			Title:          truncateTitle(req.Message),
		}
	}

	userMsg, asstMsg, err := s.store.InsertTurn(ctx, storage.TurnInsert{
		ChatID:                  chatID,
		UserID:                  userID,
		UserContent:             req.Message,
		AssistantContent:        resp.Content,
		AIProviderID:            tc.provider.ID,
		SystemPromptID:          tc.promptID,
		AssistantTokenUsageJSON: usageJSON,
		NewChat:                 newChatRow,
		Debit:                   s.debitFor(tc, cost, chatID),
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			s.metrics.InsufficientFunds.Inc()
			return Response{}, newRequestError(KindInsufficientFunds, http.StatusPaymentRequired, "Insufficient token balance for this request. Please add funds to your wallet.", err)
		}
		return Response{}, newRequestError(KindPersistence, http.StatusInternalServerError, "Failed to save messages to database.", err)
	}

	s.metrics.TurnsTotal.Inc()
	if cost > 0 {
		s.metrics.WalletDebitsTotal.Inc()
		s.metrics.TokensBilledTotal.Add(float64(cost))
	}
	s.logger.Info().
		Str("chat_id", chatID).
		Str("provider_id", tc.provider.ID).
		Int64("cost", cost).
		Bool("new_chat", newChat).
		Msg("chat turn completed")

	return Response{
		Message:     messagePayload(asstMsg),
		UserMessage: messagePayload(userMsg),
		ChatID:      chatID,
	}, nil
}
