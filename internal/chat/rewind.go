package chat

import (
	"context"
	"errors"
	"net/http"

	"chatcore/internal/storage"
)

// handleRewind forks the conversation at an earlier message. History after
// the rewind point is excluded from the provider window, and persistence runs
// through the single atomic rewind transaction: nothing is deactivated and
// nothing is debited unless the new pair lands too.
func (s *Service) handleRewind(ctx context.Context, userID string, req Request, tc turnContext) (Response, *RequestError) {
	if req.ChatID == "" {
		return Response{}, validationError(`Cannot perform rewind without a "chatId"`)
	}

	if _, err := s.store.GetChatForUser(ctx, req.ChatID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Response{}, newRequestError(KindChatNotFound, http.StatusNotFound, "Chat not found.", err)
		}
		return Response{}, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to load chat.", err)
	}

	rewindPoint, err := s.store.GetRewindPointTimestamp(ctx, req.ChatID, req.RewindFromMessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Response{}, newRequestError(KindRewindPointNotFound, http.StatusNotFound, "Rewind point message not found in chat.", err)
		}
		return Response{}, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to resolve rewind point.", err)
	}

	stored, err := s.store.GetActiveThread(ctx, req.ChatID, &rewindPoint)
	if err != nil {
		return Response{}, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to load chat history.", err)
	}

	window := buildContext(tc.promptText, historyFromStored(stored), req.Message)

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

	userMsg, asstMsg, err := s.store.PerformRewind(ctx, storage.RewindParams{
		ChatID:                  req.ChatID,
		UserID:                  userID,
		RewindFromMessageID:     req.RewindFromMessageID,
		UserContent:             req.Message,
		AssistantContent:        resp.Content,
		AIProviderID:            tc.provider.ID,
		SystemPromptID:          tc.promptID,
		AssistantTokenUsageJSON: usageJSON,
		Debit:                   s.debitFor(tc, cost, req.ChatID),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			s.metrics.InsufficientFunds.Inc()
			return Response{}, newRequestError(KindInsufficientFunds, http.StatusPaymentRequired, "Insufficient token balance for this request. Please add funds to your wallet.", err)
		case errors.Is(err, storage.ErrNotFound):
			return Response{}, newRequestError(KindRewindPointNotFound, http.StatusNotFound, "Rewind point message not found in chat.", err)
		default:
			return Response{}, newRequestError(KindRewindTransaction, http.StatusInternalServerError, "Failed to perform chat rewind.", err)
		}
	}

	s.metrics.RewindsTotal.Inc()
	if cost > 0 {
		s.metrics.WalletDebitsTotal.Inc()
		s.metrics.TokensBilledTotal.Add(float64(cost))
	}
	s.logger.Info().
		Str("chat_id", req.ChatID).
		Str("rewind_from", req.RewindFromMessageID).
		Int64("cost", cost).
		Msg("chat rewind completed")

	return Response{
		Message:     messagePayload(asstMsg),
		UserMessage: messagePayload(userMsg),
		ChatID:      req.ChatID,
		IsRewind:    true,
	}, nil
}
