package chat

import "net/http"

// Kind classifies a failed turn. Every kind maps to exactly one HTTP status;
// the message is the user-visible body and never names internal lookups.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindProviderNotFound    Kind = "provider_not_found"
	KindProviderInactive    Kind = "provider_inactive"
	KindProviderConfig      Kind = "provider_config"
	KindPromptNotFound      Kind = "prompt_not_found"
	KindChatNotFound        Kind = "chat_not_found"
	KindRewindPointNotFound Kind = "rewind_point_not_found"
	KindInputTooLong        Kind = "input_too_long"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindRateLimited         Kind = "rate_limited"
	KindProviderAPI         Kind = "provider_api"
	KindPersistence         Kind = "persistence"
	KindRewindTransaction   Kind = "rewind_transaction"
	KindInternal            Kind = "internal"
)

type RequestError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func newRequestError(kind Kind, status int, message string, cause error) *RequestError {
	return &RequestError{Kind: kind, Status: status, Message: message, Err: cause}
}

func validationError(message string) *RequestError {
	return newRequestError(KindValidation, http.StatusBadRequest, message, nil)
}
