package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type Chat struct {
	ID             string
	UserID         string
	OrganizationID string
	SystemPromptID *string
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ChatMessage struct {
	ID               string
	ChatID           string
	UserID           *string
	Role             string
	Content          string
	AIProviderID     string
	SystemPromptID   *string
	TokenUsageJSON   *string
	IsActiveInThread bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AIProvider struct {
	ID            string
	Name          string
	Provider      string
	APIIdentifier string
	IsActive      bool
	ConfigJSON    string
	CreatedAt     time.Time
}

type SystemPrompt struct {
	ID         string
	Name       string
	PromptText string
	IsActive   bool
	CreatedAt  time.Time
}

type TokenWallet struct {
	WalletID       string
	UserID         string
	OrganizationID string
	Balance        int64
	Currency       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	TxnTypeDebitUsage     = "DEBIT_USAGE"
	TxnTypeCreditPurchase = "CREDIT_PURCHASE"
	TxnTypeCreditAdjust   = "CREDIT_ADJUSTMENT"
)

type WalletTransaction struct {
	ID              string
	WalletID        string
	TxnType         string
	Amount          int64
	BalanceAfterTxn int64
	RelatedEntityID string
	Notes           string
	CreatedAt       time.Time
}
