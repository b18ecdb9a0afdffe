package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wallet transaction types and statuses.
const (
	TransactionTypeEarning    = "earning"
	TransactionTypeWithdrawal = "withdrawal"
	TransactionTypeAdjustment = "adjustment"

	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// Withdrawal request statuses.
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusRejected   = "rejected"
)

// Transaction source types recorded on earnings.
const (
	SourceSponsorship     = "sponsorship"
	SourceMarketplaceSale = "marketplace_sale"
)

// Wallet holds money owed to a user (seller/influencer earnings), distinct
// from the consumable credit balance. Created lazily on first access.
type Wallet struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Balance        int64     `json:"balance"`
	PendingBalance int64     `json:"pending_balance"`
	TotalEarnings  int64     `json:"total_earnings"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is the append-only audit record for a wallet balance change.
// Every change to Wallet.Balance is written together with exactly one of
// these, in the same database transaction.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Amount      int64           `json:"amount"`
	Status      string          `json:"status"`
	SourceType  string          `json:"source_type,omitempty"`
	SourceID    *uuid.UUID      `json:"source_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WithdrawalRequest is a pending claim against a wallet balance. The balance
// is debited on approval, not at request time.
type WithdrawalRequest struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	WalletID        uuid.UUID       `json:"wallet_id"`
	Amount          int64           `json:"amount"`
	Method          string          `json:"method"`
	PaymentDetails  json.RawMessage `json:"payment_details,omitempty"`
	Status          string          `json:"status"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
