package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry kinds. The ledger is append-only: every balance change
// on a user's credit account is one row here.
const (
	LedgerKindPurchase    = "purchase"
	LedgerKindReservation = "reservation"
	LedgerKindUsage       = "usage"
	LedgerKindRefund      = "refund"
	LedgerKindBonus       = "bonus"
	LedgerKindAdjustment  = "adjustment"
)

// GrantKinds are the kinds allowed for unconditional positive appends.
var GrantKinds = map[string]bool{
	LedgerKindPurchase:   true,
	LedgerKindBonus:      true,
	LedgerKindAdjustment: true,
}

// LedgerEntry is one immutable balance-affecting event. Amount is signed, in
// the smallest credit unit. BalanceAfter is the running balance computed at
// write time; the latest entry's BalanceAfter is the user's current balance.
type LedgerEntry struct {
	ID           uuid.UUID `json:"id"`
	Sequence     int64     `json:"sequence"`
	UserID       uuid.UUID `json:"user_id"`
	Amount       int64     `json:"amount"`
	Kind         string    `json:"kind"`
	ReferenceID  uuid.UUID `json:"reference_id"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
