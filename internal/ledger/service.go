package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osirix/backend/internal/models"
)

// InsufficientCreditsError is returned when a reservation or usage debit
// would drive the balance negative. It carries the requested amount and the
// current balance so callers can render an actionable message.
type InsufficientCreditsError struct {
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, available %d", e.Requested, e.Available)
}

// ErrInvalidAmount is returned for non-positive amounts or a capture that
// exceeds its reservation.
var ErrInvalidAmount = errors.New("invalid amount")

// Repo is the minimal store interface the accounting service needs.
type Repo interface {
	EnsureAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
	Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	Add(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	CountEntries(ctx context.Context, tx pgx.Tx, referenceID uuid.UUID, kind string) (int, error)
	LatestBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	SumAmounts(ctx context.Context, userID uuid.UUID) (int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// TxRunner runs a function inside a retried transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Service is the credit accounting service: reserve, capture, refund and
// grant, each implemented as an atomic balance update plus ledger append.
// The *Tx variants run inside a caller-owned transaction so job and wallet
// settlement can commit ledger and row updates together.
type Service struct {
	repo Repo
	db   TxRunner
}

func NewService(repo Repo, db TxRunner) *Service {
	return &Service{repo: repo, db: db}
}

// ReserveTx places a provisional hold: the balance check is re-validated by
// the conditional deduct at append time, so two concurrent reservations for
// the same user cannot both pass against a stale snapshot.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error {
	return s.debitTx(ctx, tx, userID, amount, models.LedgerKindReservation, referenceID)
}

// DebitTx appends a usage entry of -amount with the same balance check as a
// reservation. Marketplace purchases spend credits through this.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error {
	return s.debitTx(ctx, tx, userID, amount, models.LedgerKindUsage, referenceID)
}

func (s *Service) debitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, kind string, referenceID uuid.UUID) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.repo.EnsureAccount(ctx, tx, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	newBalance, err := s.repo.Deduct(ctx, tx, userID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		available, balErr := s.repo.BalanceForUpdate(ctx, tx, userID)
		if balErr != nil {
			return fmt.Errorf("read balance: %w", balErr)
		}
		return &InsufficientCreditsError{Requested: amount, Available: available}
	}
	if err != nil {
		return fmt.Errorf("deduct: %w", err)
	}
	return s.repo.InsertEntry(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       -amount,
		Kind:         kind,
		ReferenceID:  referenceID,
		BalanceAfter: newBalance,
	})
}

// CaptureTx converts a reservation into a final charge. The reservation
// already debited the account, so the only append is a refund of the unused
// portion; a capture for the full reserved amount appends nothing.
// A duplicate capture for the same reference is absorbed as a no-op.
func (s *Service) CaptureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, reservedAmount, actualAmount int64, referenceID uuid.UUID) error {
	if actualAmount < 0 || actualAmount > reservedAmount {
		return ErrInvalidAmount
	}
	settled, err := s.settled(ctx, tx, referenceID)
	if err != nil {
		return err
	}
	if settled {
		return nil
	}
	delta := reservedAmount - actualAmount
	if delta == 0 {
		return nil
	}
	return s.creditTx(ctx, tx, userID, delta, models.LedgerKindRefund, referenceID)
}

// RefundTx restores a reservation in full, e.g. on job failure or
// cancellation. Duplicate refunds for the same reference no-op.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	settled, err := s.settled(ctx, tx, referenceID)
	if err != nil {
		return err
	}
	if settled {
		return nil
	}
	return s.creditTx(ctx, tx, userID, amount, models.LedgerKindRefund, referenceID)
}

// GrantTx appends an unconditional positive entry (purchase, bonus or
// adjustment). Grants can only increase the balance, so no check is needed.
func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, kind string, referenceID uuid.UUID) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !models.GrantKinds[kind] {
		return fmt.Errorf("%w: kind %q is not grantable", ErrInvalidAmount, kind)
	}
	return s.creditTx(ctx, tx, userID, amount, kind, referenceID)
}

func (s *Service) creditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, kind string, referenceID uuid.UUID) error {
	if err := s.repo.EnsureAccount(ctx, tx, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	newBalance, err := s.repo.Add(ctx, tx, userID, amount)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	return s.repo.InsertEntry(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		Kind:         kind,
		ReferenceID:  referenceID,
		BalanceAfter: newBalance,
	})
}

// settled reports whether the reference already carries a settlement refund.
// Each reservation admits one settlement; a retried job reserves again, which
// is why refund and reservation counts are compared instead of a bare
// existence check.
func (s *Service) settled(ctx context.Context, tx pgx.Tx, referenceID uuid.UUID) (bool, error) {
	refunds, err := s.repo.CountEntries(ctx, tx, referenceID, models.LedgerKindRefund)
	if err != nil {
		return false, fmt.Errorf("count refunds: %w", err)
	}
	if refunds == 0 {
		return false, nil
	}
	reservations, err := s.repo.CountEntries(ctx, tx, referenceID, models.LedgerKindReservation)
	if err != nil {
		return false, fmt.Errorf("count reservations: %w", err)
	}
	return refunds >= reservations, nil
}

// Reserve, Refund and Grant wrappers that own their transaction, for callers
// outside job settlement.

func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int64, referenceID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.ReserveTx(ctx, tx, userID, amount, referenceID)
	})
}

func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, referenceID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.RefundTx(ctx, tx, userID, amount, referenceID)
	})
}

func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, kind string, referenceID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.GrantTx(ctx, tx, userID, amount, kind, referenceID)
	})
}

// Balance returns the balance_after of the user's latest ledger entry, or 0.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.LatestBalance(ctx, userID)
}

// History returns recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// ReconcileReport is the result of re-summing a user's ledger history
// against the denormalized running balance.
type ReconcileReport struct {
	UserID        uuid.UUID `json:"user_id"`
	SummedBalance int64     `json:"summed_balance"`
	LatestBalance int64     `json:"latest_balance"`
	Consistent    bool      `json:"consistent"`
}

// Reconcile re-sums the ledger and compares it to the running balance. The
// O(1) read path trusts balance_after; this is the offline safety net.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (*ReconcileReport, error) {
	sum, err := s.repo.SumAmounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ReconcileReport{
		UserID:        userID,
		SummedBalance: sum,
		LatestBalance: latest,
		Consistent:    sum == latest,
	}, nil
}
