package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osirix/backend/internal/models"
)

// InsufficientBalanceError is returned when a withdrawal exceeds the wallet
// balance. It carries both amounts so callers can render an actionable
// message.
type InsufficientBalanceError struct {
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient wallet balance: requested %d, available %d", e.Requested, e.Available)
}

// BelowMinimumError is returned when a withdrawal is under the platform
// minimum.
type BelowMinimumError struct {
	Requested int64
	Minimum   int64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("withdrawal amount %d is below the minimum of %d", e.Requested, e.Minimum)
}

// ErrInvalidAmount is returned for non-positive amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// Repo is the wallet persistence interface used by the settlement service.
type Repo interface {
	EnsureWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	ApplyEarningTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount int64) error
	ApplyWithdrawalTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount int64) (int64, error)
	InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	InsertRequestTx(ctx context.Context, tx pgx.Tx, req *models.WithdrawalRequest) error
	GetRequestForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.WithdrawalRequest, error)
	SetRequestStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, processedAt *time.Time, rejectionReason *string) error
	ListRequestsByUser(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error)
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	CreateDeal(ctx context.Context, d *models.SponsorshipDeal) error
	GetDealForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.SponsorshipDeal, error)
	SetDealStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// CreditLedger is the buyer-side debit used by marketplace purchases.
type CreditLedger interface {
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error
}

// TxRunner runs a function inside a retried transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Service is the wallet & settlement service: seller/influencer earnings,
// withdrawal requests, marketplace purchase settlement and sponsorship
// payouts. Every wallet balance change is written together with exactly one
// transaction record.
type Service struct {
	repo          Repo
	ledger        CreditLedger
	db            TxRunner
	minWithdrawal int64
	log           *slog.Logger
	now           func() time.Time
}

func NewService(repo Repo, ledger CreditLedger, db TxRunner, minWithdrawal int64, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, db: db, minWithdrawal: minWithdrawal, log: log, now: time.Now}
}

// Get returns the user's wallet, creating it lazily on first access.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, err := s.repo.GetByUserID(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	if err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.repo.EnsureWalletTx(ctx, tx, userID)
	}); err != nil {
		return nil, err
	}
	return s.repo.GetByUserID(ctx, userID)
}

// CreditTx credits earnings to the user's wallet inside the caller's
// transaction: lazy wallet create, balance/totalEarnings increment and the
// earning transaction record commit together.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, sourceType string, sourceID uuid.UUID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.repo.EnsureWalletTx(ctx, tx, userID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := s.repo.GetForUpdateTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := s.repo.ApplyEarningTx(ctx, tx, w.ID, amount); err != nil {
		return fmt.Errorf("apply earning: %w", err)
	}
	return s.repo.InsertTransactionTx(ctx, tx, &models.Transaction{
		ID:          uuid.New(),
		WalletID:    w.ID,
		UserID:      userID,
		Type:        models.TransactionTypeEarning,
		Amount:      amount,
		Status:      models.TransactionStatusCompleted,
		SourceType:  sourceType,
		SourceID:    &sourceID,
		Description: description,
	})
}

// Credit is the standalone variant of CreditTx.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int64, sourceType string, sourceID uuid.UUID, description string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.CreditTx(ctx, tx, userID, amount, sourceType, sourceID, description)
	})
}

// RequestWithdrawal files a pending withdrawal claim. The balance is
// validated but not debited here; the debit happens on approval, so
// overlapping pending requests can be filed against the same balance and
// approval re-validates.
func (s *Service) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount int64, method string, paymentDetails json.RawMessage) (*models.WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount < s.minWithdrawal {
		return nil, &BelowMinimumError{Requested: amount, Minimum: s.minWithdrawal}
	}
	req := &models.WithdrawalRequest{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         amount,
		Method:         method,
		PaymentDetails: paymentDetails,
		Status:         models.WithdrawalStatusPending,
	}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.EnsureWalletTx(ctx, tx, userID); err != nil {
			return err
		}
		w, err := s.repo.GetForUpdateTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Balance < amount {
			return &InsufficientBalanceError{Requested: amount, Available: w.Balance}
		}
		req.WalletID = w.ID
		return s.repo.InsertRequestTx(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ApproveWithdrawal debits the wallet, records the withdrawal transaction and
// completes the request, all in one transaction. Approving an already
// completed request no-ops. The balance is re-checked here: another approved
// request may have drained it since filing.
func (s *Service) ApproveWithdrawal(ctx context.Context, requestID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		req, err := s.repo.GetRequestForUpdateTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case models.WithdrawalStatusCompleted:
			return nil
		case models.WithdrawalStatusPending, models.WithdrawalStatusProcessing:
		default:
			return fmt.Errorf("%w: approve withdrawal from %s", models.ErrInvalidTransition, req.Status)
		}
		w, err := s.repo.GetForUpdateTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if _, err := s.repo.ApplyWithdrawalTx(ctx, tx, req.WalletID, req.Amount); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &InsufficientBalanceError{Requested: req.Amount, Available: w.Balance}
			}
			return fmt.Errorf("apply withdrawal: %w", err)
		}
		if err := s.repo.InsertTransactionTx(ctx, tx, &models.Transaction{
			ID:          uuid.New(),
			WalletID:    req.WalletID,
			UserID:      req.UserID,
			Type:        models.TransactionTypeWithdrawal,
			Amount:      req.Amount,
			Status:      models.TransactionStatusCompleted,
			SourceID:    &req.ID,
			Description: fmt.Sprintf("Withdrawal via %s", req.Method),
		}); err != nil {
			return err
		}
		processedAt := s.now()
		return s.repo.SetRequestStatusTx(ctx, tx, req.ID, models.WithdrawalStatusCompleted, &processedAt, nil)
	})
}

// RejectWithdrawal marks the request rejected. The balance is untouched.
func (s *Service) RejectWithdrawal(ctx context.Context, requestID uuid.UUID, reason string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		req, err := s.repo.GetRequestForUpdateTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case models.WithdrawalStatusRejected:
			return nil
		case models.WithdrawalStatusPending, models.WithdrawalStatusProcessing:
		default:
			return fmt.Errorf("%w: reject withdrawal from %s", models.ErrInvalidTransition, req.Status)
		}
		processedAt := s.now()
		return s.repo.SetRequestStatusTx(ctx, tx, req.ID, models.WithdrawalStatusRejected, &processedAt, &reason)
	})
}

// ListWithdrawals returns the user's withdrawal requests, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	return s.repo.ListRequestsByUser(ctx, userID)
}

// ListTransactions returns the user's wallet transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

// CreateProduct lists a marketplace product priced in credits.
func (s *Service) CreateProduct(ctx context.Context, sellerID uuid.UUID, title string, priceCredits int64) (*models.Product, error) {
	if title == "" || priceCredits <= 0 {
		return nil, ErrInvalidAmount
	}
	p := &models.Product{
		ID:           uuid.New(),
		SellerUserID: sellerID,
		Title:        title,
		PriceCredits: priceCredits,
		Active:       true,
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PurchaseProduct settles a marketplace sale in one transaction: a usage
// debit on the buyer's credits and an earning credit to the seller's wallet.
// Either both commit or neither does.
func (s *Service) PurchaseProduct(ctx context.Context, buyerID, productID uuid.UUID) (uuid.UUID, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return uuid.Nil, err
	}
	if !product.Active {
		return uuid.Nil, ErrProductNotFound
	}
	if product.SellerUserID == buyerID {
		return uuid.Nil, errors.New("cannot purchase your own product")
	}
	orderID := uuid.New()
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.ledger.DebitTx(ctx, tx, buyerID, product.PriceCredits, orderID); err != nil {
			return err
		}
		return s.CreditTx(ctx, tx, product.SellerUserID, product.PriceCredits,
			models.SourceMarketplaceSale, orderID, fmt.Sprintf("Sale of %q", product.Title))
	})
	if err != nil {
		return uuid.Nil, err
	}
	return orderID, nil
}

// CreateDeal records a sponsorship deal awaiting content review.
func (s *Service) CreateDeal(ctx context.Context, sponsorID, influencerID uuid.UUID, amount int64) (*models.SponsorshipDeal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	d := &models.SponsorshipDeal{
		ID:               uuid.New(),
		InfluencerUserID: influencerID,
		SponsorUserID:    sponsorID,
		Amount:           amount,
		Status:           models.DealStatusContentSubmitted,
	}
	if err := s.repo.CreateDeal(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ApproveDeal moves a deal from content_submitted to approved.
func (s *Service) ApproveDeal(ctx context.Context, dealID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		deal, err := s.repo.GetDealForUpdateTx(ctx, tx, dealID)
		if err != nil {
			return err
		}
		switch deal.Status {
		case models.DealStatusApproved:
			return nil
		case models.DealStatusContentSubmitted:
		default:
			return fmt.Errorf("%w: approve deal from %s", models.ErrInvalidTransition, deal.Status)
		}
		return s.repo.SetDealStatusTx(ctx, tx, dealID, models.DealStatusApproved)
	})
}

// SettleDeal pays out an approved deal: the influencer's wallet is credited
// and the deal marked paid in the same transaction, so a failed credit leaves
// the deal approved, never half-paid.
func (s *Service) SettleDeal(ctx context.Context, dealID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		deal, err := s.repo.GetDealForUpdateTx(ctx, tx, dealID)
		if err != nil {
			return err
		}
		switch deal.Status {
		case models.DealStatusPaid:
			return nil
		case models.DealStatusApproved:
		default:
			return fmt.Errorf("%w: settle deal from %s", models.ErrInvalidTransition, deal.Status)
		}
		if err := s.CreditTx(ctx, tx, deal.InfluencerUserID, deal.Amount,
			models.SourceSponsorship, deal.ID, "Sponsorship deal payout"); err != nil {
			return err
		}
		return s.repo.SetDealStatusTx(ctx, tx, dealID, models.DealStatusPaid)
	})
}
