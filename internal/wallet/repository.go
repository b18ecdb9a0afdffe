package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osirix/backend/internal/models"
)

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrRequestNotFound = errors.New("withdrawal request not found")
	ErrProductNotFound = errors.New("product not found")
	ErrDealNotFound    = errors.New("sponsorship deal not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureWalletTx creates a zeroed wallet row for the user if absent. Wallets
// are created lazily on first access.
func (r *Repository) EnsureWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID)
	return err
}

const walletColumns = `id, user_id, balance, pending_balance, total_earnings, total_withdrawn, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.PendingBalance, &w.TotalEarnings, &w.TotalWithdrawn, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// GetForUpdateTx locks the wallet row. Call within a transaction, after
// EnsureWalletTx.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

// ApplyEarningTx adds amount to balance and lifetime earnings.
func (r *Repository) ApplyEarningTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance + $1, total_earnings = total_earnings + $1, updated_at = now()
		WHERE id = $2
	`, amount, walletID)
	return err
}

// ApplyWithdrawalTx debits amount if the balance covers it and bumps lifetime
// withdrawals. Returns pgx.ErrNoRows when the balance is insufficient.
func (r *Repository) ApplyWithdrawalTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE wallets SET balance = balance - $1, total_withdrawn = total_withdrawn + $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, walletID).Scan(&newBalance)
	return newBalance, err
}

// InsertTransactionTx writes the audit record for a wallet balance change, in
// the same transaction as the change itself.
func (r *Repository) InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, user_id, type, amount, status, source_type, source_id, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, t.ID, t.WalletID, t.UserID, t.Type, t.Amount, t.Status, t.SourceType, t.SourceID, t.Description, t.Metadata).Scan(&t.CreatedAt)
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, user_id, type, amount, status, source_type, source_id, description, metadata, created_at
		FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.SourceType, &t.SourceID, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// InsertRequestTx creates a pending withdrawal request.
func (r *Repository) InsertRequestTx(ctx context.Context, tx pgx.Tx, req *models.WithdrawalRequest) error {
	return tx.QueryRow(ctx, `
		INSERT INTO withdrawal_requests (id, user_id, wallet_id, amount, method, payment_details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, req.ID, req.UserID, req.WalletID, req.Amount, req.Method, req.PaymentDetails, req.Status).Scan(&req.CreatedAt)
}

const requestColumns = `id, user_id, wallet_id, amount, method, payment_details, status, processed_at, rejection_reason, created_at`

func scanRequest(row pgx.Row) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := row.Scan(&req.ID, &req.UserID, &req.WalletID, &req.Amount, &req.Method, &req.PaymentDetails, &req.Status, &req.ProcessedAt, &req.RejectionReason, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetRequestForUpdateTx locks the withdrawal request row so approval and
// rejection serialize.
func (r *Repository) GetRequestForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id))
}

// SetRequestStatusTx updates the locked request's terminal fields.
func (r *Repository) SetRequestStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, processedAt *time.Time, rejectionReason *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $2, processed_at = $3, rejection_reason = $4
		WHERE id = $1
	`, id, status, processedAt, rejectionReason)
	return err
}

func (r *Repository) ListRequestsByUser(ctx context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WithdrawalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	return list, rows.Err()
}

func (r *Repository) CreateProduct(ctx context.Context, p *models.Product) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO products (id, seller_user_id, title, price_credits, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, p.ID, p.SellerUserID, p.Title, p.PriceCredits, p.Active).Scan(&p.CreatedAt)
}

func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var p models.Product
	err := r.pool.QueryRow(ctx, `
		SELECT id, seller_user_id, title, price_credits, active, created_at
		FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.SellerUserID, &p.Title, &p.PriceCredits, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) CreateDeal(ctx context.Context, d *models.SponsorshipDeal) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO sponsorship_deals (id, influencer_user_id, sponsor_user_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, d.ID, d.InfluencerUserID, d.SponsorUserID, d.Amount, d.Status).Scan(&d.CreatedAt, &d.UpdatedAt)
}

// GetDealForUpdateTx locks the deal row for settlement.
func (r *Repository) GetDealForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.SponsorshipDeal, error) {
	var d models.SponsorshipDeal
	err := tx.QueryRow(ctx, `
		SELECT id, influencer_user_id, sponsor_user_id, amount, status, created_at, updated_at
		FROM sponsorship_deals WHERE id = $1 FOR UPDATE
	`, id).Scan(&d.ID, &d.InfluencerUserID, &d.SponsorUserID, &d.Amount, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SetDealStatusTx updates the locked deal's status.
func (r *Repository) SetDealStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE sponsorship_deals SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}
