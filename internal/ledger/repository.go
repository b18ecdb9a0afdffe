package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osirix/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount creates the zero-balance credit account row for a user if it
// does not exist yet. Accounts are created lazily on first ledger touch.
func (r *Repository) EnsureAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// BalanceForUpdate locks the account row and returns the current balance.
// Call within a transaction.
func (r *Repository) BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Deduct atomically deducts amount if balance >= amount and returns the new
// balance. Returns pgx.ErrNoRows when the balance is insufficient; the row is
// left untouched in that case.
func (r *Repository) Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// Add adds amount to the account and returns the new balance.
func (r *Repository) Add(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// InsertEntry appends a ledger entry inside the given transaction.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, amount, kind, reference_id, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sequence, created_at
	`, e.ID, e.UserID, e.Amount, e.Kind, e.ReferenceID, e.BalanceAfter).Scan(&e.Sequence, &e.CreatedAt)
}

// CountEntries counts ledger entries for a reference with the given kind.
// Settlement idempotency checks use this to absorb duplicate callbacks.
func (r *Repository) CountEntries(ctx context.Context, tx pgx.Tx, referenceID uuid.UUID, kind string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_ledger WHERE reference_id = $1 AND kind = $2
	`, referenceID, kind).Scan(&n)
	return n, err
}

// LatestBalance returns the balance_after of the user's most recent ledger
// entry, or 0 if the user has no entries. The read path never re-sums.
func (r *Repository) LatestBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance_after FROM credit_ledger
		WHERE user_id = $1 ORDER BY sequence DESC LIMIT 1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// SumAmounts re-sums the full history for a user. Only the reconciliation
// check uses this.
func (r *Repository) SumAmounts(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1
	`, userID).Scan(&total)
	return total, err
}

// ListByUser returns the most recent entries for a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sequence, user_id, amount, kind, reference_id, balance_after, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY sequence DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Sequence, &e.UserID, &e.Amount, &e.Kind, &e.ReferenceID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
