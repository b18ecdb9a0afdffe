package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osirix/backend/internal/models"
)

// ErrJobNotFound is returned when the job does not exist (or is not visible
// to the caller).
var ErrJobNotFound = errors.New("job not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, user_id, type, status, input_data, output_data, credits_reserved,
	credits_charged, progress, error_message, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.Status, &j.InputData, &j.OutputData,
		&j.CreditsReserved, &j.CreditsCharged, &j.Progress, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateTx inserts a pending job inside the caller's transaction, alongside
// its credit reservation.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, type, status, input_data, credits_reserved, progress)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at
	`, j.ID, j.UserID, j.Type, j.Status, j.InputData, j.CreditsReserved).Scan(&j.CreatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetByIDForUpdate locks the job row so concurrent transitions serialize.
// Call within a transaction.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkQueuedTx moves the locked job to queued.
func (r *Repository) MarkQueuedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, models.JobStatusQueued)
	return err
}

// MarkProcessing transitions queued -> processing and stamps started_at.
// Returns false when the job was not queued (already picked up, or terminal).
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.JobStatusProcessing, models.JobStatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress stores a progress report. The condition makes it monotonic
// and restricted to processing jobs; out-of-order or stale reports match zero
// rows and are ignored.
func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status = $3 AND progress < $2
	`, id, percent, models.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteTx finalizes the locked job as completed.
func (r *Repository) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, output json.RawMessage, charged int64, finishedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, output_data = $3, credits_charged = $4, progress = 100, finished_at = $5
		WHERE id = $1
	`, id, models.JobStatusCompleted, output, charged, finishedAt)
	return err
}

// FailTx finalizes the locked job as failed.
func (r *Repository) FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errorMessage string, finishedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, finished_at = $4
		WHERE id = $1
	`, id, models.JobStatusFailed, errorMessage, finishedAt)
	return err
}

// CancelTx finalizes the locked job as cancelled.
func (r *Repository) CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, finishedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, finished_at = $3 WHERE id = $1
	`, id, models.JobStatusCancelled, finishedAt)
	return err
}

// RetryTx resets the locked failed job back to queued.
func (r *Repository) RetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 0, error_message = NULL, finished_at = NULL
		WHERE id = $1
	`, id, models.JobStatusQueued)
	return err
}
