package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osirix/backend/internal/execution"
	"github.com/osirix/backend/internal/models"
)

// ErrInvalidTransition aliases the state machine sentinel so callers can
// check it without importing models.
var ErrInvalidTransition = models.ErrInvalidTransition

// ErrInvalidProgress is returned for a progress report outside 0-100.
var ErrInvalidProgress = errors.New("progress must be between 0 and 100")

// Repo is the job persistence interface used by the lifecycle engine.
type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
	MarkQueuedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int) (bool, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, output json.RawMessage, charged int64, finishedAt time.Time) error
	FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, errorMessage string, finishedAt time.Time) error
	CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, finishedAt time.Time) error
	RetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// Ledger is the credit accounting interface the engine settles through. Every
// call runs inside the engine's transaction so job row and ledger commit
// together.
type Ledger interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error
	CaptureTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, reservedAmount, actualAmount int64, referenceID uuid.UUID) error
	RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, referenceID uuid.UUID) error
}

// TxRunner runs a function inside a retried transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// EnqueueFunc enqueues a generation job within the given transaction.
// Provided by main as a closure over river.Client.InsertTx, so the queue row
// commits atomically with the job transition.
type EnqueueFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error

// Service is the job lifecycle engine. It owns every write to job status and
// progress; callers and workers go through these operations only.
type Service struct {
	repo    Repo
	ledger  Ledger
	db      TxRunner
	enqueue EnqueueFunc
	log     *slog.Logger
	now     func() time.Time
}

func NewService(repo Repo, ledger Ledger, db TxRunner, enqueue EnqueueFunc, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, db: db, enqueue: enqueue, log: log, now: time.Now}
}

// Create reserves credits and inserts the pending job in one transaction. On
// insufficient credits no job row exists and the error surfaces unchanged.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, jobType string, input json.RawMessage, creditsRequired int64) (*models.Job, error) {
	if jobType == "" {
		return nil, errors.New("job type is required")
	}
	if creditsRequired <= 0 {
		return nil, errors.New("credits required must be > 0")
	}
	job := &models.Job{
		ID:              uuid.New(),
		UserID:          userID,
		Type:            jobType,
		Status:          models.JobStatusPending,
		InputData:       input,
		CreditsReserved: creditsRequired,
	}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.ledger.ReserveTx(ctx, tx, userID, creditsRequired, job.ID); err != nil {
			return err
		}
		return s.repo.CreateTx(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Dispatch moves a pending job to queued and hands it to the worker queue in
// the same transaction. It does not block on completion. Dispatching an
// already-queued job no-ops.
func (s *Service) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case models.JobStatusQueued:
			return nil
		case models.JobStatusPending:
		default:
			return fmt.Errorf("%w: dispatch from %s", ErrInvalidTransition, job.Status)
		}
		if err := s.repo.MarkQueuedTx(ctx, tx, jobID); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, execution.GenerateArgs{
			JobID: job.ID,
			Type:  job.Type,
			Input: job.InputData,
		})
	})
}

// Start marks a queued job as processing when the worker picks it up. A
// duplicate pickup no-ops; a terminal job (e.g. cancelled while queued)
// returns ErrInvalidTransition so the worker drops the work.
func (s *Service) Start(ctx context.Context, jobID uuid.UUID) error {
	moved, err := s.repo.MarkProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	if moved {
		return nil
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusProcessing {
		return nil
	}
	return fmt.Errorf("%w: start from %s", ErrInvalidTransition, job.Status)
}

// ReportProgress records a worker progress report. Reports are monotonic:
// a percent below the stored value, or one arriving outside processing, is
// ignored rather than rejected, since worker callbacks may be duplicated or
// reordered.
func (s *Service) ReportProgress(ctx context.Context, jobID uuid.UUID, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidProgress
	}
	applied, err := s.repo.UpdateProgress(ctx, jobID, percent)
	if err != nil {
		return err
	}
	if !applied {
		// Distinguish a stale report from an unknown job.
		if _, err := s.repo.GetByID(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// Complete settles a processing job as successful: captures the reservation
// (refunding the unused portion) and finalizes the row in one transaction.
// A duplicate callback on a terminal job is an idempotent no-op.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID, output json.RawMessage, actualCreditsUsed int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}
		if job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, job.Status)
		}
		if err := s.ledger.CaptureTx(ctx, tx, job.UserID, job.CreditsReserved, actualCreditsUsed, job.ID); err != nil {
			return err
		}
		return s.repo.CompleteTx(ctx, tx, jobID, output, actualCreditsUsed, s.now())
	})
}

// Fail settles a queued or processing job as failed, refunding the full
// reservation. Duplicate callbacks no-op.
func (s *Service) Fail(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}
		if job.Status != models.JobStatusQueued && job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, job.Status)
		}
		if err := s.ledger.RefundTx(ctx, tx, job.UserID, job.CreditsReserved, job.ID); err != nil {
			return err
		}
		return s.repo.FailTx(ctx, tx, jobID, errorMessage, s.now())
	})
}

// Cancel is the user-initiated abort. It refunds the full reservation and is
// disallowed once the job completed or failed. Cancellation is cooperative:
// an out-of-band worker may still be running; its later callbacks find the
// terminal status and no-op without re-charging.
func (s *Service) Cancel(ctx context.Context, jobID, userID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrJobNotFound
		}
		switch job.Status {
		case models.JobStatusCancelled:
			return nil
		case models.JobStatusCompleted, models.JobStatusFailed:
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, job.Status)
		}
		if err := s.ledger.RefundTx(ctx, tx, job.UserID, job.CreditsReserved, job.ID); err != nil {
			return err
		}
		return s.repo.CancelTx(ctx, tx, jobID, s.now())
	})
}

// Retry re-runs a failed job. The original reservation was refunded by Fail,
// so a fresh reservation is placed; if the balance is now insufficient the
// job stays failed and the error surfaces.
func (s *Service) Retry(ctx context.Context, jobID, userID uuid.UUID) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrJobNotFound
		}
		if job.Status != models.JobStatusFailed {
			return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, job.Status)
		}
		if err := s.ledger.ReserveTx(ctx, tx, job.UserID, job.CreditsReserved, job.ID); err != nil {
			return err
		}
		if err := s.repo.RetryTx(ctx, tx, jobID); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, execution.GenerateArgs{
			JobID: job.ID,
			Type:  job.Type,
			Input: job.InputData,
		})
	})
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return s.repo.ListByUser(ctx, userID)
}
