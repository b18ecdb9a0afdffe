package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when an operation violates the job state
// machine. Benign duplicate callbacks are absorbed as no-ops before this is
// ever produced.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Job statuses. Transitions are owned exclusively by the jobs service:
// pending -> queued -> processing -> {completed | failed | cancelled},
// plus failed -> queued via retry.
const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Well-known job types. The set is open: unknown types are accepted and
// passed through to the generation backend untouched.
const (
	JobTypeTTS     = "tts"
	JobTypeVideo   = "video"
	JobTypeLipsync = "lipsync"
	JobTypeImage   = "image"
)

// Job is one unit of generative work. InputData and OutputData are opaque
// payloads; the core never inspects their contents.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	InputData       json.RawMessage `json:"input_data"`
	OutputData      json.RawMessage `json:"output_data,omitempty"`
	CreditsReserved int64           `json:"credits_reserved"`
	CreditsCharged  *int64          `json:"credits_charged,omitempty"`
	Progress        int             `json:"progress"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
