package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/osirix/backend/internal/models"
)

// GenerateArgs is the river payload for one generation job. Input is passed
// through opaque; the worker never inspects it.
type GenerateArgs struct {
	JobID uuid.UUID       `json:"job_id"`
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

func (GenerateArgs) Kind() string { return "generate_content" }

// JobService is the lifecycle contract the worker reports through. All four
// calls are idempotent-safe against duplicate delivery.
type JobService interface {
	Start(ctx context.Context, jobID uuid.UUID) error
	ReportProgress(ctx context.Context, jobID uuid.UUID, percent int) error
	Complete(ctx context.Context, jobID uuid.UUID, output json.RawMessage, actualCreditsUsed int64) error
	Fail(ctx context.Context, jobID uuid.UUID, errorMessage string) error
}

// Generator performs the actual generation work. progress may be called any
// number of times with values in 0-100.
type Generator interface {
	Generate(ctx context.Context, jobType string, input json.RawMessage, progress func(int)) (output json.RawMessage, creditsUsed int64, err error)
}

// GenerateWorker executes queued generation jobs. Delivery is at-least-once;
// the lifecycle engine absorbs duplicate callbacks.
type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	jobs      JobService
	generator Generator
	log       *slog.Logger
}

func NewGenerateWorker(jobs JobService, generator Generator, log *slog.Logger) *GenerateWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{jobs: jobs, generator: generator, log: log}
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args

	if err := w.jobs.Start(ctx, args.JobID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled (or otherwise finished) while queued; drop the work.
			w.log.Info("skipping job no longer startable", "job_id", args.JobID, "error", err)
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}

	output, creditsUsed, err := w.generator.Generate(ctx, args.Type, args.Input, func(percent int) {
		if perr := w.jobs.ReportProgress(ctx, args.JobID, percent); perr != nil {
			w.log.Warn("progress report failed", "job_id", args.JobID, "error", perr)
		}
	})
	if err != nil {
		if ferr := w.jobs.Fail(ctx, args.JobID, err.Error()); ferr != nil {
			return fmt.Errorf("generation failed (%v) and marking failed also failed: %w", err, ferr)
		}
		return nil
	}

	if err := w.jobs.Complete(ctx, args.JobID, output, creditsUsed); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// HTTPGenerator calls an external generation backend over HTTP and returns
// its output verbatim.
type HTTPGenerator struct {
	BackendURL string
	Client     *http.Client
}

func NewHTTPGenerator(backendURL string) *HTTPGenerator {
	return &HTTPGenerator{
		BackendURL: backendURL,
		Client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

type generateResponse struct {
	Output      json.RawMessage `json:"output"`
	CreditsUsed int64           `json:"credits_used"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, jobType string, input json.RawMessage, progress func(int)) (json.RawMessage, int64, error) {
	body, err := json.Marshal(generateRequest{Type: jobType, Input: input})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BackendURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	progress(10)
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call generation backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("generation backend returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode generation response: %w", err)
	}
	progress(90)
	return out.Output, out.CreditsUsed, nil
}
