// Package export admits export requests: it checks ownership, prices and
// charges the request against the user's daily tokens, creates the job and
// hands it to the queue.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/ledger"
	"github.com/echofinity/echofinity-backend/internal/logging"
	"github.com/echofinity/echofinity-backend/internal/pipeline"
	"github.com/echofinity/echofinity-backend/internal/pricing"
	"github.com/echofinity/echofinity-backend/internal/queue"
	"github.com/echofinity/echofinity-backend/internal/usage"
)

var (
	ErrInvalidArgument = errors.New("export: invalid argument")
	ErrNotFound        = errors.New("export: not found")
)

// Ledger is the part of ledger.Ledger the orchestrator needs.
type Ledger interface {
	DailyBalance(ctx context.Context, userID string) (ledger.Balance, error)
	Deduct(ctx context.Context, userID string, amount int) (ledger.Balance, error)
}

type Pricer interface {
	Price(op string, p pricing.Params) (int, error)
}

type Request struct {
	ProjectID  string `json:"projectId"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
	Preset     string `json:"preset,omitempty"`
}

type Response struct {
	JobID     string            `json:"jobId"`
	Status    catalog.JobStatus `json:"status"`
	Cost      int               `json:"tokensCharged"`
	Remaining *int              `json:"remainingTokens,omitempty"`
}

// StatusView is what a caller sees when polling a job.
type StatusView struct {
	JobID      string              `json:"jobId"`
	Status     catalog.JobStatus   `json:"status"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	Format     string              `json:"format"`
	Resolution string              `json:"resolution"`
	FileName   string              `json:"fileName"`
	Metadata   catalog.JobMetadata `json:"metadata"`
}

func viewOf(j *catalog.ExportJob) StatusView {
	return StatusView{
		JobID:      j.ID,
		Status:     j.Status,
		UpdatedAt:  j.UpdatedAt,
		Format:     j.Format,
		Resolution: j.Resolution,
		FileName:   j.FileName,
		Metadata:   j.Metadata,
	}
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Repo     catalog.Repository
	Ledger   Ledger
	Pricer   Pricer
	Usage    usage.Recorder
	Producer queue.Producer
	Logger   *slog.Logger
	// QueueOptions defaults to queue.DefaultOptions.
	QueueOptions queue.Options
	NewID        func() string
	Now          func() time.Time
}

type Orchestrator struct {
	repo     catalog.Repository
	ledger   Ledger
	pricer   Pricer
	usage    usage.Recorder
	producer queue.Producer
	logger   *slog.Logger
	opts     queue.Options
	newID    func() string
	now      func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Orchestrator{
		repo:     cfg.Repo,
		ledger:   cfg.Ledger,
		pricer:   cfg.Pricer,
		usage:    cfg.Usage,
		producer: cfg.Producer,
		logger:   logging.WithComponent(cfg.Logger, "export"),
		opts:     cfg.QueueOptions.Normalize(),
		newID:    cfg.NewID,
		now:      cfg.Now,
	}
}

// Export admits one export request. Every failure before the deduction
// leaves the user's balance and the job table untouched.
func (o *Orchestrator) Export(ctx context.Context, userID string, req Request) (*Response, error) {
	logger := logging.WithUserID(o.logger, userID)

	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if err := validate(req); err != nil {
		return nil, err
	}

	project, err := o.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil || project.UserID != userID {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, req.ProjectID)
	}

	op, err := pricing.ExportOperation(req.Resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	cost, err := o.pricer.Price(op, pricing.Params{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	balance, err := o.ledger.DailyBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if !balance.Covers(cost) {
		current, _ := balance.Tokens()
		logger.Info("export rejected, insufficient tokens", "required", cost, "current", current)
		return nil, &ledger.InsufficientBalanceError{Current: current, Required: cost}
	}

	remaining, err := o.ledger.Deduct(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	job := catalog.NewExportJob(o.newID(), project.ID, userID, req.Format, req.Resolution, req.Preset, o.now())
	logger = logging.WithJobID(logger, job.ID)
	if err := o.repo.CreateExportJob(ctx, job); err != nil {
		logger.Error("export job not created after charge", "tokens", cost, "error", err)
		return nil, fmt.Errorf("create export job: %w", err)
	}

	if err := o.enqueue(ctx, job); err != nil {
		logger.Error("failed to enqueue export job", "error", err)
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, ferr := o.repo.FailExportJob(failCtx, job.ID, err.Error(), o.now()); ferr != nil {
			logger.Error("failed to mark export job failed", "error", ferr)
		}
		return nil, fmt.Errorf("enqueue export job: %w", err)
	}

	charged := cost
	if remaining.IsUnlimited() {
		charged = 0
	}
	o.recordUsage(ctx, logger, userID, op, charged, job)

	logger.Info("export job queued",
		"project_id", project.ID,
		"resolution", job.Resolution,
		"format", job.Format,
		"tokens", charged,
		"balance", remaining.String())

	resp := &Response{JobID: job.ID, Status: job.Status, Cost: charged}
	if n, ok := remaining.Tokens(); ok {
		resp.Remaining = &n
	}
	return resp, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, job *catalog.ExportJob) error {
	payload, err := json.Marshal(pipeline.Payload{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		UserID:     job.UserID,
		Format:     job.Format,
		Resolution: job.Resolution,
		Preset:     job.Preset,
	})
	if err != nil {
		return err
	}
	return o.producer.Enqueue(ctx, queue.Message{JobID: job.ID, Name: pipeline.JobName, Payload: payload}, o.opts)
}

// recordUsage is best effort. The charge has already happened.
func (o *Orchestrator) recordUsage(ctx context.Context, logger *slog.Logger, userID, op string, tokens int, job *catalog.ExportJob) {
	if o.usage == nil {
		return
	}
	params := map[string]string{
		"jobId":      job.ID,
		"projectId":  job.ProjectID,
		"format":     job.Format,
		"resolution": job.Resolution,
	}
	if _, err := o.usage.Record(ctx, userID, op, tokens, params); err != nil {
		logger.Warn("failed to record token usage", "operation", op, "tokens", tokens, "error", err)
	}
}

// Status returns the job if it exists and belongs to userID.
func (o *Orchestrator) Status(ctx context.Context, userID, jobID string) (*StatusView, error) {
	job, err := o.repo.GetExportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load export job: %w", err)
	}
	if job == nil || job.UserID != userID {
		return nil, fmt.Errorf("%w: export job %s", ErrNotFound, jobID)
	}
	v := viewOf(job)
	return &v, nil
}

// List returns the user's most recent jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, userID string, limit int) ([]StatusView, error) {
	jobs, err := o.repo.ListExportJobs(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	views := make([]StatusView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	return views, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidArgument)
	}
	if !catalog.IsValidFormat(req.Format) {
		return fmt.Errorf("%w: format must be mp4 or mov", ErrInvalidArgument)
	}
	if !catalog.IsValidResolution(req.Resolution) {
		return fmt.Errorf("%w: resolution must be 720p, 1080p or 4K", ErrInvalidArgument)
	}
	if req.Preset != "" && !catalog.IsValidPreset(req.Preset) {
		return fmt.Errorf("%w: unknown preset %q", ErrInvalidArgument, req.Preset)
	}
	return nil
}
