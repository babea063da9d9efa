// Package pipeline runs queued export jobs: three AI enrichment stages,
// each retried on its own, followed by the media step and a single
// terminal status write.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/echofinity/echofinity-backend/internal/ai"
	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/logging"
	"github.com/echofinity/echofinity-backend/internal/queue"
	"github.com/echofinity/echofinity-backend/internal/retry"
)

// JobName is the queue message name for export jobs.
const JobName = "export"

const (
	StageScenes    = "scene_detection"
	StageSubtitles = "subtitle_generation"
	StageColor     = "color_correction"

	stageCount = 3
)

// Payload is the queue message body for an export job.
type Payload struct {
	JobID      string `json:"jobId"`
	ProjectID  string `json:"projectId"`
	UserID     string `json:"userId"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
	Preset     string `json:"preset"`
}

// DefaultStagePolicy is three attempts waiting 1s then 2s.
var DefaultStagePolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}

// Outcome is the result of one stage after retries.
type Outcome[T any] struct {
	Value    T
	Attempts int
	Err      error
}

func (o Outcome[T]) OK() bool { return o.Err == nil }

// Result summarizes one processing run.
type Result struct {
	JobID     string
	Status    catalog.JobStatus
	Successes int
	Failures  int
	// Skipped is set when the job was already terminal or changed state
	// while this run was in flight.
	Skipped bool
}

type Options struct {
	StagePolicy retry.Policy
	Now         func() time.Time
}

type Processor struct {
	repo   catalog.Repository
	ai     ai.Client
	media  MediaProcessor
	logger *slog.Logger
	policy retry.Policy
	now    func() time.Time
}

func NewProcessor(repo catalog.Repository, client ai.Client, media MediaProcessor, logger *slog.Logger, opts Options) *Processor {
	if opts.StagePolicy.MaxAttempts == 0 {
		opts.StagePolicy = DefaultStagePolicy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		repo:   repo,
		ai:     client,
		media:  media,
		logger: logging.WithComponent(logger, "pipeline"),
		policy: opts.StagePolicy,
		now:    opts.Now,
	}
}

// Handle adapts the processor to queue.Handler.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) error {
	jobID := d.JobID
	if len(d.Payload) > 0 {
		var payload Payload
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if payload.JobID != "" {
			jobID = payload.JobID
		}
	}
	if jobID == "" {
		return errors.New("pipeline: delivery without job id")
	}

	_, err := p.Process(ctx, jobID)
	return err
}

// Process runs the job to a terminal status. A returned error means the
// run aborted; the job has then been marked failed unless ctx was
// canceled, in which case it stays processing for redelivery.
func (p *Processor) Process(ctx context.Context, jobID string) (res Result, err error) {
	logger := logging.WithJobID(p.logger, jobID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		if err == nil || errors.Is(err, catalog.ErrJobNotFound) {
			return
		}
		if ctx.Err() != nil {
			logger.Warn("export job interrupted", "error", err)
			return
		}
		p.markFailed(ctx, logger, jobID, err)
	}()

	job, claimed, err := p.repo.ClaimExportJob(ctx, jobID, p.now())
	if err != nil {
		return Result{JobID: jobID}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		logger.Info("export job already finished, skipping", "status", job.Status)
		return Result{JobID: jobID, Status: job.Status, Skipped: true}, nil
	}

	logger.Info("export job started",
		"source", job.SourcePath,
		"format", job.Format,
		"resolution", job.Resolution,
		"preset", job.Preset)

	videoPath := job.SourcePath
	scenes := runStage(ctx, p, logger, StageScenes,
		func(ctx context.Context) ([]ai.Scene, error) { return p.ai.DetectScenes(ctx, videoPath) },
		func(v []ai.Scene) bool { return len(v) > 0 })
	subtitles := runStage(ctx, p, logger, StageSubtitles,
		func(ctx context.Context) ([]ai.Subtitle, error) { return p.ai.GenerateSubtitles(ctx, videoPath) },
		func(v []ai.Subtitle) bool { return len(v) > 0 })
	color := runStage(ctx, p, logger, StageColor,
		func(ctx context.Context) (string, error) { return p.ai.CorrectColor(ctx, videoPath, job.Preset) },
		func(v string) bool { return v != "" })

	if err := ctx.Err(); err != nil {
		return Result{JobID: jobID}, err
	}

	meta := job.Metadata
	successes := 0
	if scenes.OK() {
		meta.Scenes = toScenes(scenes.Value)
		successes++
	}
	if subtitles.OK() {
		meta.Subtitles = toSubtitles(subtitles.Value)
		successes++
	}
	if color.OK() {
		meta.ColorCorrectedPath = color.Value
		successes++
	}

	status := Aggregate(successes)
	switch status {
	case catalog.JobStatusPartial:
		meta.PartialCompletion = true
		meta.AISuccessCount = successes
		meta.AIFailureCount = stageCount - successes
		logger.Warn("partial enrichment", "succeeded", successes, "of", stageCount)
	case catalog.JobStatusFailed:
		meta.AIProcessingFailed = true
		logger.Error("all enrichment stages failed")
	}

	renderStart := p.now()
	if err := p.media.Render(ctx, job); err != nil {
		return Result{JobID: jobID}, fmt.Errorf("render: %w", err)
	}
	processedAt := p.now()
	meta.ProcessedAt = &processedAt
	meta.ProcessingTime = fmt.Sprintf("%dms", processedAt.Sub(renderStart).Milliseconds())

	if err := p.repo.FinishExportJob(ctx, jobID, status, meta); err != nil {
		if errors.Is(err, catalog.ErrJobStateChanged) {
			logger.Warn("export job changed state during processing, dropping result", "error", err)
			return Result{JobID: jobID, Skipped: true}, nil
		}
		return Result{JobID: jobID}, fmt.Errorf("finish job: %w", err)
	}

	logger.Info("export job completed", "status", status, "succeeded", successes)
	return Result{
		JobID:     jobID,
		Status:    status,
		Successes: successes,
		Failures:  stageCount - successes,
	}, nil
}

// Aggregate maps the number of successful stages to the job status.
func Aggregate(successes int) catalog.JobStatus {
	switch {
	case successes >= stageCount:
		return catalog.JobStatusReady
	case successes > 0:
		return catalog.JobStatusPartial
	default:
		return catalog.JobStatusFailed
	}
}

func runStage[T any](ctx context.Context, p *Processor, logger *slog.Logger, name string,
	fn func(ctx context.Context) (T, error), valid func(T) bool) Outcome[T] {
	logger = logger.With("stage", name)
	policy := p.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("stage attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"wait", wait,
			"error", err)
	}

	v, attempts, err := retry.Do(ctx, policy, fn, valid)
	if err != nil {
		logger.Error("stage failed", "attempts", attempts, "error", err)
		return Outcome[T]{Attempts: attempts, Err: err}
	}
	if attempts > 1 {
		logger.Info("stage succeeded after retry", "attempts", attempts)
	}
	return Outcome[T]{Value: v, Attempts: attempts}
}

func (p *Processor) markFailed(ctx context.Context, logger *slog.Logger, jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Error("export job aborted", "error", cause)
	ok, err := p.repo.FailExportJob(ctx, jobID, cause.Error(), p.now())
	if err != nil {
		logger.Error("failed to mark export job failed", "error", err)
		return
	}
	if !ok {
		logger.Warn("export job already terminal, failure not recorded")
	}
}

func toScenes(in []ai.Scene) []catalog.Scene {
	out := make([]catalog.Scene, len(in))
	for i, s := range in {
		out[i] = catalog.Scene{Start: s.Start, End: s.End}
	}
	return out
}

func toSubtitles(in []ai.Subtitle) []catalog.Subtitle {
	out := make([]catalog.Subtitle, len(in))
	for i, s := range in {
		out[i] = catalog.Subtitle{Start: s.Start, End: s.End, Text: s.Text}
	}
	return out
}
