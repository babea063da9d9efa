package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/echofinity/echofinity-backend/internal/catalog"
)

// MediaProcessor renders the exported file once enrichment is done.
type MediaProcessor interface {
	Render(ctx context.Context, job *catalog.ExportJob) error
}

// SimulatedMedia stands in for the encoder. It only waits.
type SimulatedMedia struct {
	logger *slog.Logger
	delay  time.Duration
}

func NewSimulatedMedia(delay time.Duration, logger *slog.Logger) *SimulatedMedia {
	return &SimulatedMedia{logger: logger, delay: delay}
}

func (m *SimulatedMedia) Render(ctx context.Context, job *catalog.ExportJob) error {
	m.logger.Info("media stub: render requested (no encoder wired)",
		"job_id", job.ID,
		"format", job.Format,
		"resolution", job.Resolution,
		"delay", m.delay)
	if m.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
