// Package ai talks to the enrichment service that detects scenes, generates
// subtitles and color-corrects a video.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("ai: service unavailable")
	ErrTimeout     = errors.New("ai: request timeout")
	ErrMalformed   = errors.New("ai: malformed response")
)

// ServiceError is a non-2xx reply from the AI service.
type ServiceError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ai %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("ai %s: HTTP %d", e.Endpoint, e.StatusCode)
}

type Scene struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Subtitle struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Client is the AI collaborator. Empty results are returned as-is; callers
// decide whether an empty list counts as a failure.
type Client interface {
	DetectScenes(ctx context.Context, videoPath string) ([]Scene, error)
	GenerateSubtitles(ctx context.Context, videoPath string) ([]Subtitle, error)
	CorrectColor(ctx context.Context, videoPath, preset string) (string, error)
}

// StubClient returns canned results without any network access. It is used
// when no AI service URL is configured.
type StubClient struct {
	logger *slog.Logger
	delay  time.Duration
}

func NewStubClient(logger *slog.Logger) *StubClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubClient{logger: logger}
}

// WithDelay makes every stub call take d.
func (c *StubClient) WithDelay(d time.Duration) *StubClient {
	c.delay = d
	return c
}

func (c *StubClient) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StubClient) DetectScenes(ctx context.Context, videoPath string) ([]Scene, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug("ai stub: detect scenes", "video_path", videoPath)
	return []Scene{
		{Start: 0.0, End: 5.2},
		{Start: 5.2, End: 12.8},
		{Start: 12.8, End: 20.5},
	}, nil
}

func (c *StubClient) GenerateSubtitles(ctx context.Context, videoPath string) ([]Subtitle, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug("ai stub: generate subtitles", "video_path", videoPath)
	return []Subtitle{
		{Start: 0.0, End: 2.5, Text: "Welcome to EchoFinity"},
		{Start: 2.5, End: 5.0, Text: "AI-powered video editing"},
	}, nil
}

func (c *StubClient) CorrectColor(ctx context.Context, videoPath, preset string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	c.logger.Debug("ai stub: correct color", "video_path", videoPath, "preset", preset)
	return CorrectedPath(videoPath, preset), nil
}

// CorrectedPath is where a color-corrected copy of videoPath is written:
// /exports/abc.mp4 with preset warm becomes /exports/abc_warm.mp4.
func CorrectedPath(videoPath, preset string) string {
	ext := path.Ext(videoPath)
	return strings.TrimSuffix(videoPath, ext) + "_" + preset + ext
}
