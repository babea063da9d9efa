package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 30 * time.Second

type HTTPConfig struct {
	BaseURL string
	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration
	// RateLimit is requests per second across all callers. Zero disables it.
	RateLimit float64
	Burst     int
}

// HTTPClient calls the AI service over HTTP/JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

type sceneResponse struct {
	Status string  `json:"status"`
	Scenes []Scene `json:"scenes"`
}

type subtitleResponse struct {
	Status    string     `json:"status"`
	Subtitles []Subtitle `json:"subtitles"`
}

type colorResponse struct {
	Status        string `json:"status"`
	CorrectedPath string `json:"correctedPath"`
}

func (c *HTTPClient) DetectScenes(ctx context.Context, videoPath string) ([]Scene, error) {
	var resp sceneResponse
	if err := c.post(ctx, "/scene/detect", map[string]string{"videoPath": videoPath}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Scenes == nil {
		return nil, fmt.Errorf("%w: /scene/detect status %q", ErrMalformed, resp.Status)
	}
	return resp.Scenes, nil
}

func (c *HTTPClient) GenerateSubtitles(ctx context.Context, videoPath string) ([]Subtitle, error) {
	var resp subtitleResponse
	if err := c.post(ctx, "/subtitle/generate", map[string]string{"videoPath": videoPath}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Subtitles == nil {
		return nil, fmt.Errorf("%w: /subtitle/generate status %q", ErrMalformed, resp.Status)
	}
	return resp.Subtitles, nil
}

func (c *HTTPClient) CorrectColor(ctx context.Context, videoPath, preset string) (string, error) {
	var resp colorResponse
	body := map[string]string{"videoPath": videoPath, "preset": preset}
	if err := c.post(ctx, "/color/correct", body, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" {
		return "", fmt.Errorf("%w: /color/correct status %q", ErrMalformed, resp.Status)
	}
	return resp.CorrectedPath, nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, payload, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}

	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classify(endpoint, err)
	}

	c.logger.Debug("ai request completed",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(respBody, &errBody)
		return &ServiceError{Endpoint: endpoint, StatusCode: resp.StatusCode, Detail: errBody.Detail}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, endpoint, err)
	}
	return nil
}

func classify(endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, endpoint)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, endpoint)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
}
