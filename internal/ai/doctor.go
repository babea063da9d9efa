package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Health is the result of probing the AI service.
type Health struct {
	Healthy  bool      `json:"healthy"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	ProbedAt time.Time `json:"probedAt"`
}

// Prober checks whether the AI service is reachable.
type Prober interface {
	Health(ctx context.Context) (*Health, error)
}

// Health calls GET /health on the service.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify("/health", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	h := &Health{
		Healthy:  resp.StatusCode == http.StatusOK && body.Status == "healthy",
		Status:   body.Status,
		ProbedAt: time.Now(),
	}
	if resp.StatusCode != http.StatusOK {
		h.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return h, nil
}

// Health always reports the stub as healthy.
func (c *StubClient) Health(ctx context.Context) (*Health, error) {
	return &Health{Healthy: true, Status: "stub", ProbedAt: time.Now()}, nil
}

// CachedDoctor wraps a Prober to cache health results with a configurable TTL.
// This avoids probing the service on every status request.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Health
}

// NewCachedDoctor creates a caching wrapper around health probes.
func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// WithTTL overrides how long a probe result stays fresh.
func (d *CachedDoctor) WithTTL(ttl time.Duration) *CachedDoctor {
	d.ttl = ttl
	return d
}

// Get returns the cached result if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Health, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		h := d.cached
		d.mu.RUnlock()
		return h, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Health, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, err := d.prober.Health(ctx)
	if err != nil {
		d.logger.Warn("ai health probe failed", "error", err)
		// Return stale cache if available
		if d.cached != nil {
			d.logger.Info("returning stale ai health cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = h
	return h, nil
}

// Invalidate clears the cached result.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
