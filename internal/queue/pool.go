package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultConcurrency = 2

type PoolConfig struct {
	// Concurrency is the number of deliveries handled at once.
	Concurrency int
	Logger      *slog.Logger
	// ReceiveBackoff is the first wait after a failed Receive. It doubles
	// up to 30s and resets on success.
	ReceiveBackoff time.Duration
}

// Pool runs a fixed number of workers that pull from a Source and call a
// Handler. Each worker handles one delivery at a time.
type Pool struct {
	source      Source
	handler     Handler
	concurrency int
	logger      *slog.Logger
	recvBackoff time.Duration

	running   atomic.Bool
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
}

func NewPool(source Source, handler Handler, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	return &Pool{
		source:      source,
		handler:     handler,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		recvBackoff: cfg.ReceiveBackoff,
	}
}

// Run blocks until ctx is cancelled or the source is closed, then waits for
// in-flight deliveries to finish.
func (p *Pool) Run(ctx context.Context) error {
	if p.running.Swap(true) {
		return errors.New("queue: pool already running")
	}
	defer p.running.Store(false)

	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped", "processed", p.processed.Load(), "failed", p.failed.Load())
	return nil
}

func (p *Pool) work(ctx context.Context, worker int) {
	const maxBackoff = 30 * time.Second
	backoff := p.recvBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Warn("receive failed", "worker", worker, "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = p.recvBackoff

		if d == nil {
			continue
		}
		p.deliver(ctx, worker, d)
	}
}

func (p *Pool) deliver(ctx context.Context, worker int, d *Delivery) {
	p.active.Add(1)
	defer p.active.Add(-1)

	logger := p.logger.With("job_id", d.JobID, "attempt", d.Attempt, "worker", worker)
	start := time.Now()

	err := p.safeHandle(ctx, d)
	if err == nil {
		p.processed.Add(1)
		if err := p.source.Ack(ctx, d); err != nil {
			logger.Error("ack failed", "error", err)
		}
		logger.Debug("delivery handled", "duration", time.Since(start))
		return
	}

	p.failed.Add(1)
	if d.Exhausted() {
		logger.Error("delivery failed, moving to dead letter", "error", err, "max_attempts", d.Options.MaxAttempts)
		if dlErr := p.source.DeadLetter(context.WithoutCancel(ctx), d, err.Error()); dlErr != nil {
			logger.Error("dead letter failed", "error", dlErr)
		}
		return
	}

	wait := d.Options.Backoff.Wait(d.Attempt)
	logger.Warn("delivery failed, scheduling retry", "error", err, "retry_in", wait)
	if rErr := p.source.Retry(context.WithoutCancel(ctx), d, wait, err); rErr != nil {
		logger.Error("schedule retry failed", "error", rErr)
	}
}

func (p *Pool) safeHandle(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("handler panic", "job_id", d.JobID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return p.handler.Handle(ctx, d)
}

func (p *Pool) IsRunning() bool { return p.running.Load() }

// Active returns the number of deliveries currently being handled.
func (p *Pool) Active() int { return int(p.active.Load()) }

func (p *Pool) Concurrency() int { return p.concurrency }
