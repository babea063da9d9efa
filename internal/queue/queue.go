// Package queue defines the job queue contract used between the export
// orchestrator and the pipeline workers, an in-process implementation and
// a bounded worker pool. Delivery is at-least-once: a handler error causes
// the message to be redelivered after a backoff until its attempts run out,
// after which it is dead-lettered.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/echofinity/echofinity-backend/internal/retry"
)

var ErrClosed = errors.New("queue: closed")

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff is the wait between delivery attempts.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Wait returns the delay before redelivering after the given failed attempt.
func (b Backoff) Wait(attempt int) time.Duration {
	if b.Type == BackoffFixed {
		return b.Delay
	}
	return retry.Policy{BaseDelay: b.Delay}.Delay(attempt)
}

type Options struct {
	MaxAttempts int     `json:"maxAttempts"`
	Backoff     Backoff `json:"backoff"`
}

// DefaultOptions is used for fields left zero in Enqueue.
var DefaultOptions = Options{
	MaxAttempts: 3,
	Backoff:     Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = DefaultOptions.Backoff.Type
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = DefaultOptions.Backoff.Delay
	}
	return o
}

// Normalize fills zero fields from DefaultOptions.
func (o Options) Normalize() Options { return o.withDefaults() }

// Message is what producers hand to the queue. JobID is caller supplied
// and identifies the message across redeliveries.
type Message struct {
	JobID   string `json:"jobId"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

// Delivery is one attempt at handling a Message.
type Delivery struct {
	Message
	Options Options
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
	// ID is the backend's handle for this delivery.
	ID         string
	EnqueuedAt time.Time
}

// Exhausted reports whether this was the last permitted attempt.
func (d *Delivery) Exhausted() bool {
	return d.Attempt >= d.Options.MaxAttempts
}

type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// Producer accepts messages. Enqueueing a JobID that is already known is
// accepted without creating a second message.
type Producer interface {
	Enqueue(ctx context.Context, msg Message, opts Options) error
}

// Source hands deliveries to workers.
type Source interface {
	// Receive blocks until a delivery is available or ctx is done. It may
	// return nil, nil when a backend poll times out.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry schedules redelivery after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Queue is a backend that is both a Producer and a Source.
type Queue interface {
	Producer
	Source
}

type Stats struct {
	Waiting      int64 `json:"waiting"`
	Active       int64 `json:"active"`
	Delayed      int64 `json:"delayed"`
	DeadLettered int64 `json:"deadLettered"`
}
