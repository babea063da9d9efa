package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue for single-node deployments and tests.
// Messages do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	pending []*Delivery
	known   map[string]bool
	active  int64
	delayed int64
	dead    []*Delivery
	timers  map[*time.Timer]struct{}
	closed  bool
	notify  chan struct{}
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		known:  make(map[string]bool),
		timers: make(map[*time.Timer]struct{}),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, msg Message, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.known[msg.JobID] {
		return nil
	}
	m.known[msg.JobID] = true
	m.pending = append(m.pending, &Delivery{
		Message:    msg,
		Options:    opts.withDefaults(),
		ID:         msg.JobID,
		EnqueuedAt: m.now(),
	})
	m.wake()
	return nil
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.pending) > 0 {
			d := m.pending[0]
			m.pending = m.pending[1:]
			d.Attempt++
			m.active++
			if len(m.pending) > 0 {
				m.wake()
			}
			m.mu.Unlock()
			cp := *d
			return &cp, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	return nil
}

func (m *Memory) Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.active--
	m.delayed++

	next := *d
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, t)
		if m.closed {
			return
		}
		m.delayed--
		m.pending = append(m.pending, &next)
		m.wake()
	})
	m.timers[t] = struct{}{}
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	m.active--
	cp := *d
	m.dead = append(m.dead, &cp)
	m.mu.Unlock()
	return nil
}

// DeadLetters returns the messages that exhausted their attempts.
func (m *Memory) DeadLetters() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Delivery, len(m.dead))
	copy(out, m.dead)
	return out
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Waiting:      int64(len(m.pending)),
		Active:       m.active,
		Delayed:      m.delayed,
		DeadLettered: int64(len(m.dead)),
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	close(m.notify)
	return nil
}

// wake must be called with mu held.
func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
