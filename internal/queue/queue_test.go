package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echofinity/echofinity-backend/internal/logging"
)

var fastRetry = Options{MaxAttempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: 5 * time.Millisecond}}

func runPool(t *testing.T, q Source, h Handler, concurrency int) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	pool := NewPool(q, h, PoolConfig{Concurrency: concurrency, Logger: logging.Discard()})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestBackoff_Wait(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Wait(1))
	assert.Equal(t, 4*time.Second, exp.Wait(2))
	assert.Equal(t, 8*time.Second, exp.Wait(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Wait(3))
}

func TestOptions_Normalize(t *testing.T) {
	o := Options{}.Normalize()
	assert.Equal(t, DefaultOptions, o)
}

func TestMemory_EnqueueIsIdempotentByJobID(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1"}, Options{}))
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1"}, Options{}))
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j2"}, Options{}))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", d.JobID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, 3, d.Options.MaxAttempts)
}

func TestMemory_ReceiveHonoursContext(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_CloseUnblocksReceive(t *testing.T) {
	q := NewMemory()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), Message{JobID: "x"}, Options{}), ErrClosed)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx := context.Background()

	var inFlight, peak, done atomic.Int32
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, d *Delivery) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(ctx, Message{JobID: fmt.Sprintf("j%d", i)}, Options{}))
	}
	stop := runPool(t, q, h, 2)
	defer stop()

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), inFlight.Load(), "more than two deliveries in flight")
	close(release)

	require.Eventually(t, func() bool { return done.Load() == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	q := NewMemory()
	defer q.Close()

	var mu sync.Mutex
	var attempts []int
	h := HandlerFunc(func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		if d.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), Message{JobID: "j1"}, fastRetry))
	stop := runPool(t, q, h, 1)
	defer stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()
	assert.Empty(t, q.DeadLetters())
}

func TestPool_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := NewMemory()
	defer q.Close()

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, d *Delivery) error {
		calls.Add(1)
		return errors.New("always")
	})

	require.NoError(t, q.Enqueue(context.Background(), Message{JobID: "j1"}, fastRetry))
	stop := runPool(t, q, h, 1)
	defer stop()

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, q.DeadLetters()[0].Attempt)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{DeadLettered: 1}, stats)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	q := NewMemory()
	defer q.Close()

	var calls atomic.Int32
	h := HandlerFunc(func(ctx context.Context, d *Delivery) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), Message{JobID: "j1"}, fastRetry))
	stop := runPool(t, q, h, 1)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}
