// Package redisq implements queue.Queue on Redis Streams with a consumer
// group. Delayed retries wait in a sorted set and are moved back onto the
// stream when due; deliveries abandoned by a crashed worker are reclaimed
// after ClaimMinIdle; exhausted messages go to a dead letter stream.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/echofinity/echofinity-backend/internal/queue"
)

// DefaultClaimMinIdle exceeds the longest an export can legitimately run:
// three stages of three 30s attempts with 1s and 2s waits, plus the render.
const DefaultClaimMinIdle = 10 * time.Minute

// promoteScript moves one due member of the delayed set onto the stream.
// The member leaves the set only once XADD has succeeded.
var promoteScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('XADD', KEYS[2], '*', unpack(ARGV, 2))
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

type Config struct {
	// Stream is the job stream name, e.g. jobs:v1:video-export.
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	// Block is how long Receive waits on XREADGROUP before returning nil.
	Block time.Duration
	// ClaimMinIdle is how long a delivery may stay unacknowledged before
	// another consumer takes it over. It must exceed the longest job run,
	// otherwise a slow job is handed to a second worker while still running.
	// Defaults to DefaultClaimMinIdle.
	ClaimMinIdle time.Duration
}

type Queue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	minIdle  time.Duration
	now      func() time.Time
}

// New wraps an existing client. Call EnsureGroup before Receive.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = "jobs:v1:video-export"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "echofinity-workers"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = DefaultClaimMinIdle
	}
	return &Queue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.ConsumerGroup,
		consumer: cfg.ConsumerName,
		block:    cfg.Block,
		minIdle:  cfg.ClaimMinIdle,
		now:      time.Now,
	}
}

// Dial parses a redis:// URL, connects and ensures the consumer group.
func Dial(ctx context.Context, url string, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	q := New(client, cfg)
	if err := q.EnsureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (q *Queue) idsKey() string     { return q.stream + ":ids" }
func (q *Queue) delayedKey() string { return q.stream + ":delayed" }

// DeadLetterStream returns the dead letter stream for this queue:
// jobs:v1:video-export -> dlq:v1:video-export.
func (q *Queue) DeadLetterStream() string {
	if strings.HasPrefix(q.stream, "jobs:v1:") {
		return "dlq:v1:" + strings.TrimPrefix(q.stream, "jobs:v1:")
	}
	parts := strings.Split(q.stream, ":")
	return "dlq:v1:" + parts[len(parts)-1]
}

// entry is the field set written to the stream for each message.
type entry struct {
	JobID       string `json:"jobId"`
	Name        string `json:"name"`
	Payload     string `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	BackoffType string `json:"backoffType"`
	BackoffMs   int64  `json:"backoffMs"`
	EnqueuedAt  string `json:"enqueuedAt"`
}

// args flattens the entry into XADD field/value pairs.
func (e entry) args() []interface{} {
	return []interface{}{
		"jobId", e.JobID,
		"name", e.Name,
		"payload", e.Payload,
		"attempt", e.Attempt,
		"maxAttempts", e.MaxAttempts,
		"backoffType", e.BackoffType,
		"backoffMs", e.BackoffMs,
		"enqueuedAt", e.EnqueuedAt,
	}
}

func (q *Queue) Enqueue(ctx context.Context, msg queue.Message, opts queue.Options) error {
	if msg.JobID == "" {
		return errors.New("redisq: job id is required")
	}
	opts = opts.Normalize()

	added, err := q.client.SAdd(ctx, q.idsKey(), msg.JobID).Result()
	if err != nil {
		return fmt.Errorf("redisq: register job id: %w", err)
	}
	if added == 0 {
		return nil
	}

	e := entry{
		JobID:       msg.JobID,
		Name:        msg.Name,
		Payload:     string(msg.Payload),
		MaxAttempts: opts.MaxAttempts,
		BackoffType: opts.Backoff.Type,
		BackoffMs:   opts.Backoff.Delay.Milliseconds(),
		EnqueuedAt:  q.now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: e.args()}).Err(); err != nil {
		q.client.SRem(context.WithoutCancel(ctx), q.idsKey(), msg.JobID)
		return fmt.Errorf("redisq: add to stream: %w", err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisq: reclaim pending: %w", err)
	}
	if len(claimed) > 0 {
		d, err := parseMessage(claimed[0])
		if err != nil {
			return nil, err
		}
		return q.reclaimed(ctx, d)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redisq: read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0])
}

// reclaimed corrects the attempt of a delivery taken over from a consumer
// that never acked it. Each XREADGROUP or XAUTOCLAIM of the stream entry
// counts as one attempt on top of those recorded before it was written.
// A delivery already past its last attempt is dead-lettered, not returned.
func (q *Queue) reclaimed(ctx context.Context, d *queue.Delivery) (*queue.Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  d.ID,
		End:    d.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: read delivery count: %w", err)
	}
	if len(pending) == 1 && pending[0].RetryCount > 0 {
		d.Attempt += int(pending[0].RetryCount) - 1
	}

	if d.Attempt > d.Options.MaxAttempts {
		reason := fmt.Sprintf("delivery abandoned by a worker on each of %d attempts", d.Options.MaxAttempts)
		if err := q.DeadLetter(ctx, d, reason); err != nil {
			return nil, fmt.Errorf("redisq: dead letter abandoned delivery: %w", err)
		}
		return nil, nil
	}
	return d, nil
}

// promoteDue moves delayed retries whose time has come back onto the stream.
// The script decides which consumer wins when several promote at once.
func (q *Queue) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redisq: list delayed: %w", err)
	}
	for _, member := range due {
		var e entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return fmt.Errorf("redisq: decode delayed entry: %w", err)
		}
		args := append([]interface{}{member}, e.args()...)
		keys := []string{q.delayedKey(), q.stream}
		if err := promoteScript.Run(ctx, q.client, keys, args...).Err(); err != nil {
			return fmt.Errorf("redisq: requeue delayed: %w", err)
		}
	}
	return nil
}

func parseMessage(msg redis.XMessage) (*queue.Delivery, error) {
	str := func(k string) string {
		s, _ := msg.Values[k].(string)
		return s
	}
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(str(k), 10, 64)
		return n
	}

	jobID := str("jobId")
	if jobID == "" {
		return nil, fmt.Errorf("redisq: message %s has no jobId", msg.ID)
	}
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, str("enqueuedAt"))

	return &queue.Delivery{
		Message: queue.Message{
			JobID:   jobID,
			Name:    str("name"),
			Payload: []byte(str("payload")),
		},
		Options: queue.Options{
			MaxAttempts: int(num("maxAttempts")),
			Backoff: queue.Backoff{
				Type:  str("backoffType"),
				Delay: time.Duration(num("backoffMs")) * time.Millisecond,
			},
		}.Normalize(),
		Attempt:    int(num("attempt")) + 1,
		ID:         msg.ID,
		EnqueuedAt: enqueuedAt,
	}, nil
}

func (q *Queue) toEntry(d *queue.Delivery) entry {
	return entry{
		JobID:       d.JobID,
		Name:        d.Name,
		Payload:     string(d.Payload),
		Attempt:     d.Attempt,
		MaxAttempts: d.Options.MaxAttempts,
		BackoffType: d.Options.Backoff.Type,
		BackoffMs:   d.Options.Backoff.Delay.Milliseconds(),
		EnqueuedAt:  d.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Ack acknowledges and removes a handled message.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, d.ID)
	pipe.XDel(ctx, q.stream, d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry acknowledges the current delivery and parks the message in the
// delayed set until delay has passed.
func (q *Queue) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, cause error) error {
	member, err := json.Marshal(q.toEntry(d))
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(member)})
	pipe.XAck(ctx, q.stream, q.group, d.ID)
	pipe.XDel(ctx, q.stream, d.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter moves the message to the dead letter stream.
func (q *Queue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	fields := map[string]interface{}{
		"original_message_id": d.ID,
		"original_queue":      q.stream,
		"reason":              reason,
		"moved_at":            q.now().UTC().Format(time.RFC3339),
		"worker_id":           q.consumer,
		"jobId":               d.JobID,
		"attempts":            d.Attempt,
		"payload":             string(d.Payload),
	}

	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.DeadLetterStream(), Values: fields})
	pipe.XAck(ctx, q.stream, q.group, d.ID)
	pipe.XDel(ctx, q.stream, d.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	length, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return queue.Stats{}, err
	}
	var active int64
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err == nil {
		active = pending.Count
	} else if err != redis.Nil {
		return queue.Stats{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return queue.Stats{}, err
	}
	dead, err := q.client.XLen(ctx, q.DeadLetterStream()).Result()
	if err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{
		Waiting:      length - active,
		Active:       active,
		Delayed:      delayed,
		DeadLettered: dead,
	}, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) ConsumerName() string { return q.consumer }
