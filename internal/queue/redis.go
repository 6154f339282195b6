package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/taskrunner/pkg/models"
	"github.com/redis/go-redis/v9"
)

// reserveScript first returns reservations whose visibility deadline passed
// to the scheduled set, then moves the earliest due message into the
// reserved set. KEYS: scheduled, reserved. ARGV: now (ms), deadline (ms).
var reserveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// enqueueScript stores the message body and schedules it in one step. A body
// that exists but is neither scheduled nor reserved is scheduled again, so a
// repeated Enqueue of the same handle always leaves it deliverable.
// KEYS: message, scheduled, reserved, status. ARGV: payload, deliver at (ms),
// id, status ttl (ms, 0 keeps forever), initial status.
var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  if redis.call('ZSCORE', KEYS[2], ARGV[3]) or redis.call('ZSCORE', KEYS[3], ARGV[3]) then
    return 0
  end
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[4], ARGV[5], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[4], ARGV[5])
end
return 1
`)

// RedisBroker implements Broker on go-redis/v9. Scheduled and reserved
// messages live in sorted sets scored by unix milliseconds, so delayed
// delivery costs nothing until the score comes due.
type RedisBroker struct {
	client    *redis.Client
	statusTTL time.Duration
	now       func() time.Time
}

// NewRedisBroker creates a RedisBroker from a Redis URL.
func NewRedisBroker(redisURL string, statusTTL time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisBrokerWithClient(redis.NewClient(opts), statusTTL), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, statusTTL time.Duration) *RedisBroker {
	return &RedisBroker{client: client, statusTTL: statusTTL, now: time.Now}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Enqueue(ctx context.Context, msg Message) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("enqueue: message id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now().UTC()
	}
	if msg.DeliverAt.IsZero() {
		msg.DeliverAt = msg.EnqueuedAt
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode message: %w", err)
	}

	err = enqueueScript.Run(ctx, b.client,
		[]string{MessageKey(msg.ID), scheduledKey, reservedKey, StatusKey(msg.ID)},
		payload,
		strconv.FormatInt(msg.DeliverAt.UnixMilli(), 10),
		msg.ID.String(),
		strconv.FormatInt(b.statusTTL.Milliseconds(), 10),
		string(models.StatusPending),
	).Err()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return msg.ID, nil
}

func (b *RedisBroker) Reserve(ctx context.Context, visibility time.Duration) (*Message, error) {
	now := b.now()
	res, err := reserveScript.Run(ctx, b.client,
		[]string{scheduledKey, reservedKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(visibility).UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reserve: %v", ErrUnavailable, err)
	}

	id, err := uuid.Parse(res)
	if err != nil {
		_ = b.client.ZRem(ctx, reservedKey, res).Err()
		return nil, fmt.Errorf("reserve: malformed message id %q: %w", res, err)
	}

	raw, err := b.client.Get(ctx, MessageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Body already gone (acked elsewhere); drop the orphaned id.
		_ = b.client.ZRem(ctx, reservedKey, res).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load message: %v", ErrUnavailable, err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

func (b *RedisBroker) Ack(ctx context.Context, id uuid.UUID) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, reservedKey, id.String())
	pipe.Del(ctx, MessageKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, msg Message, at time.Time) error {
	msg.DeliverAt = at
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, MessageKey(msg.ID), payload, 0)
	pipe.ZRem(ctx, reservedKey, msg.ID.String())
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: score(at), Member: msg.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, msg Message, reason string) error {
	entry, err := json.Marshal(DeadLetter{Message: msg, Reason: reason, FailedAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, reservedKey, msg.ID.String())
	pipe.Del(ctx, MessageKey(msg.ID))
	pipe.LPush(ctx, deadLetterKey, entry)
	pipe.LTrim(ctx, deadLetterKey, 0, maxDeadLetters-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: dead letter: %v", ErrUnavailable, err)
	}
	return nil
}

// DeadLetters returns up to limit entries, most recent first.
func (b *RedisBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := b.client.LRange(ctx, deadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dead letters: %v", ErrUnavailable, err)
	}

	entries := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		entries = append(entries, dl)
	}
	return entries, nil
}

func (b *RedisBroker) SetStatus(ctx context.Context, id uuid.UUID, status models.TaskStatus) error {
	if err := b.client.Set(ctx, StatusKey(id), string(status), b.statusTTL).Err(); err != nil {
		return fmt.Errorf("%w: set status: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Status(ctx context.Context, id uuid.UUID) (models.TaskStatus, error) {
	val, err := b.client.Get(ctx, StatusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: status: %v", ErrUnavailable, err)
	}
	return models.TaskStatus(val), nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var _ Broker = (*RedisBroker)(nil)
