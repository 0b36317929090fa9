package streambus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for owner-qualified lock operations. Both compare the stored
// value against the caller's identity before mutating, atomically.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("expire", KEYS[1], ARGV[2])
else
  return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)
)

// RedisBus implements Bus on go-redis.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the given redis:// URL and verifies the connection.
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBus{client: client}, nil
}

// NewRedisBusFromClient wraps an existing client; used by tests.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Add(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s failed: %w", stream, err)
	}
	return id, nil
}

func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack on %s failed: %w", stream, err)
	}
	return nil
}

func (b *RedisBus) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) (map[string][]Message, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	out := make(map[string][]Message, len(result))
	for _, sr := range result {
		msgs := make([]Message, 0, len(sr.Messages))
		for _, m := range sr.Messages {
			msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
		out[sr.Stream] = msgs
	}
	return out, nil
}

func (b *RedisBus) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *RedisBus) PendingSummary(ctx context.Context, stream, group string) ([]ConsumerPending, error) {
	pending, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending on %s failed: %w", stream, err)
	}

	out := make([]ConsumerPending, 0, len(pending.Consumers))
	for consumer, count := range pending.Consumers {
		out = append(out, ConsumerPending{Consumer: consumer, Count: count})
	}
	return out, nil
}

func (b *RedisBus) PendingRange(ctx context.Context, stream, group, consumer string, count int64) ([]PendingEntry, error) {
	entries, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		Start:    "-",
		End:      "+",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending range on %s failed: %w", stream, err)
	}

	out := make([]PendingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingEntry{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return out, nil
}

func (b *RedisBus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim on %s failed: %w", stream, err)
	}

	out := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

func (b *RedisBus) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s failed: %w", key, err)
	}
	return ok, nil
}

func (b *RedisBus) RenewLockIfOwner(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ttlSeconds := int64((ttl + time.Second - 1) / time.Second)
	res, err := renewScript.Run(ctx, b.client, []string{key}, value, ttlSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("lock renew on %s failed: %w", key, err)
	}
	return res == 1, nil
}

func (b *RedisBus) ReleaseLockIfOwner(ctx context.Context, key, value string) (bool, error) {
	res, err := releaseScript.Run(ctx, b.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("lock release on %s failed: %w", key, err)
	}
	return res == 1, nil
}

func (b *RedisBus) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get %s failed: %w", key, err)
	}
	return val, nil
}

func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s failed: %w", key, err)
	}
	return nil
}

func (b *RedisBus) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s failed: %w", key, err)
	}
	return nil
}

// Len reports the number of entries in a stream.
func (b *RedisBus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen on %s failed: %w", stream, err)
	}
	return n, nil
}

// Tail returns up to count newest entries of a stream, newest first.
func (b *RedisBus) Tail(ctx context.Context, stream string, count int64) ([]Message, error) {
	entries, err := b.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrevrange on %s failed: %w", stream, err)
	}
	out := make([]Message, 0, len(entries))
	for _, m := range entries {
		out = append(out, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
