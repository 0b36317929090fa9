package streambus

import (
	"context"
	"time"
)

// Message is one stream entry as delivered to a consumer.
type Message struct {
	ID     string
	Fields map[string]string
}

// ConsumerPending summarizes a consumer's share of a group's PEL.
type ConsumerPending struct {
	Consumer string
	Count    int64
}

// PendingEntry is one detailed PEL record.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Bus is the Redis-Streams surface the control plane consumes. Implementations
// must tolerate BUSYGROUP on CreateGroup and treat an empty read as nil, nil.
type Bus interface {
	Add(ctx context.Context, stream string, fields map[string]any) (string, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) (map[string][]Message, error)
	CreateGroup(ctx context.Context, stream, group string) error

	PendingSummary(ctx context.Context, stream, group string) ([]ConsumerPending, error)
	PendingRange(ctx context.Context, stream, group, consumer string, count int64) ([]PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Message, error)

	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLockIfOwner(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLockIfOwner(ctx context.Context, key, value string) (bool, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	Close() error
}
