package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/grcflow/model"
)

// DeliveryLog records every channel attempt for audit.
type DeliveryLog interface {
	Record(ctx context.Context, attempt model.DeliveryAttempt) error
	// List returns the attempts recorded for an event in insertion order.
	List(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error)
}

// --- MemoryDeliveryLog ---

// MemoryDeliveryLog keeps attempts in process memory.
type MemoryDeliveryLog struct {
	mu       sync.RWMutex
	attempts map[string][]model.DeliveryAttempt // key: event ID
}

// NewMemoryDeliveryLog creates an in-memory delivery log.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{attempts: make(map[string][]model.DeliveryAttempt)}
}

// Record appends an attempt.
func (l *MemoryDeliveryLog) Record(_ context.Context, a model.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[a.EventID] = append(l.attempts[a.EventID], a)
	return nil
}

// List returns the attempts for an event.
func (l *MemoryDeliveryLog) List(_ context.Context, eventID string) ([]model.DeliveryAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.DeliveryAttempt, len(l.attempts[eventID]))
	copy(out, l.attempts[eventID])
	return out, nil
}

// --- RedisDeliveryLog ---

// RedisDeliveryLog appends attempts to a Redis list under "delivery:{eventID}"
// that expires after the configured retention.
type RedisDeliveryLog struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisDeliveryLog creates a Redis-backed delivery log.
func NewRedisDeliveryLog(client redis.Cmdable, ttl time.Duration) *RedisDeliveryLog {
	return &RedisDeliveryLog{client: client, ttl: ttl}
}

// Record appends an attempt and refreshes the list's expiry.
func (l *RedisDeliveryLog) Record(ctx context.Context, a model.DeliveryAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal delivery attempt: %w", err)
	}
	key := deliveryKey(a.EventID)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if l.ttl > 0 {
			pipe.Expire(ctx, key, l.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rpush %q: %w", key, err)
	}
	return nil
}

// List returns the attempts for an event.
func (l *RedisDeliveryLog) List(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error) {
	key := deliveryKey(eventID)
	raw, err := l.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", key, err)
	}
	out := make([]model.DeliveryAttempt, 0, len(raw))
	for _, r := range raw {
		var a model.DeliveryAttempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("unmarshal delivery attempt %q: %w", key, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func deliveryKey(eventID string) string {
	return "delivery:" + eventID
}
