package notify

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// PreferenceStore resolves the channels a recipient has enabled.
type PreferenceStore interface {
	Channels(ctx context.Context, tenantID, recipient string) ([]string, error)
}

// --- StaticPreferences ---

// StaticPreferences serves preferences from configuration. Keys are either
// "<tenant>:<recipient>" or a bare recipient; recipients without an entry get
// the default channels.
type StaticPreferences struct {
	entries  map[string][]string
	defaults []string
}

// NewStaticPreferences creates a static preference store.
func NewStaticPreferences(entries map[string][]string, defaults []string) *StaticPreferences {
	return &StaticPreferences{entries: entries, defaults: defaults}
}

// Channels returns the recipient's channels.
func (p *StaticPreferences) Channels(_ context.Context, tenantID, recipient string) ([]string, error) {
	if ch, ok := p.entries[tenantID+":"+recipient]; ok {
		return slices.Clone(ch), nil
	}
	if ch, ok := p.entries[recipient]; ok {
		return slices.Clone(ch), nil
	}
	return slices.Clone(p.defaults), nil
}

// --- RedisPreferenceStore ---

// RedisPreferenceStore keeps each recipient's channels in a Redis set under
// "prefs:{tenant}:{recipient}".
type RedisPreferenceStore struct {
	client   redis.Cmdable
	defaults []string
}

// NewRedisPreferenceStore creates a Redis-backed preference store.
func NewRedisPreferenceStore(client redis.Cmdable, defaults []string) *RedisPreferenceStore {
	return &RedisPreferenceStore{client: client, defaults: defaults}
}

// Channels returns the recipient's channels, or the defaults when the
// recipient has none stored.
func (p *RedisPreferenceStore) Channels(ctx context.Context, tenantID, recipient string) ([]string, error) {
	key := preferenceKey(tenantID, recipient)
	members, err := p.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %q: %w", key, err)
	}
	if len(members) == 0 {
		return slices.Clone(p.defaults), nil
	}
	slices.Sort(members)
	return members, nil
}

// SetChannels replaces the recipient's channels.
func (p *RedisPreferenceStore) SetChannels(ctx context.Context, tenantID, recipient string, channels []string) error {
	key := preferenceKey(tenantID, recipient)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(channels) > 0 {
			members := make([]any, len(channels))
			for i, c := range channels {
				members[i] = c
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set preferences %q: %w", key, err)
	}
	return nil
}

func preferenceKey(tenantID, recipient string) string {
	return fmt.Sprintf("prefs:%s:%s", tenantID, recipient)
}
