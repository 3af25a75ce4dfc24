package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

// RedisTokenStore keeps each user's push tokens in one Redis hash, keyed by
// "<app>:<device token>".
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore creates a store backed by client.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func pushTokensKey(userID string) string {
	return fmt.Sprintf("push:tokens:%s", userID)
}

// Upsert stores reg. HSET reports how many fields were added, which tells a
// new registration from a refresh.
func (s *RedisTokenStore) Upsert(ctx context.Context, userID string, reg sitelink.PushRegistration) (bool, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal registration: %w", err)
	}
	added, err := s.client.HSet(ctx, pushTokensKey(userID), tokenField(reg.App, reg.DeviceToken), data).Result()
	if err != nil {
		return false, fmt.Errorf("redis hset: %w", err)
	}
	return added > 0, nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, userID, deviceToken string) error {
	fields := []string{
		tokenField(sitelink.AppHomeowner, deviceToken),
		tokenField(sitelink.AppContractor, deviceToken),
	}
	if err := s.client.HDel(ctx, pushTokensKey(userID), fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) List(ctx context.Context, userID string) ([]sitelink.PushRegistration, error) {
	all, err := s.client.HGetAll(ctx, pushTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]sitelink.PushRegistration, 0, len(all))
	for _, f := range fields {
		var reg sitelink.PushRegistration
		if err := json.Unmarshal([]byte(all[f]), &reg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registration %s: %w", f, err)
		}
		out = append(out, reg)
	}
	return out, nil
}
