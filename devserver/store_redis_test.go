package devserver

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

// Set SITELINK_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a real
// Redis.
func TestRedisTokenStore(t *testing.T) {
	addr := os.Getenv("SITELINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SITELINK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	store := NewRedisTokenStore(rdb)
	userID := "test-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), pushTokensKey(userID)) })

	reg := sitelink.PushRegistration{App: sitelink.AppHomeowner, DeviceToken: "tok", Platform: "android"}
	created, err := store.Upsert(ctx, userID, reg)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Upsert(ctx, userID, reg)
	require.NoError(t, err)
	assert.False(t, created)

	regs, err := store.List(ctx, userID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "android", regs[0].Platform)

	require.NoError(t, store.Delete(ctx, userID, "tok"))
	regs, err = store.List(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, regs)
}
