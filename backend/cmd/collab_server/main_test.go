package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/config"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/store"
)

func TestCollaboratorsFallBackWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{}
	ctx := context.Background()

	snapshots, records, closeDB, err := stores(ctx, cfg)
	require.NoError(t, err)
	defer closeDB()
	assert.IsType(t, &store.MemorySnapshotStore{}, snapshots)
	assert.IsType(t, &store.MemorySessionStore{}, records)

	presence, closeRedis, err := presenceCache(ctx, cfg)
	require.NoError(t, err)
	defer closeRedis()
	assert.IsType(t, cache.NoopPresence{}, presence)

	d, closeProducer, err := kafkaDispatcher(cfg)
	require.NoError(t, err)
	defer closeProducer()
	assert.Nil(t, d)
}

func TestPresenceCacheUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Addrs = []string{mr.Addr()}

	presence, closeRedis, err := presenceCache(context.Background(), cfg)
	require.NoError(t, err)
	defer closeRedis()

	require.NoError(t, presence.AddMember(context.Background(), "s-1", "alice", "Alice", time.Minute))
	sessions, err := presence.GetSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, sessions)

	mr.Close()
	_, _, err = presenceCache(context.Background(), cfg)
	assert.Error(t, err)
}
