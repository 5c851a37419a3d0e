package kv

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "hivemind-test"), mr
}

func TestRedisStoreSetGet(t *testing.T) {
	s, _ := openTestRedis(t)

	require.NoError(t, s.Set("a", []byte("1"), 0))
	val, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := openTestRedis(t)

	require.NoError(t, s.Set("short", []byte("v"), time.Minute))
	require.NoError(t, s.Set("forever", []byte("v"), 0))

	mr.FastForward(2 * time.Minute)

	_, ok, _ := s.Get("short")
	require.False(t, ok)
	_, ok, _ = s.Get("forever")
	require.True(t, ok)
}

func TestRedisStoreKeysScopedToPrefix(t *testing.T) {
	s, mr := openTestRedis(t)

	// A foreign key on the same server must not leak into this store.
	mr.Set("other-app:x", "v")

	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.Set("b", []byte("2"), 0))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	n, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRedisStoreClear(t *testing.T) {
	s, mr := openTestRedis(t)
	mr.Set("other-app:x", "v")

	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.Clear())

	n, _ := s.Size()
	require.Equal(t, 0, n)
	require.True(t, mr.Exists("other-app:x"), "clear must not touch foreign keys")
}
