package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Set("a", []byte("1"), 0))
	val, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set("short", []byte("v"), time.Minute))
	require.NoError(t, s.Set("forever", []byte("v"), 0))

	_, ok, _ := s.Get("short")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok, _ = s.Get("short")
	require.False(t, ok, "expired entry should be unreadable")
	_, ok, _ = s.Get("forever")
	require.True(t, ok, "zero ttl never expires")
}

func TestMemoryStoreKeysSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set("a", []byte("1"), time.Second))
	require.NoError(t, s.Set("b", []byte("2"), 0))

	now = now.Add(time.Hour)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	n, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set("a", []byte("1"), time.Second))
	require.NoError(t, s.Set("b", []byte("2"), time.Second))
	require.NoError(t, s.Set("c", []byte("3"), 0))

	now = now.Add(time.Minute)
	require.Equal(t, 2, s.Sweep())

	n, _ := s.Size()
	require.Equal(t, 1, n)
}

func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.Clear())

	n, _ := s.Size()
	require.Equal(t, 0, n)
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("original")
	require.NoError(t, s.Set("a", buf, 0))
	buf[0] = 'X'

	val, _, _ := s.Get("a")
	require.Equal(t, []byte("original"), val, "stored value must not alias caller buffer")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	data, err := Encode(payload{Name: "x", Count: 3})
	require.NoError(t, err)

	var out payload
	require.NoError(t, Decode(data, &out))
	require.Equal(t, payload{Name: "x", Count: 3}, out)
}
