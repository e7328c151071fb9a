package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Hour)
	defer c.Close()

	_, ok, err := c.Get(ctx, "profile:0000-0003-3041-2092")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "profile:0000-0003-3041-2092", []byte(`{"name":"Stern, D"}`), 0))

	value, ok, err := c.Get(ctx, "profile:0000-0003-3041-2092")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"name":"Stern, D"}`), value)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Hour)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "bibcode:x", []byte("2014ATel.6427....1V"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := c.Get(ctx, "bibcode:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryDeleteFlush(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Hour)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, c.Flush(ctx))
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
}

func TestMemoryCloseIdempotent(t *testing.T) {
	c := NewMemory(time.Hour)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

// TestRedis runs only when a Redis instance is reachable.
func TestRedis(t *testing.T) {
	addr := os.Getenv("ORCID_PIPELINE_TEST_REDIS")
	if addr == "" {
		t.Skip("set ORCID_PIPELINE_TEST_REDIS to run Redis cache tests")
	}

	ctx := context.Background()
	c := NewRedis(addr, time.Hour)
	defer c.Close()
	require.NoError(t, c.Flush(ctx))

	require.NoError(t, c.Set(ctx, "profile:test", []byte("payload"), time.Minute))
	value, ok, err := c.Get(ctx, "profile:test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), value)

	require.NoError(t, c.Delete(ctx, "profile:test"))
	_, ok, err = c.Get(ctx, "profile:test")
	require.NoError(t, err)
	assert.False(t, ok)
}
