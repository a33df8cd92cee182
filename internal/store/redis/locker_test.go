package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLocker_AcquireRelease(t *testing.T) {
	t.Parallel()

	l := NewInMemoryLocker()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "k1", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire on a held key fails without error.
	ok, err = l.Acquire(ctx, "k1", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "k1"))

	ok, err = l.Acquire(ctx, "k1", "v3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemoryLocker_TTLExpiryFreesKey(t *testing.T) {
	t.Parallel()

	l := NewInMemoryLocker()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	ok, err := l.Acquire(ctx, "k1", "v", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Still held just before expiry.
	now = now.Add(10*time.Minute - time.Second)
	ok, err = l.Acquire(ctx, "k1", "v2", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Free after expiry without any release call.
	now = now.Add(2 * time.Second)
	ok, err = l.Acquire(ctx, "k1", "v3", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemoryLocker_ReleaseUnheldIsNoop(t *testing.T) {
	t.Parallel()

	l := NewInMemoryLocker()
	require.NoError(t, l.Release(context.Background(), "never-held"))
}

func TestInMemoryLocker_TTL(t *testing.T) {
	t.Parallel()

	l := NewInMemoryLocker()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	_, err := l.Acquire(ctx, "k1", "v", 5*time.Minute)
	require.NoError(t, err)

	d, err := l.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = l.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Negative(t, d)
}
