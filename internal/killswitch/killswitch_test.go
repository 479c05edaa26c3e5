package killswitch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/deliverant/pkg/logger"
)

func newTestRedisSource(t *testing.T) (*RedisSource, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSource(client, logger.NewDefaultLogger()), mr
}

func TestStaticSource_ActivateDeactivate(t *testing.T) {
	s := NewStaticSource(false)
	assert.False(t, s.IsActive(context.Background()))

	require.NoError(t, s.Activate(context.Background()))
	assert.True(t, s.IsActive(context.Background()))

	require.NoError(t, s.Deactivate(context.Background()))
	assert.False(t, s.IsActive(context.Background()))
}

func TestRedisSource_DefaultsToInactiveWhenUnset(t *testing.T) {
	s, _ := newTestRedisSource(t)
	assert.False(t, s.IsActive(context.Background()))
}

func TestRedisSource_ActivateDeactivateRoundTrip(t *testing.T) {
	s, _ := newTestRedisSource(t)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx))
	assert.True(t, s.IsActive(ctx))

	require.NoError(t, s.Deactivate(ctx))
	assert.False(t, s.IsActive(ctx))
}

// TestRedisSource_FallsBackToLastKnownValueOnReadFailure exercises the §9
// fallback: once Redis becomes unreachable, IsActive keeps returning the
// last value it successfully observed rather than erroring or flipping to
// a default.
func TestRedisSource_FallsBackToLastKnownValueOnReadFailure(t *testing.T) {
	s, mr := newTestRedisSource(t)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx))
	require.True(t, s.IsActive(ctx))

	mr.Close()

	assert.True(t, s.IsActive(ctx), "must serve last known value once the backing store is unreachable")
}
