package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_MemoryLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(60))
	require.NoError(t, c.AcquireMemory(40))
	assert.Equal(t, int64(100), c.MemoryUsed())

	require.ErrorIs(t, c.AcquireMemory(1), ErrMemoryLimitExceeded)

	c.ReleaseMemory(40)
	require.NoError(t, c.AcquireMemory(30))
}

func TestController_EncodeSlots(t *testing.T) {
	c := NewController(Config{MaxEncodeConcurrency: 1})
	ctx := context.Background()

	require.NoError(t, c.AcquireEncodeSlot(ctx))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.AcquireEncodeSlot(blocked))

	c.ReleaseEncodeSlot()
	require.NoError(t, c.AcquireEncodeSlot(ctx))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireMemory(1<<30))
	c.ReleaseMemory(1 << 30)
	require.NoError(t, c.AcquireEncodeSlot(context.Background()))
	c.ReleaseEncodeSlot()
	assert.Nil(t, c.IOLimiter())
	assert.Zero(t, c.MemoryUsed())
}

func TestController_Unlimited(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(1<<40))
	assert.Nil(t, c.IOLimiter())
}
