package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundSlots(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})

	require.True(t, c.TryAcquireBackground())
	assert.False(t, c.TryAcquireBackground(), "second slot must be denied")

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
}

func TestAcquireBackgroundRespectsContext(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})
	require.NoError(t, c.AcquireBackground(context.Background()))
	defer c.ReleaseBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.AcquireBackground(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireIOUnlimited(t *testing.T) {
	c := NewController(Config{})
	assert.NoError(t, c.AcquireIO(context.Background(), 1<<30))

	var nilController *Controller
	assert.NoError(t, nilController.AcquireIO(context.Background(), 1024))
}

func TestAcquireIOSplitsLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// Larger than burst; must not error, just wait proportionally.
	err := c.AcquireIO(context.Background(), (1<<20)+512)
	assert.NoError(t, err)
}
