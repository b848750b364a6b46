package broker

import (
	"context"
	"testing"
	"time"

	"lotpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatsHonorsLimit(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	for _, id := range []string{"worker-1", "worker-2", "worker-3"} {
		require.NoError(t, b.Heartbeat(ctx, &models.WorkerHeartbeat{
			WorkerID: id,
			LastSeen: time.Now(),
		}, time.Minute))
	}

	capped, err := b.Heartbeats(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)

	all, err := b.Heartbeats(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "zero limit means no cap")
}
