package workers

import (
	"context"
	"testing"
	"time"

	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveFiltersStaleHeartbeats(t *testing.T) {
	b := broker.NewMemoryBroker()
	r := NewRegistry(b, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Heartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "worker-fresh", LastSeen: time.Now(), ActiveTasks: 2, MaxTasks: 5,
	}, time.Hour))
	require.NoError(t, b.Heartbeat(ctx, &models.WorkerHeartbeat{
		WorkerID: "worker-stale", LastSeen: time.Now().Add(-5 * time.Minute), ActiveTasks: 1, MaxTasks: 5,
	}, time.Hour))

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := r.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "worker-fresh", active[0].WorkerID)

	summary, err := r.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ActiveWorkers)
	assert.Equal(t, 2, summary.ActiveTasks)
	assert.Equal(t, 5, summary.MaxTasks)
}
