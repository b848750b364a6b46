package slot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lotpilot/internal/config"
	"lotpilot/internal/models"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"
	"lotpilot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg     *registry.Registry
	mgr     *Manager
	c       *models.Container
	healthy *models.Pattern
	broken  *models.Pattern
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	log := logger.New("slot-test", "", "")
	reg := registry.New(st, log, config.RegistryConfig{DefaultTimeoutMs: 30000, RandomBias: 0.3})
	ctx := context.Background()

	c := &models.Container{Name: "posting_flow", Category: "posting", IsActive: true}
	require.NoError(t, reg.CreateContainer(ctx, c))

	healthy := &models.Pattern{
		ContainerID: c.ID, Name: "stable", CodeType: models.CodeTypeData,
		Code: `{"flow":"stable"}`, IsActive: true, IsDefault: true, Priority: 10,
	}
	require.NoError(t, reg.CreatePattern(ctx, healthy))

	broken := &models.Pattern{
		ContainerID: c.ID, Name: "experimental", CodeType: models.CodeTypeExecutable,
		Code: `throw new Error("broken selector")`, IsActive: true,
	}
	require.NoError(t, reg.CreatePattern(ctx, broken))

	return &fixture{
		reg:     reg,
		mgr:     NewManager(reg, log),
		c:       c,
		healthy: healthy,
		broken:  broken,
	}
}

func TestSlotLoadAndSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, f.healthy.ID))

	view := s.Snapshot()
	assert.True(t, view.Loaded)
	assert.Equal(t, f.healthy.ID, view.PatternID)
	assert.Equal(t, "stable", view.PatternName)
	assert.NotNil(t, view.LoadedAt)
}

func TestSlotHoldsAtMostOnePattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, f.healthy.ID))
	require.NoError(t, s.Load(ctx, f.broken.ID))

	view := s.Snapshot()
	assert.Equal(t, f.broken.ID, view.PatternID, "second load replaces the first")
}

func TestSlotSwapReturnsDisplacedPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)

	// Swapping an empty slot is an error.
	_, err = s.Swap(ctx, f.healthy.ID)
	assert.Error(t, err)

	require.NoError(t, s.Load(ctx, f.healthy.ID))
	old, err := s.Swap(ctx, f.broken.ID)
	require.NoError(t, err)
	assert.Equal(t, f.healthy.ID, old)
	assert.Equal(t, int64(1), s.Snapshot().Stats.Swaps)
}

func TestSlotRejectsForeignPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Container{Name: "other", Category: "misc", IsActive: true}
	require.NoError(t, f.reg.CreateContainer(ctx, other))
	foreign := &models.Pattern{
		ContainerID: other.ID, Name: "foreign", CodeType: models.CodeTypeData,
		Code: `{}`, IsActive: true,
	}
	require.NoError(t, f.reg.CreatePattern(ctx, foreign))

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	assert.Error(t, s.Load(ctx, foreign.ID))
}

func TestSlotExecuteAutoLoads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	assert.False(t, s.Snapshot().Loaded)

	res, err := s.Execute(ctx, "", map[string]interface{}{"vin": "abc"}, 0)
	require.NoError(t, err)
	// Highest-priority pattern got auto-loaded and executed.
	assert.Equal(t, "stable", res.PatternName)
	assert.True(t, s.Snapshot().Loaded)
}

func TestSlotExecuteFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, f.broken.ID))

	res, err := s.Execute(ctx, "", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.FromFallback)
	assert.True(t, strings.HasSuffix(res.PatternName, FallbackSuffix))
	assert.Equal(t, "stable"+FallbackSuffix, res.PatternName)

	stats := s.Snapshot().Stats
	assert.Equal(t, int64(1), stats.Executions)
	assert.Equal(t, int64(1), stats.Fallbacks)
}

func TestSlotExecuteNoSecondLevelFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Make the default itself the failing pattern: no fallback may chain.
	require.NoError(t, f.reg.SetDefaultPattern(ctx, f.broken.ID))

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, f.broken.ID))

	_, err = s.Execute(ctx, "", nil, 0)
	require.Error(t, err)
	stats := s.Snapshot().Stats
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(0), stats.Fallbacks)
}

func TestSlotFallbackUsesPinnedPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A recovery pattern that is not the container default.
	recovery := &models.Pattern{
		ContainerID: f.c.ID, Name: "recovery", CodeType: models.CodeTypeData,
		Code: `{"flow":"recovery"}`, IsActive: true,
	}
	require.NoError(t, f.reg.CreatePattern(ctx, recovery))

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetFallback(ctx, recovery.ID, true))
	require.NoError(t, s.Load(ctx, f.broken.ID))

	res, err := s.Execute(ctx, "", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.FromFallback)
	assert.Equal(t, "recovery"+FallbackSuffix, res.PatternName,
		"pinned fallback wins over the container default")
	assert.Equal(t, recovery.ID, res.PatternID)
}

func TestSlotFallbackDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetFallback(ctx, 0, false))
	require.NoError(t, s.Load(ctx, f.broken.ID))

	_, err = s.Execute(ctx, "", nil, 0)
	require.Error(t, err)
	stats := s.Snapshot().Stats
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(0), stats.Fallbacks)
}

func TestSlotSetFallbackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Container{Name: "elsewhere", Category: "misc", IsActive: true}
	require.NoError(t, f.reg.CreateContainer(ctx, other))
	foreign := &models.Pattern{
		ContainerID: other.ID, Name: "foreign_fb", CodeType: models.CodeTypeData,
		Code: `{}`, IsActive: true,
	}
	require.NoError(t, f.reg.CreatePattern(ctx, foreign))

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	assert.Error(t, s.SetFallback(ctx, foreign.ID, true))

	view := s.Snapshot()
	assert.True(t, view.FallbackEnabled)
	assert.Zero(t, view.FallbackPatternID)
}

func TestSlotExecuteTimeoutOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spin := &models.Pattern{
		ContainerID: f.c.ID, Name: "spin", CodeType: models.CodeTypeExecutable,
		Code: `while (true) {}`, IsActive: true,
	}
	require.NoError(t, f.reg.CreatePattern(ctx, spin))

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetFallback(ctx, 0, false))
	require.NoError(t, s.Load(ctx, spin.ID))

	start := time.Now()
	_, err = s.Execute(ctx, "", nil, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "override must beat the pattern's own budget")
}

func TestSlotSwapDuringExecuteKeepsAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, f.healthy.ID))

	var wg sync.WaitGroup
	results := make([]*registry.InjectionResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, execErr := s.Execute(ctx, "", nil, 0)
			if execErr == nil {
				results[i] = res
			}
		}(i)
	}
	// Swap while executions are in flight.
	_, err = s.Swap(ctx, f.healthy.ID)
	require.NoError(t, err)
	wg.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		assert.Equal(t, f.healthy.ID, res.PatternID, "result attribution must match the captured pattern")
	}
}

func TestManagerBindAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	again, err := f.mgr.Bind(ctx, "instance-1", f.c.ID)
	require.NoError(t, err)
	assert.Same(t, s1, again, "rebinding to the same container returns the existing slot")

	other := &models.Container{Name: "other", Category: "misc", IsActive: true}
	require.NoError(t, f.reg.CreateContainer(ctx, other))
	_, err = f.mgr.Bind(ctx, "instance-1", other.ID)
	assert.Error(t, err, "rebinding to a different container is rejected")

	_, err = f.mgr.Bind(ctx, "instance-2", f.c.ID)
	require.NoError(t, err)
	assert.Len(t, f.mgr.Views(), 2)

	f.mgr.Release("instance-1")
	_, err = f.mgr.Get("instance-1")
	assert.Error(t, err)
	assert.Len(t, f.mgr.Views(), 1)
}
