package registry

import (
	"context"
	"testing"

	"lotpilot/internal/models"
	"lotpilot/internal/registry/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestSetDefaultContainerKeepsOnePerCategory(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	a := mustContainer(t, r, "session_v1", "session")
	b := mustContainer(t, r, "session_v2", "session")
	other := mustContainer(t, r, "pricing_v1", "pricing")
	require.NoError(t, r.SetDefaultContainer(ctx, other.ID))

	require.NoError(t, r.SetDefaultContainer(ctx, a.ID))
	require.NoError(t, r.SetDefaultContainer(ctx, b.ID))

	defaults := 0
	containers, _, err := st.ListContainers(ctx, store.ContainerFilter{Category: "session"})
	require.NoError(t, err)
	for _, c := range containers {
		if c.IsDefault {
			defaults++
			assert.Equal(t, b.ID, c.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	// A swap in one category leaves other categories untouched.
	got, err := st.GetContainer(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
}

func TestSetDefaultPatternClearsPrevious(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	c := mustContainer(t, r, "flows", "posting")

	p1 := mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "v1", CodeType: models.CodeTypeData,
		Code: `{}`, IsActive: true, IsDefault: true,
	})
	p2 := mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "v2", CodeType: models.CodeTypeData,
		Code: `{}`, IsActive: true,
	})

	require.NoError(t, r.SetDefaultPattern(ctx, p2.ID))

	got1, err := st.GetPattern(ctx, p1.ID)
	require.NoError(t, err)
	got2, err := st.GetPattern(ctx, p2.ID)
	require.NoError(t, err)
	assert.False(t, got1.IsDefault)
	assert.True(t, got2.IsDefault)
}

func TestCreateContainerAsDefaultDisplacesExisting(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	a := &models.Container{Name: "first", Category: "session", IsActive: true, IsDefault: true}
	require.NoError(t, r.CreateContainer(ctx, a))
	b := &models.Container{Name: "second", Category: "session", IsActive: true, IsDefault: true}
	require.NoError(t, r.CreateContainer(ctx, b))

	gotA, err := st.GetContainer(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, gotA.IsDefault)
}

func TestDefaultContainerFallsBackToHighestPriority(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	mustContainer(t, r, "low", "session")
	high := &models.Container{Name: "high", Category: "session", IsActive: true, Priority: 10}
	require.NoError(t, r.CreateContainer(ctx, high))

	got, err := r.DefaultContainer(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestCreatePatternValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	c := mustContainer(t, r, "holder", "misc")

	// Data bodies must be valid JSON.
	err := r.CreatePattern(ctx, &models.Pattern{
		ContainerID: c.ID, Name: "bad_json", CodeType: models.CodeTypeData, Code: `{broken`,
	})
	assert.Error(t, err)

	// Unknown container.
	err = r.CreatePattern(ctx, &models.Pattern{
		ContainerID: 999, Name: "orphan", CodeType: models.CodeTypeData, Code: `{}`,
	})
	assert.Error(t, err)

	// Negative weight.
	err = r.CreatePattern(ctx, &models.Pattern{
		ContainerID: c.ID, Name: "negative", CodeType: models.CodeTypeData, Code: `{}`, Weight: -1,
	})
	assert.Error(t, err)

	// Duplicate name within one container.
	ok := &models.Pattern{ContainerID: c.ID, Name: "dup", CodeType: models.CodeTypeData, Code: `{}`}
	require.NoError(t, r.CreatePattern(ctx, ok))
	err = r.CreatePattern(ctx, &models.Pattern{
		ContainerID: c.ID, Name: "dup", CodeType: models.CodeTypeData, Code: `{}`,
	})
	assert.ErrorIs(t, err, store.ErrDuplicateName)

	// Missing code type defaults to executable, timeout gets the default.
	script := &models.Pattern{ContainerID: c.ID, Name: "script", Code: `1`}
	require.NoError(t, r.CreatePattern(ctx, script))
	assert.Equal(t, models.CodeTypeExecutable, script.CodeType)
	assert.Equal(t, 30000, script.TimeoutMs)
}

func TestListPatternsTagFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	c := mustContainer(t, r, "tagged", "misc")

	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "craigslist", CodeType: models.CodeTypeData, Code: `{}`,
		IsActive: true, Tags: datatypes.JSON(`["marketplace_craigslist","vehicles"]`),
	})
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "facebook", CodeType: models.CodeTypeData, Code: `{}`,
		IsActive: true, Tags: datatypes.JSON(`["marketplace_facebook"]`),
	})
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "untagged", CodeType: models.CodeTypeData, Code: `{}`,
		IsActive: true,
	})

	got, total, err := r.ListPatterns(ctx, store.PatternFilter{
		ContainerID: c.ID,
		TagPattern:  "marketplace_*",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	names := []string{got[0].Name, got[1].Name}
	assert.ElementsMatch(t, []string{"craigslist", "facebook"}, names)
}

func TestAnalyticsAggregatesPatterns(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	c := mustContainer(t, r, "measured", "misc")

	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "ok", CodeType: models.CodeTypeExecutable, Code: `1`, IsActive: true,
	})
	bad := mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID, Name: "bad", CodeType: models.CodeTypeExecutable,
		Code: `throw new Error("nope")`, IsActive: true,
	})

	for i := 0; i < 3; i++ {
		_, err := r.Inject(ctx, InjectOptions{ContainerID: c.ID, Strategy: StrategyRoundRobin})
		if err == nil {
			continue
		}
	}
	_, _ = r.Inject(ctx, InjectOptions{ContainerID: c.ID, PatternID: bad.ID})

	report, err := r.Analytics(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, report.ContainerID)
	assert.Equal(t, 2, report.PatternCount)
	assert.Equal(t, report.SuccessCount+report.FailureCount, report.TotalExecutions)
	assert.GreaterOrEqual(t, report.FailureCount, int64(1))
}
