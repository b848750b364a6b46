package registry

import (
	"context"
	"testing"
	"time"

	"lotpilot/internal/config"
	"lotpilot/internal/models"
	"lotpilot/internal/registry/store"
	"lotpilot/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.RegistryConfig{DefaultTimeoutMs: 30000, RandomBias: 0.3}
	return New(st, logger.New("registry-test", "", ""), cfg), st
}

func mustContainer(t *testing.T, r *Registry, name, category string) *models.Container {
	t.Helper()
	c := &models.Container{Name: name, Category: category, IsActive: true}
	require.NoError(t, r.CreateContainer(context.Background(), c))
	return c
}

func mustPattern(t *testing.T, r *Registry, p *models.Pattern) *models.Pattern {
	t.Helper()
	require.NoError(t, r.CreatePattern(context.Background(), p))
	return p
}

func TestInjectDataPattern(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "listing_form", "form_fill")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "sedan_defaults",
		CodeType:    models.CodeTypeData,
		Code:        `{"bodyStyle":"sedan","doors":4}`,
		IsActive:    true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	require.NoError(t, err)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "sedan", out["bodyStyle"])
	assert.Equal(t, "sedan_defaults", res.PatternName)
}

func TestInjectWorkflowPatternIsNotExecuted(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "post_flow", "posting")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "standard_flow",
		CodeType:    models.CodeTypeWorkflow,
		Code:        `{"steps":[{"action":"fill_vin"},{"action":"submit"}]}`,
		IsActive:    true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	require.NoError(t, err)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	steps, ok := out["steps"].([]interface{})
	require.True(t, ok)
	assert.Len(t, steps, 2)
}

func TestInjectExecutableReceivesInput(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "price_calc", "pricing")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "markup",
		CodeType:    models.CodeTypeExecutable,
		Code:        `({listPrice: input.basePrice * 1.1})`,
		IsActive:    true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{
		ContainerID: c.ID,
		Input:       map[string]interface{}{"basePrice": 1000},
	})
	require.NoError(t, err)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 1100.0, toFloat(out["listPrice"]), 0.001)
}

func TestInjectExecutableSeesExecutionContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "ctx_probe", "misc")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "probe",
		CodeType:    models.CodeTypeExecutable,
		Code:        `({who: ctx.instanceId, task: ctx.taskId, pattern: ctx.pattern})`,
		IsActive:    true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{
		ContainerID: c.ID,
		InstanceID:  "browser-7",
		TaskID:      "task_550e8400-e29b-41d4-a716-446655440000",
	})
	require.NoError(t, err)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "browser-7", out["who"])
	assert.Equal(t, "task_550e8400-e29b-41d4-a716-446655440000", out["task"])
	assert.Equal(t, "probe", out["pattern"])
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func TestInjectTimeoutInterruptsScript(t *testing.T) {
	r, st := newTestRegistry(t)
	c := mustContainer(t, r, "slow", "misc")
	p := mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "spin",
		CodeType:    models.CodeTypeExecutable,
		Code:        `while (true) {}`,
		TimeoutMs:   50,
		IsActive:    true,
	})

	started := time.Now()
	_, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Contains(t, err.Error(), "timed out after 50ms")
	assert.Less(t, elapsed, 2*time.Second, "timeout must cut the run short")

	// The timed-out run is finalized exactly once.
	got, err := st.GetPattern(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalExecutions)
	assert.Equal(t, int64(1), got.FailureCount)
	assert.Equal(t, int64(0), got.SuccessCount)
}

func TestInjectFinalizesStatsOnce(t *testing.T) {
	r, st := newTestRegistry(t)
	c := mustContainer(t, r, "stats", "misc")
	p := mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "ok",
		CodeType:    models.CodeTypeExecutable,
		Code:        `42`,
		IsActive:    true,
	})

	_, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	require.NoError(t, err)

	got, err := st.GetPattern(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalExecutions)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.NotNil(t, got.LastSuccessAt)

	logs, total, err := st.ListInjectionLogs(context.Background(), store.LogFilter{PatternID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, models.InjectionStatusSuccess, logs[0].Status)
	assert.NotNil(t, logs[0].CompletedAt)
}

func TestInjectRetryReRunsPattern(t *testing.T) {
	r, st := newTestRegistry(t)
	c := mustContainer(t, r, "flaky", "misc")
	p := mustPattern(t, r, &models.Pattern{
		ContainerID:   c.ID,
		Name:          "always_fails",
		CodeType:      models.CodeTypeExecutable,
		Code:          `throw new Error("boom")`,
		FailureAction: models.FailureActionRetry,
		RetryCount:    2,
		IsActive:      true,
	})

	_, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	require.Error(t, err)

	// Initial attempt plus two retries, each individually counted.
	got, err := st.GetPattern(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalExecutions)
	assert.Equal(t, int64(3), got.FailureCount)
}

func TestInjectFallbackUsesContainerDefault(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "fragile", "misc")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "safe_default",
		CodeType:    models.CodeTypeData,
		Code:        `{"mode":"safe"}`,
		IsDefault:   true,
		IsActive:    true,
	})
	broken := mustPattern(t, r, &models.Pattern{
		ContainerID:   c.ID,
		Name:          "broken",
		CodeType:      models.CodeTypeExecutable,
		Code:          `throw new Error("boom")`,
		FailureAction: models.FailureActionFallback,
		IsActive:      true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{
		ContainerID: c.ID,
		PatternID:   broken.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.FromFallback)
	assert.Equal(t, "safe_default", res.PatternName)
}

func TestInjectRejectsPatternFromOtherContainer(t *testing.T) {
	r, _ := newTestRegistry(t)
	c1 := mustContainer(t, r, "one", "misc")
	c2 := mustContainer(t, r, "two", "misc")
	p := mustPattern(t, r, &models.Pattern{
		ContainerID: c2.ID,
		Name:        "belongs_elsewhere",
		CodeType:    models.CodeTypeData,
		Code:        `{}`,
		IsActive:    true,
	})

	_, err := r.Inject(context.Background(), InjectOptions{ContainerID: c1.ID, PatternID: p.ID})
	assert.Error(t, err)
}

func TestInjectInactiveContainer(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "dormant", "misc")
	c.IsActive = false
	require.NoError(t, r.UpdateContainer(context.Background(), c))

	_, err := r.Inject(context.Background(), InjectOptions{ContainerID: c.ID})
	assert.Error(t, err)
}

func TestInjectResolvesCategoryDefault(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := mustContainer(t, r, "session_v2", "session")
	require.NoError(t, r.SetDefaultContainer(context.Background(), c.ID))
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "login",
		CodeType:    models.CodeTypeData,
		Code:        `{"step":"login"}`,
		IsActive:    true,
	})

	res, err := r.Inject(context.Background(), InjectOptions{Category: "session"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, res.ContainerID)
}

func TestInjectRecordsInputInLog(t *testing.T) {
	r, st := newTestRegistry(t)
	c := mustContainer(t, r, "audited", "misc")
	mustPattern(t, r, &models.Pattern{
		ContainerID: c.ID,
		Name:        "echo",
		CodeType:    models.CodeTypeExecutable,
		Code:        `input`,
		IsActive:    true,
	})

	_, err := r.Inject(context.Background(), InjectOptions{
		ContainerID: c.ID,
		TaskID:      "task_550e8400-e29b-41d4-a716-446655440000",
		Input:       map[string]interface{}{"vin": "WDD123"},
	})
	require.NoError(t, err)

	logs, _, err := st.ListInjectionLogs(context.Background(), store.LogFilter{
		TaskID: "task_550e8400-e29b-41d4-a716-446655440000",
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"vin":"WDD123"}`, string(logs[0].Input))
}
