package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lotpilot/internal/config"
	"lotpilot/internal/dispatch"
	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/events"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"
	"lotpilot/internal/signing"
	"lotpilot/internal/slot"
	"lotpilot/internal/workers"
	"lotpilot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJwtSecret = "api-test-secret"

func newTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.New("api-test", "", "")
	st := store.NewMemoryStore()
	reg := registry.New(st, log, config.RegistryConfig{DefaultTimeoutMs: 30000, RandomBias: 0.3})
	slots := slot.NewManager(reg, log)

	b := broker.NewMemoryBroker()
	bus := events.NewBus(log)
	codec, err := signing.NewCodec("dispatch-secret", "")
	require.NoError(t, err)
	d, err := dispatch.New(b, codec, bus, log,
		config.DispatchConfig{StatusTTLDays: 7, MaxRetries: 3, CleanupBatchSize: 100},
		config.SigningConfig{Enabled: true, Secret: "dispatch-secret", NonceTTL: 60},
	)
	require.NoError(t, err)

	w := workers.NewRegistry(b, 90*time.Second)
	a := NewAPI(reg, slots, d, w, log)

	cfg := &config.AppConfig{}
	cfg.Auth.JwtSecret = testJwtSecret
	return SetupRouter(a, cfg)
}

func authToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@lotpilot",
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(testJwtSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/containers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	rec = doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContainerAndPatternCRUD(t *testing.T) {
	router := newTestServer(t)
	token := authToken(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/containers", token, gin.H{
		"name": "session_flow", "category": "session",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var container struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &container))

	// Duplicate name conflicts.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/containers", token, gin.H{
		"name": "session_flow", "category": "session",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/patterns", token, gin.H{
		"containerId": container.ID,
		"name":        "login_v1",
		"codeType":    "data",
		"code":        `{"step":"login"}`,
		"isActive":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pattern struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pattern))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/inject", token, gin.H{
		"containerId": container.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/v1/injections?containerId=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, int64(1), logs.Total)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/999", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	router := newTestServer(t)
	token := authToken(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", token, gin.H{
		"type":     "post_vehicle",
		"tenantId": "acct_dealer_42",
		"payload":  gin.H{"vin": "1HGBH41JXMN109186"},
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var enqueued struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	require.NotEmpty(t, enqueued.TaskID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+enqueued.TaskID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "pending", status.Status)

	// A worker polls and gets the task.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/worker/next", token, gin.H{"workerId": "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var task struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, enqueued.TaskID, task.ID)

	// Empty queue yields 204.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/worker/next", token, gin.H{"workerId": "worker-1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/queues", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSlotEndpoints(t *testing.T) {
	router := newTestServer(t)
	token := authToken(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/containers", token, gin.H{
		"name": "pricing", "category": "pricing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var container struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &container))

	rec = doJSON(t, router, http.MethodPost, "/api/v1/patterns", token, gin.H{
		"containerId": container.ID,
		"name":        "markup",
		"codeType":    "data",
		"code":        `{"markup":1.1}`,
		"isActive":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/slots/browser-1/bind", token, gin.H{
		"containerId":     container.ID,
		"fallbackEnabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/slots/browser-1/execute", token, gin.H{
		"input": gin.H{"basePrice": 100},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/v1/slots/browser-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Loaded          bool `json:"loaded"`
		FallbackEnabled bool `json:"fallbackEnabled"`
		Stats           struct {
			Executions int64 `json:"executions"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Loaded)
	assert.False(t, view.FallbackEnabled)
	assert.Equal(t, int64(1), view.Stats.Executions)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/slots/browser-1", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/api/v1/slots/browser-1", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
