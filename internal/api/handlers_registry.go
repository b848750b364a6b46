package api

import (
	"net/http"
	"strconv"
	"time"

	"lotpilot/internal/models"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"

	"github.com/gin-gonic/gin"
)

// CreateContainerHandler creates a pattern container.
func (a *API) CreateContainerHandler(c *gin.Context) {
	var container models.Container
	if err := c.ShouldBindJSON(&container); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if err := a.registry.CreateContainer(c.Request.Context(), &container); err != nil {
		status := storeStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, container)
}

// ListContainersHandler lists containers with optional category, name glob
// and active filters.
func (a *API) ListContainersHandler(c *gin.Context) {
	offset, limit := pagination(c)
	filter := store.ContainerFilter{
		Category:    c.Query("category"),
		NamePattern: c.Query("name"),
		ActiveOnly:  c.Query("active") == "true",
		Offset:      offset,
		Limit:       limit,
	}
	containers, total, err := a.registry.ListContainers(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": containers, "total": total})
}

// GetContainerHandler returns one container.
func (a *API) GetContainerHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	container, err := a.registry.GetContainer(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "container not found"})
		return
	}
	c.JSON(http.StatusOK, container)
}

// UpdateContainerHandler updates a container in place.
func (a *API) UpdateContainerHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var container models.Container
	if err := c.ShouldBindJSON(&container); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	container.ID = id
	if err := a.registry.UpdateContainer(c.Request.Context(), &container); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, container)
}

// DeleteContainerHandler removes a container and its patterns.
func (a *API) DeleteContainerHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := a.registry.DeleteContainer(c.Request.Context(), id); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "container not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDefaultContainerHandler makes a container its category's default.
func (a *API) SetDefaultContainerHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := a.registry.SetDefaultContainer(c.Request.Context(), id); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ContainerAnalyticsHandler returns the aggregate execution report.
func (a *API) ContainerAnalyticsHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	report, err := a.registry.Analytics(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "container not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// CreatePatternHandler creates a pattern.
func (a *API) CreatePatternHandler(c *gin.Context) {
	var pattern models.Pattern
	if err := c.ShouldBindJSON(&pattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if err := a.registry.CreatePattern(c.Request.Context(), &pattern); err != nil {
		status := storeStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, pattern)
}

// ListPatternsHandler lists patterns filtered by container, code type, tag
// glob and active flag.
func (a *API) ListPatternsHandler(c *gin.Context) {
	offset, limit := pagination(c)
	containerID, _ := strconv.ParseUint(c.Query("containerId"), 10, 32)
	filter := store.PatternFilter{
		ContainerID: uint(containerID),
		CodeType:    models.CodeType(c.Query("codeType")),
		TagPattern:  c.Query("tag"),
		ActiveOnly:  c.Query("active") == "true",
		Offset:      offset,
		Limit:       limit,
	}
	patterns, total, err := a.registry.ListPatterns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": patterns, "total": total})
}

// GetPatternHandler returns one pattern.
func (a *API) GetPatternHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	pattern, err := a.registry.GetPattern(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "pattern not found"})
		return
	}
	c.JSON(http.StatusOK, pattern)
}

// UpdatePatternHandler updates a pattern's definition. Rolling statistics
// are never writable through the API.
func (a *API) UpdatePatternHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var pattern models.Pattern
	if err := c.ShouldBindJSON(&pattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	pattern.ID = id
	if err := a.registry.UpdatePattern(c.Request.Context(), &pattern); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pattern)
}

// DeletePatternHandler removes a pattern.
func (a *API) DeletePatternHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := a.registry.DeletePattern(c.Request.Context(), id); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "pattern not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDefaultPatternHandler makes a pattern its container's default.
func (a *API) SetDefaultPatternHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := a.registry.SetDefaultPattern(c.Request.Context(), id); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// InjectHandler executes an injection directly, outside any slot.
func (a *API) InjectHandler(c *gin.Context) {
	var payload struct {
		ContainerID   uint                   `json:"containerId"`
		ContainerName string                 `json:"containerName"`
		Category      string                 `json:"category"`
		PatternID     uint                   `json:"patternId"`
		Strategy      string                 `json:"strategy"`
		InstanceID    string                 `json:"instanceId"`
		MissionID     string                 `json:"missionId"`
		TaskID        string                 `json:"taskId"`
		Input         map[string]interface{} `json:"input"`
		TimeoutMs     int                    `json:"timeoutMs"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	result, err := a.registry.Inject(c.Request.Context(), registry.InjectOptions{
		ContainerID:   payload.ContainerID,
		ContainerName: payload.ContainerName,
		Category:      payload.Category,
		PatternID:     payload.PatternID,
		Strategy:      registry.Strategy(payload.Strategy),
		InstanceID:    payload.InstanceID,
		MissionID:     payload.MissionID,
		TaskID:        payload.TaskID,
		Input:         payload.Input,
		TimeoutMs:     payload.TimeoutMs,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListInjectionLogsHandler exposes the audit trail.
func (a *API) ListInjectionLogsHandler(c *gin.Context) {
	offset, limit := pagination(c)
	containerID, _ := strconv.ParseUint(c.Query("containerId"), 10, 32)
	patternID, _ := strconv.ParseUint(c.Query("patternId"), 10, 32)

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	logs, total, err := a.registry.ListInjectionLogs(c.Request.Context(), store.LogFilter{
		ContainerID: uint(containerID),
		PatternID:   uint(patternID),
		InstanceID:  c.Query("instanceId"),
		TaskID:      c.Query("taskId"),
		Status:      models.InjectionStatus(c.Query("status")),
		Since:       since,
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list injection logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": logs, "total": total})
}
