package api

import (
	"net/http"

	"lotpilot/internal/slot"

	"github.com/gin-gonic/gin"
)

// BindSlotHandler binds an instance to a container, creating its slot. The
// payload may pin a fallback pattern or turn fallback off.
func (a *API) BindSlotHandler(c *gin.Context) {
	instanceID := c.Param("instanceId")
	var payload struct {
		ContainerID       uint  `json:"containerId"`
		FallbackPatternID uint  `json:"fallbackPatternId"`
		FallbackEnabled   *bool `json:"fallbackEnabled"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ContainerID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "containerId is required"})
		return
	}
	s, err := a.slots.Bind(c.Request.Context(), instanceID, payload.ContainerID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if payload.FallbackPatternID != 0 || payload.FallbackEnabled != nil {
		enabled := true
		if payload.FallbackEnabled != nil {
			enabled = *payload.FallbackEnabled
		}
		if err := s.SetFallback(c.Request.Context(), payload.FallbackPatternID, enabled); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// LoadSlotHandler loads a pattern into an instance's slot, optionally
// reconfiguring its fallback.
func (a *API) LoadSlotHandler(c *gin.Context) {
	s, ok := a.slotOf(c)
	if !ok {
		return
	}
	var payload struct {
		PatternID         uint  `json:"patternId"`
		FallbackPatternID uint  `json:"fallbackPatternId"`
		FallbackEnabled   *bool `json:"fallbackEnabled"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.PatternID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patternId is required"})
		return
	}
	if err := s.Load(c.Request.Context(), payload.PatternID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if payload.FallbackPatternID != 0 || payload.FallbackEnabled != nil {
		enabled := true
		if payload.FallbackEnabled != nil {
			enabled = *payload.FallbackEnabled
		}
		if err := s.SetFallback(c.Request.Context(), payload.FallbackPatternID, enabled); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// SwapSlotHandler hot-swaps the loaded pattern.
func (a *API) SwapSlotHandler(c *gin.Context) {
	s, ok := a.slotOf(c)
	if !ok {
		return
	}
	var payload struct {
		PatternID uint `json:"patternId"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.PatternID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patternId is required"})
		return
	}
	displaced, err := s.Swap(c.Request.Context(), payload.PatternID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"displacedPatternId": displaced, "slot": s.Snapshot()})
}

// UnloadSlotHandler empties the slot without releasing it.
func (a *API) UnloadSlotHandler(c *gin.Context) {
	s, ok := a.slotOf(c)
	if !ok {
		return
	}
	s.Unload()
	c.JSON(http.StatusOK, s.Snapshot())
}

// ExecuteSlotHandler runs the slot's loaded pattern.
func (a *API) ExecuteSlotHandler(c *gin.Context) {
	s, ok := a.slotOf(c)
	if !ok {
		return
	}
	var payload struct {
		TaskID    string                 `json:"taskId"`
		Input     map[string]interface{} `json:"input"`
		TimeoutMs int                    `json:"timeoutMs"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	result, err := s.Execute(c.Request.Context(), payload.TaskID, payload.Input, payload.TimeoutMs)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetSlotHandler returns one slot snapshot.
func (a *API) GetSlotHandler(c *gin.Context) {
	s, ok := a.slotOf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// ListSlotsHandler snapshots every slot.
func (a *API) ListSlotsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": a.slots.Views()})
}

// ReleaseSlotHandler drops an instance's slot.
func (a *API) ReleaseSlotHandler(c *gin.Context) {
	a.slots.Release(c.Param("instanceId"))
	c.Status(http.StatusNoContent)
}

func (a *API) slotOf(c *gin.Context) (*slot.Slot, bool) {
	s, err := a.slots.Get(c.Param("instanceId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return s, true
}
