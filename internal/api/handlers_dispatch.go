package api

import (
	"net/http"
	"time"

	"lotpilot/internal/dispatch"
	"lotpilot/internal/models"

	"github.com/gin-gonic/gin"
)

// EnqueueTaskHandler accepts a new task for dispatch.
func (a *API) EnqueueTaskHandler(c *gin.Context) {
	var req dispatch.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	taskID, err := a.dispatcher.Enqueue(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

// GetTaskStatusHandler returns the status record for one task.
func (a *API) GetTaskStatusHandler(c *gin.Context) {
	rec, err := a.dispatcher.GetTaskStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// QueueStatsHandler reports the depth of each priority queue.
func (a *API) QueueStatsHandler(c *gin.Context) {
	stats, err := a.dispatcher.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListWorkersHandler lists every known worker heartbeat.
func (a *API) ListWorkersHandler(c *gin.Context) {
	var (
		hbs []models.WorkerHeartbeat
		err error
	)
	if c.Query("active") == "true" {
		hbs, err = a.workers.Active(c.Request.Context())
	} else {
		hbs, err = a.workers.List(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": hbs})
}

// WorkerSummaryHandler aggregates the active fleet's capacity.
func (a *API) WorkerSummaryHandler(c *gin.Context) {
	summary, err := a.workers.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize workers"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// NextTaskHandler hands the next queued task to a polling worker. 204 means
// every queue is empty.
func (a *API) NextTaskHandler(c *gin.Context) {
	var payload struct {
		WorkerID string `json:"workerId"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workerId is required"})
		return
	}
	task, err := a.dispatcher.Dequeue(c.Request.Context(), payload.WorkerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dequeue"})
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CleanupHandler deletes finished task records older than the given number
// of hours.
func (a *API) CleanupHandler(c *gin.Context) {
	var payload struct {
		OlderThanHours int `json:"olderThanHours"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.OlderThanHours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "olderThanHours is required"})
		return
	}
	deleted, err := a.dispatcher.CleanupOldTasks(c.Request.Context(), time.Duration(payload.OlderThanHours)*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
