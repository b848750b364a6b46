// Package api exposes the dispatch and pattern registry over HTTP for
// operators and for the worker fleet.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"lotpilot/internal/dispatch"
	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/registry"
	"lotpilot/internal/registry/store"
	"lotpilot/internal/slot"
	"lotpilot/internal/workers"
	"lotpilot/pkg/logger"

	"github.com/gin-gonic/gin"
)

// API holds the handlers for every route.
type API struct {
	registry   *registry.Registry
	slots      *slot.Manager
	dispatcher *dispatch.Dispatcher
	workers    *workers.Registry
	logger     *logger.Logger
}

// NewAPI creates the handler set.
func NewAPI(reg *registry.Registry, slots *slot.Manager, d *dispatch.Dispatcher, w *workers.Registry, log *logger.Logger) *API {
	return &API{
		registry:   reg,
		slots:      slots,
		dispatcher: d,
		workers:    w,
		logger:     log,
	}
}

// uintParam parses a numeric path parameter.
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// pagination reads page/limit query parameters into an offset/limit pair.
func pagination(c *gin.Context) (offset, limit int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}
	return (page - 1) * limit, limit
}

// storeStatus maps store errors to HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, broker.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateName):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
