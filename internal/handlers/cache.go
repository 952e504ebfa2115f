// Package handlers exposes the administrative and observability HTTP surface
// for the caching subsystem.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/pkg/validator"
)

// CacheHandler exposes cache statistics and manual invalidation operations.
type CacheHandler struct {
	registry *cache.Registry
	orch     *invalidation.Orchestrator
	emitter  *invalidation.Emitter
}

// NewCacheHandler constructs a cache admin handler. Returns nil when the
// orchestrator is absent.
func NewCacheHandler(registry *cache.Registry, orch *invalidation.Orchestrator, emitter *invalidation.Emitter) *CacheHandler {
	if registry == nil || orch == nil {
		return nil
	}
	return &CacheHandler{registry: registry, orch: orch, emitter: emitter}
}

// Stats returns per-instance cache statistics.
func (h *CacheHandler) Stats(c *gin.Context) {
	stats := make([]cache.Statistics, 0)
	h.registry.Each(func(store *cache.BoundedStore) {
		stats = append(stats, store.Statistics())
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

// TriggerHealth returns per-table change emitter status.
func (h *CacheHandler) TriggerHealth(c *gin.Context) {
	if h.emitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "change emitter is not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.emitter.Health(),
	})
}

// InvalidateUser drops every cache entry for one tenant.
func (h *CacheHandler) InvalidateUser(c *gin.Context) {
	tenantID := c.Param("tenantID")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "tenant id is required",
		})
		return
	}

	removed := h.orch.InvalidateUser(tenantID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"removed": removed,
	})
}

// InvalidateAgent drops one agent's cache entries.
func (h *CacheHandler) InvalidateAgent(c *gin.Context) {
	tenantID := c.Param("tenantID")
	agentID := c.Param("agentID")
	if tenantID == "" || agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "tenant id and agent id are required",
		})
		return
	}

	removed := h.orch.InvalidateAgent(tenantID, agentID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"removed": removed,
	})
}

type emergencyClearRequest struct {
	Reason string `json:"reason" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

// EmergencyClear wipes every cache instance when the supplied token matches
// the configured secret.
func (h *CacheHandler) EmergencyClear(c *gin.Context) {
	var req emergencyClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid clear request",
		})
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if !h.orch.EmergencyCacheClear(req.Reason, req.Token) {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "emergency clear declined",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"cleared": true,
	})
}
