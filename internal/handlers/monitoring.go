package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/calltrics/calltrics/internal/monitoring"
	apperrors "github.com/calltrics/calltrics/pkg/errors"
)

// MonitoringHandler surfaces health reports, metrics, and alerts.
type MonitoringHandler struct {
	monitor *monitoring.Monitor
	alerts  *monitoring.AlertService
}

// NewMonitoringHandler constructs the handler. Returns nil when monitoring is
// absent.
func NewMonitoringHandler(monitor *monitoring.Monitor, alerts *monitoring.AlertService) *MonitoringHandler {
	if monitor == nil {
		return nil
	}
	return &MonitoringHandler{monitor: monitor, alerts: alerts}
}

// Health returns the structured health report. Degraded and critical states
// still answer 200; the classification lives in the body so probes can alert
// without flapping the endpoint itself.
func (h *MonitoringHandler) Health(c *gin.Context) {
	report := h.monitor.PerformHealthCheck()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    report,
	})
}

// Metrics renders the line-based metric export.
func (h *MonitoringHandler) Metrics(c *gin.Context) {
	c.String(http.StatusOK, h.monitor.RenderMetrics())
}

// Alerts lists unresolved alerts.
func (h *MonitoringHandler) Alerts(c *gin.Context) {
	if h.alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "alerting is not configured",
		})
		return
	}

	open, err := h.alerts.Unresolved()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to list alerts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    open,
	})
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (h *MonitoringHandler) AcknowledgeAlert(c *gin.Context) {
	h.transitionAlert(c, func(id string) error {
		_, err := h.alerts.Acknowledge(id)
		return err
	})
}

// ResolveAlert moves an alert to resolved.
func (h *MonitoringHandler) ResolveAlert(c *gin.Context) {
	h.transitionAlert(c, func(id string) error {
		_, err := h.alerts.Resolve(id)
		return err
	})
}

func (h *MonitoringHandler) transitionAlert(c *gin.Context, transition func(id string) error) {
	if h.alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "alerting is not configured",
		})
		return
	}

	if err := transition(c.Param("alertID")); err != nil {
		status := http.StatusInternalServerError
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			status = appErr.StatusCode
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
