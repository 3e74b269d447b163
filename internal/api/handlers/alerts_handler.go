package handlers

import (
	"net/http"

	"example.com/backstage/services/fleet/internal/alerts"
	"example.com/backstage/services/fleet/internal/repositories"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AlertsHandler exposes alert history and the operator actions on alerts
type AlertsHandler struct {
	dispatcher *alerts.Dispatcher
	repo       *repositories.AlertRepository
	tracer     tracing.Tracer
}

// NewAlertsHandler creates a new alerts handler
func NewAlertsHandler(dispatcher *alerts.Dispatcher, repo *repositories.AlertRepository, tracer tracing.Tracer) *AlertsHandler {
	return &AlertsHandler{
		dispatcher: dispatcher,
		repo:       repo,
		tracer:     tracer,
	}
}

// HandleList returns alert history filtered by vehicle or driver
func (h *AlertsHandler) HandleList(c *gin.Context) {
	var vehicleID, driverID *uuid.UUID

	if v := c.Query("vehicle"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		vehicleID = &id
	}
	if v := c.Query("driver"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid driver id"})
			return
		}
		driverID = &id
	}
	if vehicleID == nil && driverID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vehicle or driver query parameter required"})
		return
	}

	list, err := h.repo.ListByEntity(c.Request.Context(), vehicleID, driverID, 100)
	if err != nil {
		log.Error().Err(err).Msg("Alert list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert list failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": list})
}

// HandleAcknowledge records operator acknowledgement of an alert
func (h *AlertsHandler) HandleAcknowledge(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-alert-ack")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	if err := h.dispatcher.Acknowledge(c.Request.Context(), id); err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("alertId", id.String()).Msg("Alert acknowledgement failed")
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// HandleEscalate escalates an alert to the escalation channel
func (h *AlertsHandler) HandleEscalate(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-alert-escalate")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	if err := h.dispatcher.Escalate(c.Request.Context(), id); err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("alertId", id.String()).Msg("Alert escalation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escalation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escalated": true})
}

// RegisterRoutes registers the handler's routes
func (h *AlertsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/api/v1/alerts", h.HandleList)
	router.POST("/api/v1/alerts/:id/ack", h.HandleAcknowledge)
	router.POST("/api/v1/alerts/:id/escalate", h.HandleEscalate)
}
