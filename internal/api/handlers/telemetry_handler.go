package handlers

import (
	"net/http"
	"time"

	"example.com/backstage/services/fleet/internal/telemetry"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TelemetryHandler handles direct HTTP telemetry ingestion. Gateways that
// batch over Service Bus bypass this path entirely.
type TelemetryHandler struct {
	pipeline *telemetry.Pipeline
	tracer   tracing.Tracer
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(pipeline *telemetry.Pipeline, tracer tracing.Tracer) *TelemetryHandler {
	return &TelemetryHandler{
		pipeline: pipeline,
		tracer:   tracer,
	}
}

// TelemetryRequest represents one incoming sample
type TelemetryRequest struct {
	Device     string    `json:"device" binding:"required"`
	Timestamp  time.Time `json:"ts" binding:"required"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	SpeedMph   float64   `json:"speed_mph"`
	HeadingDeg float64   `json:"heading_deg"`
	FuelPct    *float64  `json:"fuel_pct"`
	FaultCodes *string   `json:"fault_codes"`
}

// TelemetryResponse reports whether the sample was accepted into the
// pipeline. Ordering decisions happen downstream and are not reported here.
type TelemetryResponse struct {
	Accepted  bool   `json:"accepted"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HandleIngest accepts one telemetry sample
func (h *TelemetryHandler) HandleIngest(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-telemetry-ingest")
	defer h.tracer.EndTransaction(txn)

	var req TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid telemetry request body")
		c.JSON(http.StatusBadRequest, TelemetryResponse{Accepted: false, Reason: err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "device", req.Device)

	raw := &telemetry.RawSample{
		DeviceMCU:  req.Device,
		Timestamp:  req.Timestamp,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		SpeedMph:   req.SpeedMph,
		HeadingDeg: req.HeadingDeg,
		FuelPct:    req.FuelPct,
		FaultCodes: req.FaultCodes,
	}

	sample, err := h.pipeline.Ingest(c.Request.Context(), raw)
	if err != nil {
		h.tracer.RecordError(txn, err)
		switch {
		case errors.Is(err, telemetry.ErrUnknownDevice):
			c.JSON(http.StatusNotFound, TelemetryResponse{Accepted: false, Reason: "unknown device"})
		case errors.Is(err, telemetry.ErrInvalidSample):
			c.JSON(http.StatusBadRequest, TelemetryResponse{Accepted: false, Reason: err.Error()})
		default:
			log.Error().Err(err).Msg("Telemetry ingest failed")
			c.JSON(http.StatusInternalServerError, TelemetryResponse{Accepted: false, Reason: "internal error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, TelemetryResponse{
		Accepted:  true,
		VehicleID: sample.VehicleID.String(),
	})
}

// RegisterRoutes registers the handler's routes
func (h *TelemetryHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/api/v1/telemetry", h.HandleIngest)
}
