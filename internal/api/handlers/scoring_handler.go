package handlers

import (
	"net/http"
	"time"

	"example.com/backstage/services/fleet/internal/repositories"
	"example.com/backstage/services/fleet/internal/scoring"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ScoringHandler exposes scoring runs and score reads
type ScoringHandler struct {
	engine *scoring.Engine
	scores *repositories.ScoreRepository
	tracer tracing.Tracer
}

// NewScoringHandler creates a new scoring handler
func NewScoringHandler(engine *scoring.Engine, scores *repositories.ScoreRepository, tracer tracing.Tracer) *ScoringHandler {
	return &ScoringHandler{
		engine: engine,
		scores: scores,
		tracer: tracer,
	}
}

// HandleRun triggers a scoring run for a closed period. Reruns are
// idempotent; a period still inside its grace window returns 409.
func (h *ScoringHandler) HandleRun(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-scoring-run")
	defer h.tracer.EndTransaction(txn)

	tenantID, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}

	periodStart, err := time.Parse(time.RFC3339, c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be RFC3339"})
		return
	}

	h.tracer.AddAttribute(txn, "tenant", tenantID.String())
	h.tracer.AddAttribute(txn, "period", periodStart.Format(time.RFC3339))

	periods, err := h.engine.Run(c.Request.Context(), tenantID, periodStart)
	if err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, scoring.ErrRerunConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Scoring run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scoring run failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"drivers_scored": len(periods),
		"periods":        periods,
	})
}

// HandleGetScore returns one driver's score period
func (h *ScoringHandler) HandleGetScore(c *gin.Context) {
	driverID, err := uuid.Parse(c.Param("driverId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid driver id"})
		return
	}

	periodStart, err := time.Parse(time.RFC3339, c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be RFC3339"})
		return
	}

	score, err := h.scores.GetByDriverPeriod(c.Request.Context(), driverID, periodStart)
	if err != nil {
		if errors.Is(errors.Cause(err), gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no score for driver and period"})
			return
		}
		log.Error().Err(err).Msg("Score lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "score lookup failed"})
		return
	}

	c.JSON(http.StatusOK, score)
}

// RegisterRoutes registers the handler's routes
func (h *ScoringHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/api/v1/scoring/:tenantId/run", h.HandleRun)
	router.GET("/api/v1/drivers/:driverId/scores", h.HandleGetScore)
}
