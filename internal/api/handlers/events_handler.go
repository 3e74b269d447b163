package handlers

import (
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/fleet/internal/api/middleware"
	"example.com/backstage/services/fleet/internal/search"
	"example.com/backstage/services/fleet/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventsHandler serves behavior event history out of Elasticsearch
type EventsHandler struct {
	elastic *search.ElasticClient
	tracer  tracing.Tracer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(elastic *search.ElasticClient, tracer tracing.Tracer) *EventsHandler {
	return &EventsHandler{
		elastic: elastic,
		tracer:  tracer,
	}
}

// HandleSearch queries event history. The caller's tenant always scopes the
// query; vehicle, driver, type and time range are optional narrowing
// filters.
func (h *EventsHandler) HandleSearch(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-events-search")
	defer h.tracer.EndTransaction(txn)

	tenantID := middleware.TenantID(c)

	must := []map[string]interface{}{
		{"term": map[string]interface{}{"tenant_id": tenantID.String()}},
	}

	if v := c.Query("vehicle"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"vehicle_id": id.String()},
		})
	}
	if v := c.Query("driver"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid driver id"})
			return
		}
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"driver_id": id.String()},
		})
	}
	if v := c.Query("type"); v != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"type": v},
		})
	}

	timeRange := map[string]interface{}{}
	if v := c.Query("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		timeRange["gte"] = from.Format(time.RFC3339)
	}
	if v := c.Query("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		timeRange["lt"] = to.Format(time.RFC3339)
	}
	if len(timeRange) > 0 {
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"timestamp": timeRange},
		})
	}

	size := 50
	if v := c.Query("size"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be between 1 and 500"})
			return
		}
		size = parsed
	}

	query := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	hits, err := h.elastic.SearchEvents(c.Request.Context(), query)
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Msg("Event search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": hits, "count": len(hits)})
}

// RegisterRoutes registers the handler's routes
func (h *EventsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/api/v1/events/search", h.HandleSearch)
}
