package reports

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/registry"
)

// Handler handles HTTP requests for reports
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new reports handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers report routes on an operator-only group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	reports := rg.Group("/reports")
	{
		reports.GET("/supply", h.supply)
	}
}

// supply handles GET /reports/supply?format=json|csv|xlsx&status=confirmed,pending&project_id=
func (h *Handler) supply(c *gin.Context) {
	var filter SupplyFilter
	if s := c.Query("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := registry.Status(strings.TrimSpace(part))
			switch status {
			case registry.StatusPending, registry.StatusConfirmed, registry.StatusFailed:
				filter.Statuses = append(filter.Statuses, status)
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", part)})
				return
			}
		}
	}
	if s := c.Query("project_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
			return
		}
		filter.ProjectID = &id
	}

	format := ExportFormat(c.DefaultQuery("format", string(FormatJSON)))
	if format == FormatJSON {
		report, err := h.service.Supply(c.Request.Context(), filter)
		if err != nil {
			h.logger.Error("Failed to build supply report", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build supply report"})
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}
	if format != FormatCSV && format != FormatXLSX {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json, csv or xlsx"})
		return
	}

	body, contentType, filename, err := h.service.Export(c.Request.Context(), filter, format)
	if err != nil {
		h.logger.Error("Failed to export supply report", zap.String("format", string(format)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export supply report"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, contentType, body)
}
