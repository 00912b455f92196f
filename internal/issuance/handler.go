package issuance

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/auth"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

type Handler struct {
	coordinator *Coordinator
	logger      *zap.Logger
}

func NewHandler(coordinator *Coordinator, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/issue", auth.RequireRole(lifecycle.RoleOperator, lifecycle.RoleVerifier), h.issue)

	batches := rg.Group("/batches")
	{
		batches.GET("", h.listBatches)
		batches.GET("/:id", h.getBatch)
		batches.GET("/:id/supply", h.getSupply)
	}
}

// issue is the manual trigger; approval normally issues through the worker
func (h *Handler) issue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
		return
	}

	res, err := h.coordinator.Issue(c.Request.Context(), id)
	if err != nil {
		status := lifecycle.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Issuance failed", zap.String("project_id", id.String()), zap.Error(err))
		}
		body := gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)}
		if res != nil {
			body["batch"] = res.Batch
		}
		c.JSON(status, body)
		return
	}

	if derr := res.Err(); derr != nil {
		c.JSON(lifecycle.HTTPStatus(derr), gin.H{"batch": res.Batch, "duplicate": true, "kind": lifecycle.KindOf(derr)})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) listBatches(c *gin.Context) {
	var status *registry.Status
	if s := c.Query("status"); s != "" {
		st := registry.Status(s)
		status = &st
	}
	batches, err := h.coordinator.ListBatches(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

func (h *Handler) getBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return
	}
	batch, err := h.coordinator.GetBatch(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) getSupply(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return
	}
	supply, err := h.coordinator.Supply(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"supply": supply, "balanced": supply.Balanced()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := lifecycle.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Issuance request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)})
}
