package retirement

import (
	"fmt"
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
	rg.POST("/retirements", h.retire)

	certs := rg.Group("/certificates")
	{
		certs.GET("", h.listCertificates)
		certs.GET("/:id", h.getCertificate)
		certs.GET("/:id/document", h.downloadCertificate)
	}
}

func (h *Handler) retire(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req RetireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cert, err := h.coordinator.Retire(c.Request.Context(), caller, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cert)
}

func (h *Handler) listCertificates(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	filter := registry.CertificateFilter{HolderID: c.Query("holder_id")}
	if caller.Is(lifecycle.RoleOwner) {
		filter.HolderID = caller.ID
	}
	if s := c.Query("status"); s != "" {
		status := registry.Status(s)
		filter.Status = &status
	}
	if s := c.Query("batch_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
			return
		}
		filter.BatchID = &id
	}

	certs, err := h.coordinator.ListCertificates(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs, "count": len(certs)})
}

func (h *Handler) getCertificate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate ID"})
		return
	}
	cert, err := h.coordinator.GetCertificate(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *Handler) downloadCertificate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate ID"})
		return
	}
	body, err := h.coordinator.CertificateDocument(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=certificate-%s.pdf", id))
	c.Data(http.StatusOK, "application/pdf", body)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := lifecycle.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Retirement request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)})
}
