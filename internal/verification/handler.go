package verification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/auth"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	projects := rg.Group("/projects")
	{
		projects.POST("", h.submitProject)
		projects.GET("", h.listProjects)
		projects.GET("/:id", h.getProject)
		projects.GET("/:id/verification", h.getVerification)
		projects.POST("/:id/approve", auth.RequireRole(lifecycle.RoleVerifier), h.approve)
		projects.POST("/:id/reject", auth.RequireRole(lifecycle.RoleVerifier), h.reject)
	}
	rg.GET("/verification/queue", auth.RequireRole(lifecycle.RoleVerifier, lifecycle.RoleOperator), h.queue)
}

type submitProjectRequest struct {
	SubmitRequest
	// base64 in JSON
	Document            []byte `json:"document"`
	DocumentContentType string `json:"document_content_type"`
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) submitProject(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req submitProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SubmitRequest.Document = req.Document
	req.SubmitRequest.DocumentContentType = req.DocumentContentType

	project, err := h.service.SubmitProject(c.Request.Context(), caller, req.SubmitRequest)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) listProjects(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var status *registry.ProjectStatus
	if s := c.Query("status"); s != "" {
		ps := registry.ProjectStatus(s)
		status = &ps
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	// owners only ever see their own projects
	ownerID := c.Query("owner_id")
	if caller.Is(lifecycle.RoleOwner) || caller.Role == "" {
		ownerID = caller.ID
	}

	projects, err := h.service.Queue(c.Request.Context(), status, ownerID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (h *Handler) getProject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
		return
	}

	project, err := h.service.GetProject(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) getVerification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
		return
	}

	record, err := h.service.GetVerification(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) approve(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
		return
	}

	project, err := h.service.Approve(c.Request.Context(), caller, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) reject(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project ID"})
		return
	}

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a rejection reason is required"})
		return
	}

	project, err := h.service.Reject(c.Request.Context(), caller, id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// queue renders the verification queue with per-status header counts
func (h *Handler) queue(c *gin.Context) {
	status := registry.ProjectStatusSubmitted
	if s := c.Query("status"); s != "" {
		status = registry.ProjectStatus(s)
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	projects, err := h.service.Queue(c.Request.Context(), &status, "", limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	counts, err := h.service.Counts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "counts": counts})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := lifecycle.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Verification request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)})
}
