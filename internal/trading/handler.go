package trading

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
	coordinator *Coordinator
	store       registry.Reader
	logger      *zap.Logger
}

func NewHandler(coordinator *Coordinator, store registry.Reader, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, store: store, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/transfers", h.transfer)
	rg.GET("/transfers/:id", h.getTransfer)
	rg.GET("/holdings", h.listHoldings)
	rg.GET("/balances/:batch_id", h.balance)
	rg.GET("/portfolio", h.portfolio)

	listings := rg.Group("/listings")
	{
		listings.GET("", h.searchListings)
		listings.POST("", h.createListing)
		listings.GET("/:id", h.getListing)
		listings.DELETE("/:id", h.cancelListing)
		listings.POST("/:id/buy", h.buy)
	}
}

func (h *Handler) transfer(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.coordinator.Transfer(c.Request.Context(), caller, req)
	if err != nil {
		body := gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)}
		if record != nil {
			body["transfer"] = record
		}
		status := lifecycle.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Transfer failed", zap.Error(err))
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusAccepted, record)
}

func (h *Handler) getTransfer(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer ID"})
		return
	}

	record, err := h.coordinator.GetTransfer(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if caller.Is(lifecycle.RoleOwner) && record.FromID != caller.ID && record.ToID != caller.ID {
		h.writeError(c, lifecycle.NotFound("transfer %s not found", id))
		return
	}
	c.JSON(http.StatusOK, record)
}

// listHoldings is the marketplace read: confirmed circulating positions
func (h *Handler) listHoldings(c *gin.Context) {
	filter := registry.HoldingFilter{OwnerID: c.Query("owner_id")}
	if s := c.Query("batch_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
			return
		}
		filter.BatchID = &id
	}

	holdings, err := h.store.ListHoldings(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": holdings, "count": len(holdings)})
}

func (h *Handler) balance(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	batchID, err := uuid.Parse(c.Param("batch_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch ID"})
		return
	}
	owner := caller.ID
	if q := c.Query("owner_id"); q != "" && !caller.Is(lifecycle.RoleOwner) {
		owner = q
	}

	balance, err := h.coordinator.Balance(c.Request.Context(), batchID, owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *Handler) portfolio(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	owner := caller.ID
	if q := c.Query("owner_id"); q != "" && !caller.Is(lifecycle.RoleOwner) {
		owner = q
	}

	portfolio, err := h.coordinator.Portfolio(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, portfolio)
}

// searchListings serves the marketplace: ?q=&location=&type=&seller_id=&batch_id=&status=&limit=
func (h *Handler) searchListings(c *gin.Context) {
	filter := registry.ListingFilter{
		Query:       c.Query("q"),
		Location:    c.Query("location"),
		ProjectType: c.Query("type"),
		SellerID:    c.Query("seller_id"),
	}
	status := registry.ListingOpen
	if s := c.Query("status"); s != "" {
		status = registry.ListingStatus(s)
	}
	if status != "all" {
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
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	listings, err := h.coordinator.SearchListings(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

func (h *Handler) createListing(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)

	var req ListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	listing, err := h.coordinator.CreateListing(c.Request.Context(), caller, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

func (h *Handler) getListing(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing ID"})
		return
	}
	listing, err := h.coordinator.GetListing(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) cancelListing(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing ID"})
		return
	}
	listing, err := h.coordinator.CancelListing(c.Request.Context(), caller, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) buy(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing ID"})
		return
	}

	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.coordinator.Buy(c.Request.Context(), caller, id, req)
	if err != nil {
		body := gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)}
		if record != nil {
			body["transfer"] = record
		}
		status := lifecycle.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Purchase failed", zap.String("listing_id", id.String()), zap.Error(err))
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusAccepted, record)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := lifecycle.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Trading request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": lifecycle.KindOf(err)})
}
