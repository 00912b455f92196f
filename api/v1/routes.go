package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/auth"
	"carbon-scribe/credit-lifecycle/internal/documents"
	"carbon-scribe/credit-lifecycle/internal/issuance"
	"carbon-scribe/credit-lifecycle/internal/reports"
	"carbon-scribe/credit-lifecycle/internal/retirement"
	"carbon-scribe/credit-lifecycle/internal/trading"
	"carbon-scribe/credit-lifecycle/internal/verification"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

// NewRouter returns a gin engine with CORS, health, metrics and every
// /api/v1 route registered.
func (a *API) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.Logger), cors(a.Config.Server.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1", auth.Middleware(a.Tokens))
	a.RegisterRoutes(api)
	return router
}

// RegisterRoutes registers the coordinator routes on an authenticated group
func (a *API) RegisterRoutes(api *gin.RouterGroup) {
	verification.NewHandler(a.Verification, a.Logger).RegisterRoutes(api)
	issuance.NewHandler(a.Issuance, a.Logger).RegisterRoutes(api)
	trading.NewHandler(a.Trading, a.Store, a.Logger).RegisterRoutes(api)
	retirement.NewHandler(a.Retirement, a.Logger).RegisterRoutes(api)
	documents.NewHandler(a.Documents).RegisterRoutes(api)

	api.GET("/events", a.events)

	ops := api.Group("", auth.RequireRole(lifecycle.RoleOperator))
	{
		reports.NewHandler(a.Reports, a.Logger).RegisterRoutes(ops)
		ops.GET("/reports/audit", a.lastAudit)
		ops.POST("/reconciliation/run", a.runReconciliation)
	}
}

// events upgrades to a WebSocket. Operators receive every event, other
// callers only their own.
func (a *API) events(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	if _, err := a.Events.HandleConnection(c.Writer, c.Request, caller.ID, caller.Is(lifecycle.RoleOperator)); err != nil {
		a.Logger.Warn("WebSocket upgrade failed", zap.String("caller", caller.ID), zap.Error(err))
	}
}

func (a *API) lastAudit(c *gin.Context) {
	result := a.Audit.LastResult()
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no supply audit has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   result,
		"next_run": a.Audit.NextRun(),
	})
}

func (a *API) runReconciliation(c *gin.Context) {
	summary, err := a.Reconciliation.RunOnce(c.Request.Context())
	if err != nil {
		a.Logger.Error("Manual reconciliation failed", zap.Error(err))
		c.JSON(lifecycle.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func cors(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if len(allowed) > 0 {
			origin = ""
			requested := c.GetHeader("Origin")
			for _, o := range allowed {
				if o == "*" || o == requested {
					origin = requested
					break
				}
			}
		}
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
