package api_gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stablecoin-settlement-engine/internal/api_gateway/handler"
	"github.com/stablecoin-settlement-engine/internal/api_gateway/middleware"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is a dependency reported by the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	settlementHandler *handler.SettlementHandler,
	dependencies map[string]Pinger,
) {
	r.Use(middleware.CorrelationID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))

	v1 := r.Group("/api/v1")
	{
		settlements := v1.Group("/settlements")
		{
			settlements.POST("", settlementHandler.Create)
			settlements.GET("", settlementHandler.ListByStatus)
			settlements.POST("/batches", settlementHandler.TriggerBatch)
			settlements.GET("/:id", settlementHandler.GetByID)
			settlements.GET("/:id/attempts", settlementHandler.GetAttempts)
			settlements.GET("/:id/transfer-status", settlementHandler.GetTransferStatus)
		}

		merchants := v1.Group("/merchants/:merchant_id/settlements")
		{
			merchants.GET("", settlementHandler.ListByMerchant)
			merchants.GET("/stats", settlementHandler.MerchantStats)
		}
	}

	r.GET("/health", healthHandler(dependencies))
}

func healthHandler(dependencies map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		checks := make(map[string]string, len(dependencies))
		healthy := true
		for name, dep := range dependencies {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		body := gin.H{"checks": checks, "timestamp": time.Now().UTC()}
		if !healthy {
			body["status"] = "degraded"
			handler.RespondServiceUnavailable(c, body)
			return
		}
		body["status"] = "ok"
		c.JSON(http.StatusOK, body)
	}
}
