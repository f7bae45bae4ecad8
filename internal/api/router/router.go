package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Config holds router-level settings
type Config struct {
	Service       string
	Auth          AuthConfig
	AllowedOrigin string
	HealthChecks  map[string]HealthCheck
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg *Config) (*gin.Engine, error) {
	if err := dto.RegisterValidators(); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware(cfg.AllowedOrigin))

	r.GET("/health", healthHandler(cfg))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	creditHandler := handler.NewCreditHandler(deps)
	paymentHandler := handler.NewPaymentHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)
	mediaHandler := handler.NewMediaHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// Webhooks authenticate by signature, not by session
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/providers/:provider", webhookHandler.ProviderCallback)
			webhooks.POST("/payments", paymentHandler.Webhook)
		}

		authed := v1.Group("", AuthMiddleware(cfg.Auth))

		jobs := authed.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a generation job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Job status
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		credits := authed.Group("/credits")
		{
			credits.GET("", creditHandler.GetBalance)
			credits.POST("/deduct", creditHandler.Deduct)
		}

		authed.POST("/payments/checkout", paymentHandler.CreateCheckout)
		authed.POST("/uploads", mediaHandler.Upload)
		authed.GET("/media/*key", mediaHandler.Get)
	}

	return r, nil
}

func healthHandler(cfg *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		checks := make(map[string]string, len(cfg.HealthChecks))
		healthy := true
		for name, check := range cfg.HealthChecks {
			if err := check(ctx); err != nil {
				checks[name] = "unhealthy"
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": cfg.Service,
			"checks":  checks,
		})
	}
}
