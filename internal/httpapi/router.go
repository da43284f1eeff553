package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"uploadfinalizer/internal/config"
	"uploadfinalizer/internal/middleware"
)

// NewRouter assembles the gin engine, a direct adaptation of the
// teacher's router.Setup/setupBaseRouter split: the base middleware
// stack is identical, the route table is this service's own.
func NewRouter(h *Handlers) *gin.Engine {
	router := setupBaseRouter()

	router.GET("/healthz", h.Health)

	v1 := router.Group("/api/v1")
	{
		uploads := v1.Group("/uploads")
		uploads.Use(RequireAuth())
		{
			uploads.POST("", h.CreateUpload)
			uploads.GET("/:id", h.GetUpload)
			uploads.POST("/:id/complete", h.CompleteUpload)
		}

		admin := v1.Group("/admin")
		admin.Use(RequireAuth())
		{
			admin.POST("/jobs/:id/requeue", h.RequeueJob)
		}
	}

	return router
}

func setupBaseRouter() *gin.Engine {
	router := gin.New()

	router.Use(otelgin.Middleware("uploadfinalizer-api"))
	router.Use(middleware.Observability())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RateLimit())

	// Not trusting proxy headers unless explicitly configured in front
	// of a known load balancer.
	router.SetTrustedProxies(nil)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.GetAllowedOrigins()
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Authorization",
		"Accept",
		"User-Agent",
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Success: false, Message: "route not found"})
	})

	return router
}
