package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/middleware"
	"github.com/sykell/url-monitor/internal/service"
)

// NewRouter wires the HTTP routes. /auth/login is only served when
// authentication is enabled.
func NewRouter(dbConn *gorm.DB, jobs *service.JobService, auth middleware.AuthConfig) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   "url-monitor",
		})
	})

	if auth.Enabled() {
		r.POST("/auth/login", LoginHandler(dbConn, auth))
	}

	authorized := r.Group("/jobs")
	authorized.Use(middleware.JWTRequired(auth))
	{
		authorized.GET("", ListJobsHandler(jobs))
		authorized.POST("", CreateJobHandler(jobs))
		authorized.POST("/bulk", BulkHandler(jobs))
		authorized.GET("/:id", GetJobHandler(jobs))
		authorized.PATCH("/:id", UpdateJobHandler(jobs))
		authorized.DELETE("/:id", DeleteJobHandler(jobs))
		authorized.GET("/:id/runs", ListRunsHandler(jobs))
		authorized.POST("/:id/run", RunNowHandler(jobs))
	}

	return r
}
