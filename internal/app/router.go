package app

import (
	"exam_session_engine/docs"
	"exam_session_engine/internal/config"
	"exam_session_engine/internal/middleware"
	"exam_session_engine/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	router.GET("/api/health", c.health.HealthCheck)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	{
		authGroup.GET("/exams", c.exam.List)
		authGroup.GET("/exams/:id", c.exam.Parts)
		authGroup.POST("/admin/catalog/import", c.exam.Import)

		c.attempt.RegisterRoutes(authGroup)
	}
}
