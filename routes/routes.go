package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stock_warehouse/config"
	"stock_warehouse/controllers"
	"stock_warehouse/middleware"
)

// SetupRoutes wires the operator API.
func SetupRoutes(router *gin.Engine, cfg *config.Config, wc *controllers.WarehouseController) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/login", wc.Login)

		protected := api.Group("")
		protected.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			protected.GET("/status", wc.Status)
			protected.GET("/report", wc.Report)
			protected.GET("/series/:symbol", wc.Series)
			protected.POST("/run/:market", wc.TriggerRun)
		}
	}
}
