package router

import (
	"novelty-server/internal/handler"
	"novelty-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(svc *service.ServiceContext, sessions handler.SessionLister) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	experimentHandler := handler.NewExperimentHandler(svc, sessions)

	r.GET("/healthz", experimentHandler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		experiments := api.Group("/experiments")
		{
			experiments.GET("", experimentHandler.ListExperiments)
			experiments.GET("/:id/progress", experimentHandler.GetProgress)
			experiments.GET("/:id/stats", experimentHandler.GetStats)
			experiments.GET("/:id/report", experimentHandler.GetReport)
		}

		api.POST("/trials/sweep", experimentHandler.SweepAbandoned)
		api.GET("/sessions", experimentHandler.ListSessions)
	}

	return r
}
