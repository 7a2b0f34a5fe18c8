package api

import (
	"github.com/gin-gonic/gin"

	"github.com/chambridge/gpudash-aggregator/api/handlers"
	"github.com/chambridge/gpudash-aggregator/internal/config"
	"github.com/chambridge/gpudash-aggregator/internal/ring"
)

func SetupRouter(columns *ring.Ring, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	api := r.Group("/api/gpudash/v1")
	{
		api.GET("/columns", handlers.ListColumnsHandler(columns))
		api.GET("/columns/:position", handlers.ColumnHandler(columns))
		api.GET("/latest", handlers.LatestHandler(columns))
	}

	return r
}
