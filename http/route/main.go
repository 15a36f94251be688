package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/http/controller"
	middlewares "github.com/tnqbao/gau-deploy-orchestrator/http/middleware"
	"github.com/tnqbao/gau-deploy-orchestrator/utils"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}
	r.Use(middles.CORSMiddleware)
	r.NoRoute(func(c *gin.Context) {
		utils.JSON404(c, "Route not found")
	})

	apiRoutes := r.Group("/api/v1")
	{
		apiRoutes.GET("/health", ctrl.Health)

		authed := apiRoutes.Group("")
		authed.Use(middles.AuthMiddleware)

		authed.POST("/deploy", ctrl.Deploy)

		appRoutes := authed.Group("/apps")
		{
			appRoutes.GET("", ctrl.ListApps)
			appRoutes.GET("/:id", ctrl.GetApp)
			appRoutes.POST("/:id/start", ctrl.StartApp)
			appRoutes.POST("/:id/stop", ctrl.StopApp)
			appRoutes.POST("/:id/rename", ctrl.RenameApp)
			appRoutes.DELETE("/:id", ctrl.DeleteApp)
			appRoutes.GET("/:id/logs", ctrl.GetAppLogs)
		}
	}
	return r
}
