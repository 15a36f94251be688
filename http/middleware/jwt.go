package middlewares

import (
	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/utils"
)

func AuthMiddleware(config *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := utils.BearerToken(c)
		if tokenStr == "" {
			utils.JSON401(c, "Authorization token is required")
			c.Abort()
			return
		}

		userID, err := utils.ParseAccessToken(tokenStr, config)
		if err != nil {
			utils.JSON401(c, "Invalid or expired token")
			c.Abort()
			return
		}

		utils.SetUserID(c, userID)
		c.Next()
	}
}
