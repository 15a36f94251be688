package controller

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tnqbao/gau-deploy-orchestrator/service"
	"github.com/tnqbao/gau-deploy-orchestrator/utils"
)

// requestUser returns the authenticated user id, writing a 401 when absent
func (ctrl *Controller) requestUser(c *gin.Context, component string) (uuid.UUID, bool) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(c.Request.Context(), err, "[%s] user_id not found in context", component)
		utils.JSON401(c, "Unauthorized: user_id not found")
		return uuid.Nil, false
	}
	return userID, true
}

func (ctrl *Controller) appID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid app id")
		return uuid.Nil, false
	}
	return id, true
}

// respondError writes a service error with its mapped status
func (ctrl *Controller) respondError(c *gin.Context, component string, err error) {
	status := service.HTTPStatus(err)
	if status >= 500 {
		ctrl.Infra.Logger.ErrorWithContextf(c.Request.Context(), err, "[%s] Request failed: %v", component, err)
	}
	utils.JSONError(c, status, service.PublicMessage(err))
}
