package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/http/controller/dto"
	"github.com/tnqbao/gau-deploy-orchestrator/routing"
	"github.com/tnqbao/gau-deploy-orchestrator/utils"
)

func (ctrl *Controller) toAppResponse(app *entity.App) dto.AppResponseDTO {
	resp := dto.AppResponseDTO{
		ID:        app.ID,
		Name:      app.Name,
		Status:    app.Status,
		ImageRef:  app.ImageRef,
		CreatedAt: app.CreatedAt,
	}
	if app.Status == entity.AppStatusRunning {
		resp.URL = routing.AppPath(ctrl.Config.EnvConfig.Routing.PathPrefix, app.ID.String())
	}
	return resp
}

func (ctrl *Controller) ListApps(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}

	views, err := ctrl.Lifecycle.ListStatuses(c.Request.Context(), userID)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (ctrl *Controller) GetApp(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	app, err := ctrl.Lifecycle.Get(c.Request.Context(), userID, id)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, ctrl.toAppResponse(app))
}

func (ctrl *Controller) StartApp(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	app, err := ctrl.Lifecycle.Start(c.Request.Context(), userID, id)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, ctrl.toAppResponse(app))
}

func (ctrl *Controller) StopApp(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	app, err := ctrl.Lifecycle.Stop(c.Request.Context(), userID, id)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, ctrl.toAppResponse(app))
}

func (ctrl *Controller) RenameApp(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	var req dto.RenameAppRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[App] Failed to bind rename payload: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	app, err := ctrl.Lifecycle.Rename(ctx, userID, id, req.Name)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, ctrl.toAppResponse(app))
}

func (ctrl *Controller) DeleteApp(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	if err := ctrl.Lifecycle.Delete(c.Request.Context(), userID, id); err != nil {
		ctrl.respondError(c, "App", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "App deleted"})
}

func (ctrl *Controller) GetAppLogs(c *gin.Context) {
	userID, ok := ctrl.requestUser(c, "App")
	if !ok {
		return
	}
	id, ok := ctrl.appID(c)
	if !ok {
		return
	}

	logs, err := ctrl.Lifecycle.GetBuildLogs(c.Request.Context(), userID, id)
	if err != nil {
		ctrl.respondError(c, "App", err)
		return
	}

	resp := make([]dto.BuildLogResponseDTO, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, dto.BuildLogResponseDTO{Message: l.Message, CreatedAt: l.CreatedAt})
	}
	c.JSON(http.StatusOK, resp)
}
