package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/service"
	"github.com/tnqbao/gau-deploy-orchestrator/utils"
)

// multipartOverhead is allowed on top of the bundle cap for form boundaries and headers
const multipartOverhead = 1 << 20

func (ctrl *Controller) Deploy(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := ctrl.requestUser(c, "Deploy")
	if !ok {
		return
	}

	if limit := ctrl.Config.EnvConfig.Deploy.MaxBundleSize; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Deploy] Missing or unreadable bundle upload: %v", err)
		utils.JSON400(c, "A .zip bundle is required in form field 'file'")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to open uploaded bundle: %v", err)
		utils.JSON500(c, "Failed to read uploaded bundle")
		return
	}
	defer file.Close()

	digest, err := utils.HashSHA256(file)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to read uploaded bundle: %v", err)
		utils.JSON500(c, "Failed to read uploaded bundle")
		return
	}
	if utils.SecureCompare(digest, utils.EmptySHA256) {
		utils.JSON400(c, "Bundle is empty")
		return
	}
	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Deploy] Received bundle '%s' (%d bytes, sha256 %s) from user %s",
		fileHeader.Filename, fileHeader.Size, digest, userID)

	result, err := ctrl.Gateway.Deploy(ctx, service.DeployRequest{
		UserID:   userID,
		FileName: fileHeader.Filename,
		Bundle:   file,
		Size:     fileHeader.Size,
	})
	if err != nil {
		ctrl.respondError(c, "Deploy", err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}
