package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tnqbao/gau-deploy-orchestrator/http/controller/dto"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
)

var workerBeacons = map[string]string{
	"build":   infra.BuildWorkerBeacon,
	"runtime": infra.RuntimeWorkerBeacon,
}

// Health reports worker beacon freshness and bundle storage status. Any dead
// worker or unreachable store turns the response into a 503.
func (ctrl *Controller) Health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := dto.HealthResponseDTO{
		Status:  "ok",
		Workers: make(map[string]dto.WorkerHealthDTO, len(workerBeacons)),
	}

	for name, key := range workerBeacons {
		beacon, err := infra.ReadBeacon(ctx, ctrl.Beacons, key)
		if err != nil {
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Health] Failed to read beacon %s: %v", key, err)
		}
		if !beacon.Alive {
			resp.Status = "degraded"
		}
		resp.Workers[name] = dto.WorkerHealthDTO{Alive: beacon.Alive, LastSeen: beacon.LastSeen}
	}

	storage, err := ctrl.Storage.Status(ctx)
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Health] Storage status check failed: %v", err)
		storage = "unreachable"
	}
	if storage != "online" {
		resp.Status = "degraded"
	}
	resp.Storage = storage

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
