package controller

import (
	"context"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
	"github.com/tnqbao/gau-deploy-orchestrator/service"
)

// StorageChecker reports the bundle store's availability
type StorageChecker interface {
	Status(ctx context.Context) (string, error)
}

type Controller struct {
	Config     *config.Config
	Infra      *infra.Infra
	Repository *repository.Repository
	Gateway    *service.Gateway
	Lifecycle  *service.Lifecycle
	Beacons    infra.BeaconStore
	Storage    StorageChecker
}

func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository) *Controller {
	if repo == nil {
		panic("Failed to initialize Repository")
	}
	return &Controller{
		Config:     config,
		Infra:      infra,
		Repository: repo,
		Gateway:    service.NewGateway(config.EnvConfig, repo, infra.Minio, infra.Produce.JobService, infra.Logger, infra.Telemetry),
		Lifecycle:  service.NewLifecycle(repo, infra.Engine, infra.Minio, infra.Logger),
		Beacons:    infra.Redis,
		Storage:    infra.Minio,
	}
}
