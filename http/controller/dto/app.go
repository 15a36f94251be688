package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
)

type RenameAppRequestDTO struct {
	Name string `json:"name" binding:"max=1024"`
}

type AppResponseDTO struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Status    entity.AppStatus `json:"status"`
	URL       string           `json:"url,omitempty"`
	ImageRef  string           `json:"image_ref,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type BuildLogResponseDTO struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type WorkerHealthDTO struct {
	Alive    bool   `json:"alive"`
	LastSeen string `json:"last_seen,omitempty"`
}

type HealthResponseDTO struct {
	Status  string                     `json:"status"`
	Workers map[string]WorkerHealthDTO `json:"workers"`
	Storage string                     `json:"storage"`
}
