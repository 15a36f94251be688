package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AppStatus represents where an app is in the deploy pipeline
type AppStatus string

const (
	AppStatusQueued   AppStatus = "queued"
	AppStatusBuilding AppStatus = "building"
	AppStatusRunning  AppStatus = "running"
	AppStatusStopped  AppStatus = "stopped"
	AppStatusFailed   AppStatus = "failed"
	AppStatusDeleted  AppStatus = "deleted"
)

// validTransitions lists the allowed next states for each state.
// building -> building covers a redelivered build job for an app whose
// previous attempt crashed mid-build.
var validTransitions = map[AppStatus][]AppStatus{
	AppStatusQueued:   {AppStatusBuilding, AppStatusDeleted},
	AppStatusBuilding: {AppStatusBuilding, AppStatusRunning, AppStatusFailed, AppStatusDeleted},
	AppStatusRunning:  {AppStatusStopped, AppStatusDeleted},
	AppStatusStopped:  {AppStatusRunning, AppStatusDeleted},
	AppStatusFailed:   {AppStatusDeleted},
	AppStatusDeleted:  {},
}

// CanTransition reports whether an app may move from one status to another.
func CanTransition(from, to AppStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which the given status is reachable.
// Repositories use it to guard single-statement status updates.
func SourcesFor(to AppStatus) []AppStatus {
	var sources []AppStatus
	for _, from := range AllStatuses() {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

func AllStatuses() []AppStatus {
	return []AppStatus{
		AppStatusQueued,
		AppStatusBuilding,
		AppStatusRunning,
		AppStatusStopped,
		AppStatusFailed,
		AppStatusDeleted,
	}
}

func (s AppStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// App is one deployable unit uploaded by a user
type App struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID      `json:"user_id" gorm:"type:uuid;not null;index"`
	Name         string         `json:"name" gorm:"type:varchar(255)"`
	Status       AppStatus      `json:"status" gorm:"type:varchar(32);not null;default:'queued';index"`
	ContainerRef string         `json:"container_ref" gorm:"type:varchar(255)"`
	ImageRef     string         `json:"image_ref" gorm:"type:varchar(255)"`
	BundlePath   string         `json:"bundle_path" gorm:"type:varchar(1024)"`
	Manifest     datatypes.JSON `json:"manifest,omitempty"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;autoCreateTime;index"`
}

func (App) TableName() string {
	return "apps"
}
