package entity

import (
	"time"

	"github.com/google/uuid"
)

// BuildLog is an append-only diagnostic line for an app. There is no foreign
// key: logs outlive the app row they describe.
type BuildLog struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	AppID     uuid.UUID `json:"app_id" gorm:"type:uuid;not null;index:idx_build_logs_app_created"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index:idx_build_logs_app_created"`
}

func (BuildLog) TableName() string {
	return "build_logs"
}
