package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrQuotaExceeded = errors.New("app quota exceeded")
	ErrAppNotFound   = errors.New("app not found")
)

type Repository struct {
	AppRepo      *AppRepository
	BuildLogRepo *BuildLogRepository
}

func InitRepository(db *gorm.DB) *Repository {
	return &Repository{
		AppRepo:      NewAppRepository(db),
		BuildLogRepo: NewBuildLogRepository(db),
	}
}
