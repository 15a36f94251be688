package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BuildLogRepository struct {
	db *gorm.DB
}

func NewBuildLogRepository(db *gorm.DB) *BuildLogRepository {
	return &BuildLogRepository{db: db}
}

// Append writes a log line for an existing app. The app row is share-locked
// for the duration of the insert so a concurrent delete cannot slip between
// the existence check and the write.
func (r *BuildLogRepository) Append(ctx context.Context, appID uuid.UUID, message string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app entity.App
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			Select("id").
			Where("id = ?", appID).
			First(&app).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAppNotFound
			}
			return err
		}

		entry := &entity.BuildLog{
			AppID:     appID,
			Message:   message,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(entry).Error
	})
}

// FindByAppID returns the app's log lines oldest first. The id breaks ties
// between lines written within the same clock tick.
func (r *BuildLogRepository) FindByAppID(ctx context.Context, appID uuid.UUID) ([]entity.BuildLog, error) {
	var logs []entity.BuildLog
	err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
