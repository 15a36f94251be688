package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AppRepository struct {
	db *gorm.DB
}

func NewAppRepository(db *gorm.DB) *AppRepository {
	return &AppRepository{db: db}
}

// AppStatusView is the cheap polling projection of an app
type AppStatusView struct {
	ID     uuid.UUID        `json:"id"`
	Status entity.AppStatus `json:"status"`
}

// CreateWithinQuota inserts the app only if its owner has fewer than maxApps
// non-deleted apps. Count and insert share one transaction; on Postgres the
// owner is serialized with an advisory lock so concurrent deploys cannot both
// pass the check.
func (r *AppRepository) CreateWithinQuota(ctx context.Context, app *entity.App, maxApps int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", app.UserID.String()).Error; err != nil {
				return fmt.Errorf("failed to lock user quota: %w", err)
			}
		}

		var count int64
		err := tx.Model(&entity.App{}).
			Where("user_id = ? AND status <> ?", app.UserID, entity.AppStatusDeleted).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count >= int64(maxApps) {
			return ErrQuotaExceeded
		}

		return tx.Create(app).Error
	})
}

func (r *AppRepository) CountActiveByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.App{}).
		Where("user_id = ? AND status <> ?", userID, entity.AppStatusDeleted).
		Count(&count).Error
	return count, err
}

// FindByID returns ErrAppNotFound for missing rows. Rows in the deleted state
// are returned as-is; callers decide how to treat them.
func (r *AppRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.App, error) {
	var app entity.App
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}
	return &app, nil
}

// ListStatuses returns id and status of every non-deleted app, newest first.
// A nil userID lists apps of all owners.
func (r *AppRepository) ListStatuses(ctx context.Context, userID uuid.UUID) ([]AppStatusView, error) {
	var views []AppStatusView
	query := r.db.WithContext(ctx).Model(&entity.App{}).
		Select("id", "status").
		Where("status <> ?", entity.AppStatusDeleted)
	if userID != uuid.Nil {
		query = query.Where("user_id = ?", userID)
	}
	err := query.Order("created_at DESC").Find(&views).Error
	if err != nil {
		return nil, err
	}
	return views, nil
}

// CompareAndSetStatus moves an app to status `to` only when its current status
// is one of `from`, in a single UPDATE keyed by id. extra columns are written in
// the same statement. It reports whether a row changed.
func (r *AppRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from []entity.AppStatus, to entity.AppStatus, extra map[string]interface{}) (bool, error) {
	if !to.IsValid() {
		return false, fmt.Errorf("unknown app status %q", to)
	}
	for _, s := range from {
		if !entity.CanTransition(s, to) {
			return false, fmt.Errorf("invalid transition %s -> %s", s, to)
		}
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).Model(&entity.App{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AppRepository) MarkBuilding(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id,
		[]entity.AppStatus{entity.AppStatusQueued, entity.AppStatusBuilding},
		entity.AppStatusBuilding, nil)
}

// MarkFailed is used by both workers; a failed app never keeps a container reference.
func (r *AppRepository) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id,
		[]entity.AppStatus{entity.AppStatusBuilding},
		entity.AppStatusFailed,
		map[string]interface{}{"container_ref": ""})
}

// RecordImage stores the built image on an app that is still building
func (r *AppRepository) RecordImage(ctx context.Context, id uuid.UUID, imageRef string, manifest datatypes.JSON) (bool, error) {
	updates := map[string]interface{}{"image_ref": imageRef}
	if len(manifest) > 0 {
		updates["manifest"] = manifest
	}
	result := r.db.WithContext(ctx).Model(&entity.App{}).
		Where("id = ? AND status = ?", id, entity.AppStatusBuilding).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AppRepository) MarkRunning(ctx context.Context, id uuid.UUID, containerRef string) (bool, error) {
	return r.CompareAndSetStatus(ctx, id,
		[]entity.AppStatus{entity.AppStatusBuilding},
		entity.AppStatusRunning,
		map[string]interface{}{"container_ref": containerRef})
}

func (r *AppRepository) MarkStopped(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id,
		[]entity.AppStatus{entity.AppStatusRunning},
		entity.AppStatusStopped, nil)
}

func (r *AppRepository) MarkStarted(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id,
		[]entity.AppStatus{entity.AppStatusStopped},
		entity.AppStatusRunning, nil)
}

// MarkDeleted flags the row so in-flight workers short-circuit before the row
// itself is removed.
func (r *AppRepository) MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.CompareAndSetStatus(ctx, id, entity.SourcesFor(entity.AppStatusDeleted), entity.AppStatusDeleted, nil)
}

func (r *AppRepository) Rename(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&entity.App{}).
		Where("id = ? AND status <> ?", id, entity.AppStatusDeleted).
		Update("name", name)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AppRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&entity.App{}, "id = ?", id).Error
}
