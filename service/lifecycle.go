package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
)

// Lifecycle runs the synchronous operations on existing apps. Operations take
// the caller's user id; apps owned by someone else are reported as not found.
// uuid.Nil skips the ownership check.
type Lifecycle struct {
	repo    *repository.Repository
	engine  engine.Engine
	bundles BundleStore
	logger  *infra.LoggerClient
}

func NewLifecycle(repo *repository.Repository, eng engine.Engine, bundles BundleStore, logger *infra.LoggerClient) *Lifecycle {
	return &Lifecycle{
		repo:    repo,
		engine:  eng,
		bundles: bundles,
		logger:  logger,
	}
}

func (l *Lifecycle) load(ctx context.Context, owner, id uuid.UUID) (*entity.App, error) {
	app, err := l.repo.AppRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAppNotFound) {
			return nil, notFound()
		}
		return nil, internal("failed to load app", err)
	}
	if app.Status == entity.AppStatusDeleted {
		return nil, notFound()
	}
	if owner != uuid.Nil && app.UserID != owner {
		return nil, notFound()
	}
	return app, nil
}

func (l *Lifecycle) Get(ctx context.Context, owner, id uuid.UUID) (*entity.App, error) {
	return l.load(ctx, owner, id)
}

// Start resumes a stopped app using its existing container
func (l *Lifecycle) Start(ctx context.Context, owner, id uuid.UUID) (*entity.App, error) {
	app, err := l.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if app.Status != entity.AppStatusStopped {
		return nil, conflictf("app is not stopped (status: %s)", app.Status)
	}
	if app.ContainerRef == "" {
		return nil, conflictf("app has no container to start")
	}

	if err := l.engine.StartContainer(ctx, app.ContainerRef); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Lifecycle] Failed to start container %s for app %s", app.ContainerRef, id)
		return nil, internal("failed to start container", err)
	}

	ok, err := l.repo.AppRepo.MarkStarted(ctx, id)
	if err != nil {
		return nil, internal("failed to update app", err)
	}
	if !ok {
		return nil, conflictf("app changed state during start")
	}

	l.appendLog(ctx, id, "Container started")
	l.logger.InfoWithContextf(ctx, "[Lifecycle] App %s started", id)

	app.Status = entity.AppStatusRunning
	return app, nil
}

// Stop halts a running app and keeps its container for a later Start
func (l *Lifecycle) Stop(ctx context.Context, owner, id uuid.UUID) (*entity.App, error) {
	app, err := l.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if app.Status != entity.AppStatusRunning {
		return nil, conflictf("app is not running (status: %s)", app.Status)
	}

	if err := l.engine.StopContainer(ctx, app.ContainerRef); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Lifecycle] Failed to stop container %s for app %s", app.ContainerRef, id)
		return nil, internal("failed to stop container", err)
	}

	ok, err := l.repo.AppRepo.MarkStopped(ctx, id)
	if err != nil {
		return nil, internal("failed to update app", err)
	}
	if !ok {
		return nil, conflictf("app changed state during stop")
	}

	l.appendLog(ctx, id, "Container stopped")
	l.logger.InfoWithContextf(ctx, "[Lifecycle] App %s stopped", id)

	app.Status = entity.AppStatusStopped
	return app, nil
}

// Rename updates the display name. A blank name leaves the app untouched.
func (l *Lifecycle) Rename(ctx context.Context, owner, id uuid.UUID, name string) (*entity.App, error) {
	app, err := l.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return app, nil
	}
	if len(name) > 255 {
		return nil, validationf("name must be at most 255 characters")
	}

	ok, err := l.repo.AppRepo.Rename(ctx, id, name)
	if err != nil {
		return nil, internal("failed to rename app", err)
	}
	if !ok {
		return nil, notFound()
	}

	app.Name = name
	return app, nil
}

// Delete tears down the app's container, image and bundle, then removes the
// row. Teardown failures are logged and do not stop the deletion.
func (l *Lifecycle) Delete(ctx context.Context, owner, id uuid.UUID) error {
	app, err := l.repo.AppRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAppNotFound) {
			return notFound()
		}
		return internal("failed to load app", err)
	}
	if owner != uuid.Nil && app.UserID != owner {
		return notFound()
	}

	// a row left in deleted by an earlier attempt is torn down again
	retry := app.Status == entity.AppStatusDeleted
	if !retry {
		ok, err := l.repo.AppRepo.MarkDeleted(ctx, id)
		if err != nil {
			return internal("failed to delete app", err)
		}
		if !ok {
			return notFound()
		}
	}

	userID, appID := app.UserID.String(), app.ID.String()

	containerRef := app.ContainerRef
	if containerRef == "" {
		containerRef = engine.ContainerName(userID, appID)
	}
	if err := l.engine.RemoveContainer(ctx, containerRef); err != nil {
		l.logger.WarningWithContextf(ctx, "[Lifecycle] Failed to remove container %s: %v", containerRef, err)
	}

	imageRef := app.ImageRef
	if imageRef == "" {
		imageRef = engine.ImageTag(userID, appID)
	}
	if err := l.engine.RemoveImage(ctx, imageRef); err != nil {
		l.logger.WarningWithContextf(ctx, "[Lifecycle] Failed to remove image %s: %v", imageRef, err)
	}

	if app.BundlePath != "" && l.bundles != nil {
		if err := l.bundles.RemoveBundle(ctx, app.BundlePath); err != nil {
			l.logger.WarningWithContextf(ctx, "[Lifecycle] Failed to remove bundle %s: %v", app.BundlePath, err)
		}
	}

	if !retry {
		l.appendLog(ctx, id, "App deleted")
	}

	if err := l.repo.AppRepo.Delete(ctx, id); err != nil {
		l.logger.ErrorWithContextf(ctx, err, "[Lifecycle] Failed to delete app row %s", id)
		return internal("failed to delete app", err)
	}

	l.logger.InfoWithContextf(ctx, "[Lifecycle] App %s deleted", id)
	return nil
}

// ListStatuses returns {id, status} of the owner's apps, newest first
func (l *Lifecycle) ListStatuses(ctx context.Context, owner uuid.UUID) ([]repository.AppStatusView, error) {
	views, err := l.repo.AppRepo.ListStatuses(ctx, owner)
	if err != nil {
		return nil, internal("failed to list apps", err)
	}
	if views == nil {
		views = []repository.AppStatusView{}
	}
	return views, nil
}

func (l *Lifecycle) GetBuildLogs(ctx context.Context, owner, id uuid.UUID) ([]entity.BuildLog, error) {
	if _, err := l.load(ctx, owner, id); err != nil {
		return nil, err
	}

	logs, err := l.repo.BuildLogRepo.FindByAppID(ctx, id)
	if err != nil {
		return nil, internal("failed to load build logs", err)
	}
	if logs == nil {
		logs = []entity.BuildLog{}
	}
	return logs, nil
}

func (l *Lifecycle) appendLog(ctx context.Context, id uuid.UUID, message string) {
	if err := l.repo.BuildLogRepo.Append(ctx, id, message); err != nil {
		l.logger.WarningWithContextf(ctx, "[Lifecycle] Failed to write build log for %s: %v", id, err)
	}
}
