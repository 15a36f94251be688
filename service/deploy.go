package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnqbao/gau-deploy-orchestrator/bundle"
	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
)

// BundleStore keeps uploaded bundles until the build worker fetches them
type BundleStore interface {
	PutBundle(ctx context.Context, key string, data io.Reader, size int64) error
	RemoveBundle(ctx context.Context, key string) error
}

type BuildPublisher interface {
	PublishBuildJob(ctx context.Context, job produce.BuildJob) error
}

type DeployRequest struct {
	UserID   uuid.UUID
	FileName string
	Bundle   io.ReaderAt
	Size     int64
}

type DeployResult struct {
	AppID  uuid.UUID        `json:"app_id"`
	Status entity.AppStatus `json:"status"`
}

// Gateway accepts bundles and turns them into queued apps
type Gateway struct {
	repo          *repository.Repository
	bundles       BundleStore
	jobs          BuildPublisher
	logger        *infra.LoggerClient
	telemetry     *infra.Telemetry
	maxApps       int
	maxBundleSize int64
}

func NewGateway(cfg *config.EnvConfig, repo *repository.Repository, bundles BundleStore, jobs BuildPublisher, logger *infra.LoggerClient, telemetry *infra.Telemetry) *Gateway {
	return &Gateway{
		repo:          repo,
		bundles:       bundles,
		jobs:          jobs,
		logger:        logger,
		telemetry:     telemetry,
		maxApps:       cfg.Deploy.MaxAppsPerUser,
		maxBundleSize: cfg.Deploy.MaxBundleSize,
	}
}

// BundleKey is the object key a user's bundle is stored under
func BundleKey(userID, appID uuid.UUID) string {
	return fmt.Sprintf("%s/%s.zip", userID, appID)
}

// Deploy validates the bundle, persists a queued app and enqueues its build.
// Nothing is stored or enqueued when validation or the quota check fails, and
// the build job is only published after the row is committed.
func (g *Gateway) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	ctx, span := g.telemetry.Tracer.Start(ctx, "deploy.gateway",
		trace.WithAttributes(attribute.String("user.id", req.UserID.String())))
	defer span.End()

	result, err := g.deploy(ctx, req)
	outcome := "accepted"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	g.telemetry.Metrics.DeployRequests.Add(ctx, 1, infra.Outcome(outcome))
	return result, err
}

func (g *Gateway) deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if req.UserID == uuid.Nil {
		return nil, validationf("missing user")
	}
	if req.Bundle == nil || req.Size <= 0 {
		return nil, validationf("bundle is empty")
	}
	if g.maxBundleSize > 0 && req.Size > g.maxBundleSize {
		return nil, validationf("bundle exceeds the maximum size of %d bytes", g.maxBundleSize)
	}
	if req.FileName != "" && !strings.EqualFold(filepath.Ext(req.FileName), ".zip") {
		return nil, validationf("only .zip bundles are accepted")
	}

	if err := bundle.Scan(req.Bundle, req.Size); err != nil {
		g.logger.WarningWithContextf(ctx, "[Deploy] Rejected bundle from user %s: %v", req.UserID, err)
		return nil, validation(err)
	}

	count, err := g.repo.AppRepo.CountActiveByUserID(ctx, req.UserID)
	if err != nil {
		g.logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to count apps for user %s", req.UserID)
		return nil, internal("failed to check quota", err)
	}
	if count >= int64(g.maxApps) {
		return nil, quotaExceeded(g.maxApps)
	}

	appID := uuid.New()
	key := BundleKey(req.UserID, appID)

	if err := g.bundles.PutBundle(ctx, key, io.NewSectionReader(req.Bundle, 0, req.Size), req.Size); err != nil {
		g.logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to store bundle %s", key)
		return nil, internal("failed to store bundle", err)
	}

	app := &entity.App{
		ID:         appID,
		UserID:     req.UserID,
		Name:       appName(req.FileName, appID),
		Status:     entity.AppStatusQueued,
		BundlePath: key,
		CreatedAt:  time.Now().UTC(),
	}

	if err := g.repo.AppRepo.CreateWithinQuota(ctx, app, g.maxApps); err != nil {
		g.discardBundle(ctx, key)
		if errors.Is(err, repository.ErrQuotaExceeded) {
			return nil, quotaExceeded(g.maxApps)
		}
		g.logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to persist app %s", appID)
		return nil, internal("failed to save app", err)
	}

	if err := g.repo.BuildLogRepo.Append(ctx, appID, "Deployment queued"); err != nil {
		g.logger.WarningWithContextf(ctx, "[Deploy] Failed to write build log for %s: %v", appID, err)
	}

	job := produce.BuildJob{AppID: appID, UserID: req.UserID, BundlePath: key}
	if err := g.jobs.PublishBuildJob(ctx, job); err != nil {
		g.logger.ErrorWithContextf(ctx, err, "[Deploy] Failed to enqueue build for app %s, rolling back", appID)
		if delErr := g.repo.AppRepo.Delete(ctx, appID); delErr != nil {
			g.logger.ErrorWithContextf(ctx, delErr, "[Deploy] Failed to roll back app %s", appID)
		}
		g.discardBundle(ctx, key)
		return nil, internal("failed to enqueue build", err)
	}

	g.logger.InfoWithContextf(ctx, "[Deploy] App %s queued for user %s (%d bytes)", appID, req.UserID, req.Size)

	return &DeployResult{AppID: appID, Status: entity.AppStatusQueued}, nil
}

func (g *Gateway) discardBundle(ctx context.Context, key string) {
	if err := g.bundles.RemoveBundle(ctx, key); err != nil {
		g.logger.WarningWithContextf(ctx, "[Deploy] Failed to remove bundle %s: %v", key, err)
	}
}

func quotaExceeded(maxApps int) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: fmt.Sprintf("app quota exceeded (max %d apps)", maxApps),
		Err:     repository.ErrQuotaExceeded,
	}
}

func appName(fileName string, appID uuid.UUID) string {
	base := strings.TrimSpace(strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)))
	if base == "" || base == "." {
		return "app-" + appID.String()[:8]
	}
	if len(base) > 255 {
		base = base[:255]
	}
	return base
}
