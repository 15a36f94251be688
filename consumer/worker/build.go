package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/tnqbao/gau-deploy-orchestrator/bundle"
	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/recipe"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
)

// extractRatio bounds the unpacked size of a bundle relative to the upload cap
const extractRatio = 10

type BundleFetcher interface {
	FetchBundle(ctx context.Context, key, dest string) error
}

type RunPublisher interface {
	PublishRunJob(ctx context.Context, job produce.RunJob) error
}

// BuildWorker turns an uploaded bundle into a tagged image and hands the app
// over to the runtime worker.
type BuildWorker struct {
	repo      *repository.Repository
	bundles   BundleFetcher
	engine    engine.Engine
	jobs      RunPublisher
	logger    *infra.LoggerClient
	telemetry *infra.Telemetry

	workDir    string
	timeout    time.Duration
	runtimes   []string
	port       int
	maxExtract int64
}

func NewBuildWorker(cfg *config.EnvConfig, repo *repository.Repository, bundles BundleFetcher, eng engine.Engine, jobs RunPublisher, logger *infra.LoggerClient, telemetry *infra.Telemetry) *BuildWorker {
	maxExtract := cfg.Deploy.MaxBundleSize * extractRatio
	if maxExtract <= 0 {
		maxExtract = 52428800 * extractRatio
	}
	timeout := cfg.Build.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &BuildWorker{
		repo:       repo,
		bundles:    bundles,
		engine:     eng,
		jobs:       jobs,
		logger:     logger,
		telemetry:  telemetry,
		workDir:    cfg.Build.WorkDir,
		timeout:    timeout,
		runtimes:   buildableRuntimes(cfg.Deploy.SupportedRuntimes),
		port:       cfg.Routing.ServicePort,
		maxExtract: maxExtract,
	}
}

// buildableRuntimes keeps the configured runtimes that have a build recipe, so
// a manifest naming any other runtime is rejected as unsupported
func buildableRuntimes(configured []string) []string {
	known := recipe.Runtimes()
	out := make([]string, 0, len(configured))
	for _, r := range configured {
		if slices.Contains(known, r) {
			out = append(out, r)
		}
	}
	return out
}

func (w *BuildWorker) Handle(ctx context.Context, env produce.Envelope) error {
	return w.Build(ctx, *env.Build)
}

// Build handles one build job. Redelivered jobs for an app that already left
// the building phase are discarded; a redelivery mid-build rebuilds into the
// same work dir and image tag.
func (w *BuildWorker) Build(ctx context.Context, job produce.BuildJob) error {
	ctx, span := w.telemetry.Tracer.Start(ctx, "worker.build",
		trace.WithAttributes(attribute.String("app.id", job.AppID.String())))
	defer span.End()

	outcome, err := w.build(ctx, job)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	w.telemetry.Metrics.BuildJobs.Add(ctx, 1, infra.Outcome(outcome))
	return err
}

func (w *BuildWorker) build(ctx context.Context, job produce.BuildJob) (string, error) {
	app, err := w.repo.AppRepo.FindByID(ctx, job.AppID)
	if err != nil {
		if errors.Is(err, repository.ErrAppNotFound) {
			w.logger.WarningWithContextf(ctx, "[Build Worker] App %s no longer exists, discarding job", job.AppID)
			return "discarded", nil
		}
		return "", fmt.Errorf("failed to load app %s: %w", job.AppID, err)
	}

	switch app.Status {
	case entity.AppStatusQueued, entity.AppStatusBuilding:
	default:
		w.logger.InfoWithContextf(ctx, "[Build Worker] App %s is %s, discarding build job", app.ID, app.Status)
		return "discarded", nil
	}

	ok, err := w.repo.AppRepo.MarkBuilding(ctx, app.ID)
	if err != nil {
		return "", fmt.Errorf("failed to mark app %s building: %w", app.ID, err)
	}
	if !ok {
		w.logger.InfoWithContextf(ctx, "[Build Worker] App %s changed state before build, discarding job", app.ID)
		return "discarded", nil
	}

	w.appendLog(ctx, app, "Build started")
	w.logger.InfoWithContextf(ctx, "[Build Worker] Building app %s for user %s", app.ID, app.UserID)

	bundlePath := job.BundlePath
	if bundlePath == "" {
		bundlePath = app.BundlePath
	}

	started := time.Now()
	imageRef, manifest, err := w.buildImage(ctx, app, bundlePath)
	w.telemetry.Metrics.BuildDuration.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		w.fail(ctx, app, err)
		return "failed", nil
	}

	ok, err = w.repo.AppRepo.RecordImage(ctx, app.ID, imageRef, manifest)
	if err != nil {
		return "", fmt.Errorf("failed to record image for app %s: %w", app.ID, err)
	}
	if !ok {
		w.logger.InfoWithContextf(ctx, "[Build Worker] App %s was deleted during build, removing image %s", app.ID, imageRef)
		if err := w.engine.RemoveImage(ctx, imageRef); err != nil {
			w.logger.WarningWithContextf(ctx, "[Build Worker] Failed to remove image %s: %v", imageRef, err)
		}
		return "discarded", nil
	}

	run := produce.RunJob{AppID: app.ID, UserID: app.UserID, ImageRef: imageRef}
	if err := w.jobs.PublishRunJob(ctx, run); err != nil {
		w.fail(ctx, app, fmt.Errorf("failed to enqueue run job: %w", err))
		return "failed", nil
	}

	w.appendLog(ctx, app, "Build succeeded: "+imageRef)
	w.logger.InfoWithContextf(ctx, "[Build Worker] App %s built as %s, run job queued", app.ID, imageRef)
	return "succeeded", nil
}

// buildImage runs the filesystem and engine part of a build inside a work dir
// that is removed afterwards.
func (w *BuildWorker) buildImage(ctx context.Context, app *entity.App, bundlePath string) (string, datatypes.JSON, error) {
	dir := filepath.Join(w.workDir, "app_"+app.ID.String())
	archive := dir + ".zip"

	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("failed to reset work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			w.logger.WarningWithContextf(ctx, "[Build Worker] Failed to clean work dir %s: %v", dir, err)
		}
		_ = os.Remove(archive)
	}()

	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := w.bundles.FetchBundle(ctx, bundlePath, archive); err != nil {
		return "", nil, fmt.Errorf("failed to fetch bundle: %w", err)
	}
	if err := bundle.Extract(archive, dir, w.maxExtract); err != nil {
		return "", nil, err
	}

	manifest, err := bundle.LoadManifest(dir)
	if err != nil {
		return "", nil, err
	}
	if err := manifest.Validate(w.runtimes); err != nil {
		return "", nil, err
	}
	w.appendLog(ctx, app, fmt.Sprintf("Manifest loaded: runtime %s", manifest.Runtime))

	if err := recipe.Materialize(dir, manifest, w.port); err != nil {
		return "", nil, fmt.Errorf("failed to prepare build recipe: %w", err)
	}

	tag := engine.ImageTag(app.UserID.String(), app.ID.String())

	buildCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.engine.BuildImage(buildCtx, engine.BuildRequest{ContextDir: dir, Tag: tag}); err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return "", nil, fmt.Errorf("build timed out after %s", w.timeout)
		}
		return "", nil, fmt.Errorf("image build failed: %w", err)
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return tag, datatypes.JSON(data), nil
}

func (w *BuildWorker) fail(ctx context.Context, app *entity.App, cause error) {
	w.logger.ErrorWithContextf(ctx, cause, "[Build Worker] Build failed for app %s: %v", app.ID, cause)

	ok, err := w.repo.AppRepo.MarkFailed(ctx, app.ID)
	if err != nil {
		w.logger.ErrorWithContextf(ctx, err, "[Build Worker] Failed to mark app %s failed", app.ID)
		return
	}
	if !ok {
		w.logger.InfoWithContextf(ctx, "[Build Worker] App %s left the building state, not marking failed", app.ID)
		return
	}
	w.appendLog(ctx, app, "Build failed: "+cause.Error())
}

// Abandon is called once the queue gives up on a build job. A queued app is
// moved through building so the failure follows the usual transition.
func (w *BuildWorker) Abandon(ctx context.Context, env produce.Envelope, cause error) {
	app := &entity.App{ID: env.Build.AppID, UserID: env.Build.UserID}
	if _, err := w.repo.AppRepo.MarkBuilding(ctx, app.ID); err != nil {
		w.logger.ErrorWithContextf(ctx, err, "[Build Worker] Failed to mark app %s building", app.ID)
		return
	}
	w.fail(ctx, app, cause)
}

func (w *BuildWorker) appendLog(ctx context.Context, app *entity.App, message string) {
	if err := w.repo.BuildLogRepo.Append(ctx, app.ID, message); err != nil {
		w.logger.WarningWithContextf(ctx, "[Build Worker] Failed to write build log for %s: %v", app.ID, err)
	}
}
