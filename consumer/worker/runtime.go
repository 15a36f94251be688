package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
	"github.com/tnqbao/gau-deploy-orchestrator/routing"
)

// RuntimeWorker starts the container for a freshly built app under the
// sandbox policy, with routing labels for the reverse proxy.
type RuntimeWorker struct {
	repo      *repository.Repository
	engine    engine.Engine
	logger    *infra.LoggerClient
	telemetry *infra.Telemetry
	sandbox   engine.Sandbox
	routing   routing.Options
}

func NewRuntimeWorker(cfg *config.EnvConfig, repo *repository.Repository, eng engine.Engine, logger *infra.LoggerClient, telemetry *infra.Telemetry) *RuntimeWorker {
	return &RuntimeWorker{
		repo:      repo,
		engine:    eng,
		logger:    logger,
		telemetry: telemetry,
		sandbox:   engine.DefaultSandbox(cfg.Runtime.Memory, cfg.Runtime.CPUs, cfg.Runtime.PidsLimit),
		routing: routing.Options{
			Entrypoint:  cfg.Routing.Entrypoint,
			ServicePort: cfg.Routing.ServicePort,
			PathPrefix:  cfg.Routing.PathPrefix,
		},
	}
}

func (w *RuntimeWorker) Handle(ctx context.Context, env produce.Envelope) error {
	return w.Run(ctx, *env.Run)
}

func (w *RuntimeWorker) Run(ctx context.Context, job produce.RunJob) error {
	ctx, span := w.telemetry.Tracer.Start(ctx, "worker.run",
		trace.WithAttributes(attribute.String("app.id", job.AppID.String())))
	defer span.End()

	outcome, err := w.run(ctx, job)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	w.telemetry.Metrics.RunJobs.Add(ctx, 1, infra.Outcome(outcome))
	return err
}

func (w *RuntimeWorker) run(ctx context.Context, job produce.RunJob) (string, error) {
	app, err := w.repo.AppRepo.FindByID(ctx, job.AppID)
	if err != nil {
		if errors.Is(err, repository.ErrAppNotFound) {
			w.logger.WarningWithContextf(ctx, "[Runtime Worker] App %s no longer exists, discarding job", job.AppID)
			return "discarded", nil
		}
		return "", fmt.Errorf("failed to load app %s: %w", job.AppID, err)
	}

	switch app.Status {
	case entity.AppStatusBuilding:
	case entity.AppStatusRunning, entity.AppStatusStopped:
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] App %s already has container %s, skipping duplicate run job", app.ID, app.ContainerRef)
		return "duplicate", nil
	default:
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] App %s is %s, discarding run job", app.ID, app.Status)
		return "discarded", nil
	}

	userID, appID := app.UserID.String(), app.ID.String()
	name := engine.ContainerName(userID, appID)

	image := job.ImageRef
	if image == "" {
		image = app.ImageRef
	}
	if image == "" {
		image = engine.ImageTag(userID, appID)
	}

	state, err := w.engine.InspectContainer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	ref, err := w.ensureContainer(ctx, app, name, image, state)
	if err != nil {
		if errors.Is(err, engine.ErrNameConflict) {
			// another delivery of this job holds the name and has not started it yet
			return "", fmt.Errorf("container %s is being started elsewhere: %w", name, err)
		}
		w.fail(ctx, app, name, err)
		return "failed", nil
	}

	ok, err := w.repo.AppRepo.MarkRunning(ctx, app.ID, ref)
	if err != nil {
		return "", fmt.Errorf("failed to mark app %s running: %w", app.ID, err)
	}
	if !ok {
		if w.inUse(ctx, app, ref) {
			w.logger.InfoWithContextf(ctx, "[Runtime Worker] App %s already recorded container %s, skipping duplicate run job", app.ID, ref)
			return "duplicate", nil
		}
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] App %s changed state during start, removing container %s", app.ID, ref)
		w.removeContainer(ctx, ref)
		return "discarded", nil
	}

	path := routing.AppPath(w.routing.PathPrefix, appID)
	w.appendLog(ctx, app, "Container started at "+path)
	w.logger.InfoWithContextf(ctx, "[Runtime Worker] App %s running as %s at %s", app.ID, ref, path)
	return "succeeded", nil
}

// ensureContainer leaves a running container under name. A container already
// present under the name is started, never replaced, since a concurrent
// delivery of the same job may have created it.
func (w *RuntimeWorker) ensureContainer(ctx context.Context, app *entity.App, name, image string, state engine.ContainerState) (string, error) {
	switch {
	case state.Running:
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] Adopting running container %s for app %s", name, app.ID)
		return name, nil
	case state.Exists:
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] Starting existing container %s for app %s", name, app.ID)
		if err := w.engine.StartContainer(ctx, name); err != nil {
			return "", err
		}
		return name, nil
	}

	ref, err := w.engine.RunContainer(ctx, engine.RunRequest{
		Name:    name,
		Image:   image,
		Labels:  routing.Labels(app.ID.String(), w.routing),
		Sandbox: w.sandbox,
	})
	if !errors.Is(err, engine.ErrNameConflict) {
		return ref, err
	}

	// lost the race for the name; the winner's container is the app's container
	if state, inspectErr := w.engine.InspectContainer(ctx, name); inspectErr == nil && state.Running {
		w.logger.InfoWithContextf(ctx, "[Runtime Worker] Container %s was started concurrently, adopting it", name)
		return name, nil
	}
	return "", err
}

// inUse reports whether the app is recorded as owning container ref. Lookup
// errors count as in use so a container is never removed on a guess.
func (w *RuntimeWorker) inUse(ctx context.Context, app *entity.App, ref string) bool {
	current, err := w.repo.AppRepo.FindByID(ctx, app.ID)
	if err != nil {
		return !errors.Is(err, repository.ErrAppNotFound)
	}
	switch current.Status {
	case entity.AppStatusRunning, entity.AppStatusStopped:
		return current.ContainerRef == ref
	}
	return false
}

// fail records a start failure. The container is removed unless another
// delivery has meanwhile recorded it as the app's container.
func (w *RuntimeWorker) fail(ctx context.Context, app *entity.App, name string, cause error) {
	w.logger.ErrorWithContextf(ctx, cause, "[Runtime Worker] Failed to start app %s: %v", app.ID, cause)

	ok, err := w.repo.AppRepo.MarkFailed(ctx, app.ID)
	if err != nil {
		w.logger.ErrorWithContextf(ctx, err, "[Runtime Worker] Failed to mark app %s failed", app.ID)
		return
	}
	if !ok {
		if !w.inUse(ctx, app, name) {
			w.removeContainer(ctx, name)
		}
		return
	}
	w.removeContainer(ctx, name)
	w.appendLog(ctx, app, "Container failed to start: "+cause.Error())
}

// Abandon is called once the queue gives up on a run job, so the app does not
// stay building forever
func (w *RuntimeWorker) Abandon(ctx context.Context, env produce.Envelope, cause error) {
	app := &entity.App{ID: env.Run.AppID, UserID: env.Run.UserID}
	w.fail(ctx, app, engine.ContainerName(app.UserID.String(), app.ID.String()), cause)
}

func (w *RuntimeWorker) removeContainer(ctx context.Context, ref string) {
	if err := w.engine.RemoveContainer(ctx, ref); err != nil {
		w.logger.WarningWithContextf(ctx, "[Runtime Worker] Failed to remove container %s: %v", ref, err)
	}
}

func (w *RuntimeWorker) appendLog(ctx context.Context, app *entity.App, message string) {
	if err := w.repo.BuildLogRepo.Append(ctx, app.ID, message); err != nil {
		w.logger.WarningWithContextf(ctx, "[Runtime Worker] Failed to write build log for %s: %v", app.ID, err)
	}
}
