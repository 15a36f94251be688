package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
)

const nodeManifest = "runtime: node\nversion: \"20\"\nstart: node index.js\n"

func TestPipelineRunsSupportedApp(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))
	assert.Equal(t, entity.AppStatusQueued, p.app(t, job).Status)

	require.NoError(t, p.builder.Build(ctx, job))

	app := p.app(t, job)
	assert.Equal(t, entity.AppStatusBuilding, app.Status)
	tag := engine.ImageTag(app.UserID.String(), app.ID.String())
	assert.Equal(t, tag, app.ImageRef)
	assert.JSONEq(t, `{"runtime":"node","version":"20","start":"node index.js"}`, string(app.Manifest))
	require.Len(t, p.queue.runs, 1)
	assert.Equal(t, tag, p.queue.runs[0].ImageRef)

	require.NoError(t, p.runner.Run(ctx, p.queue.runs[0]))

	app = p.app(t, job)
	assert.Equal(t, entity.AppStatusRunning, app.Status)
	assert.Equal(t, engine.ContainerName(app.UserID.String(), app.ID.String()), app.ContainerRef)
	assert.Equal(t, 1, p.engine.RunningContainers())

	logs := p.logs(t, job)
	assert.Equal(t, "Deployment queued", logs[0])
	assert.Equal(t, "Build started", logs[1])
	assert.Equal(t, "Container started at /app/"+app.ID.String(), logs[len(logs)-1])
	for _, l := range logs {
		assert.NotContains(t, strings.ToLower(l), "failed")
	}
}

func TestBuildUnsupportedRuntimeFails(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, "runtime: cobol\n"))

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, entity.AppStatusFailed, p.app(t, job).Status)
	assert.Zero(t, p.engine.Count("build"))
	assert.Empty(t, p.queue.runs)

	logs := p.logs(t, job)
	assert.Contains(t, logs, "Build started")
	assert.Equal(t, "Build failed: unsupported runtime: cobol", logs[len(logs)-1])
}

func TestBuildWithoutManifestFails(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, zipOf(t, map[string]string{"index.js": "x"}))

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, entity.AppStatusFailed, p.app(t, job).Status)
	logs := p.logs(t, job)
	assert.Equal(t, "Build failed: manifest not found", logs[len(logs)-1])
	assert.Zero(t, p.engine.Count("build"))
}

func TestBuildEngineFailure(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.engine.BuildErr = errors.New("exit status 1")
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	require.NoError(t, p.builder.Build(ctx, job))

	app := p.app(t, job)
	assert.Equal(t, entity.AppStatusFailed, app.Status)
	assert.Empty(t, app.ContainerRef)
	assert.Empty(t, p.queue.runs)

	logs := p.logs(t, job)
	assert.Equal(t, "Build failed: image build failed: exit status 1", logs[len(logs)-1])
}

func TestBuildTimeout(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.builder.timeout = 20 * time.Millisecond
	p.engine.BuildHook = func(ctx context.Context, _ engine.BuildRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, entity.AppStatusFailed, p.app(t, job).Status)
	logs := p.logs(t, job)
	assert.Contains(t, logs[len(logs)-1], "build timed out")
	assert.Empty(t, p.queue.runs)
}

func TestBuildRendersRecipeAndCleansWorkDir(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	var dockerfile string
	p.engine.BuildHook = func(_ context.Context, req engine.BuildRequest) error {
		data, err := os.ReadFile(req.ContextDir + "/Dockerfile")
		dockerfile = string(data)
		return err
	}
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Contains(t, dockerfile, "FROM node:20-alpine")
	entries, err := os.ReadDir(p.cfg.Build.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildRedeliveryAfterSuccessIsDiscarded(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	require.NoError(t, p.builder.Build(ctx, job))
	require.NoError(t, p.runner.Run(ctx, p.queue.runs[0]))

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, 1, p.engine.Count("build"))
	assert.Len(t, p.queue.runs, 1)
	assert.Equal(t, entity.AppStatusRunning, p.app(t, job).Status)
}

func TestBuildRedeliveryMidBuildReusesTag(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	_, err := p.repo.AppRepo.MarkBuilding(ctx, job.AppID)
	require.NoError(t, err)

	require.NoError(t, p.builder.Build(ctx, job))

	require.Len(t, p.engine.Calls, 1)
	app := p.app(t, job)
	assert.Equal(t, engine.Call{Op: "build", Ref: engine.ImageTag(app.UserID.String(), app.ID.String())}, p.engine.Calls[0])
	assert.Len(t, p.queue.runs, 1)
}

func TestBuildDeletedAppIsDiscarded(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	_, err := p.repo.AppRepo.MarkDeleted(ctx, job.AppID)
	require.NoError(t, err)
	require.NoError(t, p.builder.Build(ctx, job))

	require.NoError(t, p.repo.AppRepo.Delete(ctx, job.AppID))
	require.NoError(t, p.builder.Build(ctx, job))

	assert.Empty(t, p.engine.Calls)
	assert.Empty(t, p.queue.runs)
}

func TestBuildDeletedMidBuildRemovesImage(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	p.engine.BuildHook = func(ctx context.Context, _ engine.BuildRequest) error {
		_, err := p.repo.AppRepo.MarkDeleted(ctx, job.AppID)
		return err
	}
	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, 1, p.engine.Count("rmi"))
	assert.Empty(t, p.queue.runs)
	assert.Equal(t, entity.AppStatusDeleted, p.app(t, job).Status)
}

func TestBuildEnqueueFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))
	p.queue.runErr = errors.New("channel closed")

	require.NoError(t, p.builder.Build(ctx, job))

	assert.Equal(t, entity.AppStatusFailed, p.app(t, job).Status)
	logs := p.logs(t, job)
	assert.Contains(t, logs[len(logs)-1], "failed to enqueue run job")
}

func TestBuildAbandonedAfterPanicMarksFailed(t *testing.T) {
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))

	ack := p.consume(t, produce.BuildQueue, produce.Envelope{Kind: produce.JobKindBuild, Build: &job},
		func(context.Context, produce.Envelope) error { panic("nil manifest") },
		p.builder.Abandon)
	assert.Equal(t, []ackRecord{{tag: 1}, {tag: 2}}, ack.records)

	assert.Equal(t, entity.AppStatusFailed, p.app(t, job).Status)
	logs := p.logs(t, job)
	assert.Equal(t, "Build failed: handler panicked: nil manifest", logs[len(logs)-1])
	assert.Len(t, logs, 2, "the second drop finds the app already failed")
}

func TestBuildAbandonLeavesRunningAppAlone(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	job := p.deploy(t, manifestBundle(t, nodeManifest))
	require.NoError(t, p.builder.Build(ctx, job))
	require.NoError(t, p.runner.Run(ctx, p.queue.runs[0]))

	p.builder.Abandon(ctx, produce.Envelope{Kind: produce.JobKindBuild, Build: &job}, errors.New("late failure"))

	assert.Equal(t, entity.AppStatusRunning, p.app(t, job).Status)
	logs := p.logs(t, job)
	assert.NotContains(t, logs[len(logs)-1], "Build failed")
}

func TestBuildableRuntimesNeedARecipe(t *testing.T) {
	assert.Equal(t, []string{"node"}, buildableRuntimes([]string{"node", "cobol"}))
	assert.Empty(t, buildableRuntimes(nil))
}
