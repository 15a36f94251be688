package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
)

// built deploys and builds an app, returning its pending run job
func (p *pipeline) built(t *testing.T) produce.RunJob {
	t.Helper()
	job := p.deploy(t, manifestBundle(t, nodeManifest))
	require.NoError(t, p.builder.Build(context.Background(), job))
	require.NotEmpty(t, p.queue.runs)
	return p.queue.runs[len(p.queue.runs)-1]
}

func TestRunAppliesSandboxAndRouting(t *testing.T) {
	p := newPipeline(t)
	run := p.built(t)

	require.NoError(t, p.runner.Run(context.Background(), run))

	last := p.engine.LastRun
	assert.Equal(t, run.ImageRef, last.Image)
	assert.Equal(t, engine.DefaultSandbox("512m", "0.5", 50), last.Sandbox)
	assert.True(t, last.Sandbox.ReadOnlyRootFS)

	router := "app_" + run.AppID.String()
	assert.Equal(t, "true", last.Labels["traefik.enable"])
	assert.Equal(t, "PathPrefix(`/app/"+run.AppID.String()+"`)", last.Labels["traefik.http.routers."+router+".rule"])
	assert.Equal(t, "3000", last.Labels["traefik.http.services."+router+".loadbalancer.server.port"])
}

func TestRunDuplicateJobIsNoop(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)

	require.NoError(t, p.runner.Run(ctx, run))
	require.NoError(t, p.runner.Run(ctx, run))

	assert.Equal(t, 1, p.engine.Count("run"))
	assert.Equal(t, 1, p.engine.RunningContainers())
}

func TestRunAdoptsRunningContainer(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)

	name := engine.ContainerName(run.UserID.String(), run.AppID.String())
	p.engine.Containers[name] = &engine.ContainerState{Exists: true, Running: true}

	require.NoError(t, p.runner.Run(ctx, run))

	assert.Zero(t, p.engine.Count("run"))
	app, err := p.repo.AppRepo.FindByID(ctx, run.AppID)
	require.NoError(t, err)
	assert.Equal(t, entity.AppStatusRunning, app.Status)
	assert.Equal(t, name, app.ContainerRef)
}

func TestRunStartsStoppedContainerInPlace(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)

	name := engine.ContainerName(run.UserID.String(), run.AppID.String())
	p.engine.Containers[name] = &engine.ContainerState{Exists: true}

	require.NoError(t, p.runner.Run(ctx, run))

	assert.Equal(t, 1, p.engine.Count("start"))
	assert.Zero(t, p.engine.Count("run"))
	assert.Zero(t, p.engine.Count("rm"))
	assert.Equal(t, 1, p.engine.RunningContainers())
	assert.Equal(t, entity.AppStatusRunning, p.app(t, produce.BuildJob{AppID: run.AppID}).Status)
}

// runConcurrently holds both deliveries at their first inspect so they race
// for the container name
func (p *pipeline) runConcurrently(t *testing.T, a, b produce.RunJob) {
	t.Helper()

	var arrivals atomic.Int32
	var barrier sync.WaitGroup
	barrier.Add(2)
	p.engine.InspectHook = func(string) {
		if arrivals.Add(1) <= 2 {
			barrier.Done()
			barrier.Wait()
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, job := range []produce.RunJob{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.runner.Run(context.Background(), job)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func (p *pipeline) assertSingleRunningContainer(t *testing.T, run produce.RunJob) {
	t.Helper()

	app := p.app(t, produce.BuildJob{AppID: run.AppID})
	assert.Equal(t, entity.AppStatusRunning, app.Status)
	assert.Equal(t, engine.ContainerName(run.UserID.String(), run.AppID.String()), app.ContainerRef)
	assert.Equal(t, 1, p.engine.RunningContainers())
	assert.Zero(t, p.engine.Count("rm"), "a duplicate never removes the shared container")

	started := 0
	for _, l := range p.logs(t, produce.BuildJob{AppID: run.AppID}) {
		if strings.HasPrefix(l, "Container started at ") {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestRunConcurrentDuplicatesShareContainer(t *testing.T) {
	p := newPipeline(t)
	run := p.built(t)

	p.runConcurrently(t, run, run)

	assert.Equal(t, 2, p.engine.Count("run"), "both deliveries tried to create the container")
	p.assertSingleRunningContainer(t, run)
}

func TestRunNameHeldByUnstartedContainerIsRetried(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)
	p.engine.RunErr = fmt.Errorf("run: %w", engine.ErrNameConflict)

	err := p.runner.Run(ctx, run)
	require.ErrorIs(t, err, engine.ErrNameConflict)

	assert.Equal(t, entity.AppStatusBuilding, p.app(t, produce.BuildJob{AppID: run.AppID}).Status)
	assert.Zero(t, p.engine.Count("rm"))
}

func TestRebuildBeforeRunYieldsOneContainer(t *testing.T) {
	ctx := context.Background()

	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			p := newPipeline(t)
			job := p.deploy(t, manifestBundle(t, nodeManifest))
			require.NoError(t, p.builder.Build(ctx, job))
			require.NoError(t, p.builder.Build(ctx, job))
			require.Len(t, p.queue.runs, 2)
			first, second := p.queue.runs[0], p.queue.runs[1]
			assert.Equal(t, first.ImageRef, second.ImageRef)

			if concurrent {
				p.runConcurrently(t, first, second)
			} else {
				require.NoError(t, p.runner.Run(ctx, first))
				require.NoError(t, p.runner.Run(ctx, second))
				assert.Equal(t, 1, p.engine.Count("run"))
			}
			p.assertSingleRunningContainer(t, first)
		})
	}
}

func TestRunAbandonedAfterRedeliveryMarksFailed(t *testing.T) {
	p := newPipeline(t)
	run := p.built(t)
	p.engine.InspectErr = errors.New("Cannot connect to the Docker daemon")

	ack := p.consume(t, produce.RunQueue, produce.Envelope{Kind: produce.JobKindRun, Run: &run},
		p.runner.Handle, p.runner.Abandon)
	assert.Equal(t, []ackRecord{{tag: 1, requeue: true}, {tag: 2}}, ack.records)

	app := p.app(t, produce.BuildJob{AppID: run.AppID})
	assert.Equal(t, entity.AppStatusFailed, app.Status)
	assert.Empty(t, app.ContainerRef)

	logs := p.logs(t, produce.BuildJob{AppID: run.AppID})
	assert.Equal(t, "Container failed to start: failed to inspect container "+
		engine.ContainerName(run.UserID.String(), run.AppID.String())+
		": Cannot connect to the Docker daemon", logs[len(logs)-1])
}

func TestRunAbandonLeavesRunningAppAlone(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)
	require.NoError(t, p.runner.Run(ctx, run))

	p.runner.Abandon(ctx, produce.Envelope{Kind: produce.JobKindRun, Run: &run}, errors.New("late failure"))

	p.assertSingleRunningContainer(t, run)
}

func TestRunFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)
	p.engine.RunErr = errors.New("image not found")

	require.NoError(t, p.runner.Run(ctx, run))

	app, err := p.repo.AppRepo.FindByID(ctx, run.AppID)
	require.NoError(t, err)
	assert.Equal(t, entity.AppStatusFailed, app.Status)
	assert.Empty(t, app.ContainerRef)
	assert.Equal(t, 1, p.engine.Count("rm"))

	logs, err := p.repo.BuildLogRepo.FindByAppID(ctx, run.AppID)
	require.NoError(t, err)
	assert.Equal(t, "Container failed to start: image not found", logs[len(logs)-1].Message)
}

func TestRunDeletedAppIsDiscarded(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)

	_, err := p.repo.AppRepo.MarkDeleted(ctx, run.AppID)
	require.NoError(t, err)
	require.NoError(t, p.runner.Run(ctx, run))

	require.NoError(t, p.repo.AppRepo.Delete(ctx, run.AppID))
	require.NoError(t, p.runner.Run(ctx, run))

	assert.Zero(t, p.engine.Count("inspect"))
	assert.Zero(t, p.engine.Count("run"))
}

func TestRunStoppedAppIsNotRestarted(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	run := p.built(t)
	require.NoError(t, p.runner.Run(ctx, run))

	_, err := p.repo.AppRepo.MarkStopped(ctx, run.AppID)
	require.NoError(t, err)
	require.NoError(t, p.runner.Run(ctx, run))

	app, err := p.repo.AppRepo.FindByID(ctx, run.AppID)
	require.NoError(t, err)
	assert.Equal(t, entity.AppStatusStopped, app.Status)
	assert.Equal(t, 1, p.engine.Count("run"))
}
