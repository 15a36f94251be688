package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
)

func deployRequest(userID uuid.UUID, name string, r *bytes.Reader) DeployRequest {
	return DeployRequest{UserID: userID, FileName: name, Bundle: r, Size: r.Size()}
}

func TestDeployQueuesApp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	userID := uuid.New()

	result, err := f.gateway.Deploy(ctx, deployRequest(userID, "shop.zip", nodeBundle(t)))
	require.NoError(t, err)
	assert.Equal(t, entity.AppStatusQueued, result.Status)

	app, err := f.repo.AppRepo.FindByID(ctx, result.AppID)
	require.NoError(t, err)
	assert.Equal(t, userID, app.UserID)
	assert.Equal(t, "shop", app.Name)
	assert.Equal(t, BundleKey(userID, result.AppID), app.BundlePath)
	assert.Empty(t, app.ContainerRef)

	require.Len(t, f.publisher.jobs, 1)
	assert.Equal(t, result.AppID, f.publisher.jobs[0].AppID)
	assert.Equal(t, app.BundlePath, f.publisher.jobs[0].BundlePath)
	assert.Equal(t, 1, f.bundles.len())

	logs, err := f.repo.BuildLogRepo.FindByAppID(ctx, result.AppID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Deployment queued", logs[0].Message)
}

func TestDeployRejectsForbiddenFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	bad := zipOf(t, map[string]string{"index.js": "x", "config/.env": "SECRET=1"})
	_, err := f.gateway.Deploy(ctx, deployRequest(uuid.New(), "app.zip", bad))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.Contains(t, PublicMessage(err), ".env")

	views, err := f.repo.AppRepo.ListStatuses(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, f.publisher.jobs)
	assert.Zero(t, f.bundles.len())
}

func TestDeployRejectsNonZip(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.gateway.Deploy(context.Background(), deployRequest(uuid.New(), "app.tar", nodeBundle(t)))
	assert.Equal(t, KindValidation, KindOf(err))

	garbage := zipOf(t, nil)
	_, err = f.gateway.Deploy(context.Background(), deployRequest(uuid.New(), "empty.zip", garbage))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Empty(t, f.publisher.jobs)
}

func TestDeployEnforcesQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := f.gateway.Deploy(ctx, deployRequest(userID, "app.zip", nodeBundle(t)))
		require.NoError(t, err)
	}

	_, err := f.gateway.Deploy(ctx, deployRequest(userID, "app.zip", nodeBundle(t)))
	require.Error(t, err)
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err))
	assert.True(t, errors.Is(err, repository.ErrQuotaExceeded))

	count, err := f.repo.AppRepo.CountActiveByUserID(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	assert.Len(t, f.publisher.jobs, 2)
	assert.Equal(t, 2, f.bundles.len())

	_, err = f.gateway.Deploy(ctx, deployRequest(uuid.New(), "app.zip", nodeBundle(t)))
	assert.NoError(t, err, "quota is per user")
}

func TestDeployRollsBackWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.publisher.err = errBroker
	userID := uuid.New()

	_, err := f.gateway.Deploy(ctx, deployRequest(userID, "app.zip", nodeBundle(t)))
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "failed to enqueue build", PublicMessage(err))

	count, err := f.repo.AppRepo.CountActiveByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.bundles.len())
}

func TestDeployStoreFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.bundles.putErr = errors.New("bucket quota reached")
	userID := uuid.New()

	_, err := f.gateway.Deploy(context.Background(), deployRequest(userID, "app.zip", nodeBundle(t)))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Empty(t, f.publisher.jobs)

	count, err := f.repo.AppRepo.CountActiveByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAppName(t *testing.T) {
	id := uuid.MustParse("0b7e3f8a-1111-2222-3333-444455556666")
	assert.Equal(t, "shop", appName("shop.zip", id))
	assert.Equal(t, "shop", appName("/tmp/uploads/shop.zip", id))
	assert.Equal(t, "app-0b7e3f8a", appName("", id))
}
