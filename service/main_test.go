package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
	"github.com/tnqbao/gau-deploy-orchestrator/repository/testutil"
	"gorm.io/gorm"
)

type memoryBundles struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemoryBundles() *memoryBundles {
	return &memoryBundles{objects: map[string][]byte{}}
}

func (m *memoryBundles) PutBundle(_ context.Context, key string, data io.Reader, _ int64) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memoryBundles) RemoveBundle(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryBundles) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type recordingPublisher struct {
	jobs []produce.BuildJob
	err  error
}

func (p *recordingPublisher) PublishBuildJob(_ context.Context, job produce.BuildJob) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type fixture struct {
	db        *gorm.DB
	repo      *repository.Repository
	bundles   *memoryBundles
	publisher *recordingPublisher
	engine    *engine.Fake
	gateway   *Gateway
	lifecycle *Lifecycle
}

func newFixture(t *testing.T, maxApps int) *fixture {
	t.Helper()

	cfg := &config.EnvConfig{}
	cfg.Deploy.MaxAppsPerUser = maxApps
	cfg.Deploy.MaxBundleSize = 1 << 20

	db := testutil.DB(t)
	f := &fixture{
		db:        db,
		repo:      repository.InitRepository(db),
		bundles:   newMemoryBundles(),
		publisher: &recordingPublisher{},
		engine:    engine.NewFake(),
	}
	logger := infra.NewNopLogger()
	f.gateway = NewGateway(cfg, f.repo, f.bundles, f.publisher, logger, infra.NewNopTelemetry())
	f.lifecycle = NewLifecycle(f.repo, f.engine, f.bundles, logger)
	return f
}

func zipOf(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return bytes.NewReader(buf.Bytes())
}

func nodeBundle(t *testing.T) *bytes.Reader {
	return zipOf(t, map[string]string{
		"app.yaml":     "runtime: node\nversion: \"20\"\n",
		"index.js":     "require('http').createServer((q, s) => s.end('ok')).listen(3000)\n",
		"package.json": "{}",
	})
}

var errBroker = errors.New("broker unavailable")
