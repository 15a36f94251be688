package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/entity"
	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
	"github.com/tnqbao/gau-deploy-orchestrator/repository/testutil"
	"github.com/tnqbao/gau-deploy-orchestrator/service"
)

// memoryBundles stands in for the object store on both sides of the queue
type memoryBundles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBundles() *memoryBundles {
	return &memoryBundles{objects: map[string][]byte{}}
}

func (m *memoryBundles) PutBundle(_ context.Context, key string, data io.Reader, _ int64) error {
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

func (m *memoryBundles) FetchBundle(_ context.Context, key, dest string) error {
	m.mu.Lock()
	b, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return errors.New("object not found: " + key)
	}
	return os.WriteFile(dest, b, 0o644)
}

// jobQueue records published jobs in order
type jobQueue struct {
	mu     sync.Mutex
	builds []produce.BuildJob
	runs   []produce.RunJob
	runErr error
}

func (q *jobQueue) PublishBuildJob(_ context.Context, job produce.BuildJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.builds = append(q.builds, job)
	return nil
}

func (q *jobQueue) PublishRunJob(_ context.Context, job produce.RunJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runErr != nil {
		return q.runErr
	}
	q.runs = append(q.runs, job)
	return nil
}

type pipeline struct {
	cfg     *config.EnvConfig
	db      *gorm.DB
	repo    *repository.Repository
	bundles *memoryBundles
	queue   *jobQueue
	engine  *engine.Fake
	gateway *service.Gateway
	builder *BuildWorker
	runner  *RuntimeWorker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	cfg := &config.EnvConfig{}
	cfg.Deploy.MaxAppsPerUser = 5
	cfg.Deploy.MaxBundleSize = 1 << 20
	cfg.Deploy.SupportedRuntimes = []string{"node", "python"}
	cfg.Build.WorkDir = t.TempDir()
	cfg.Build.Timeout = time.Minute
	cfg.Runtime.Memory = "512m"
	cfg.Runtime.CPUs = "0.5"
	cfg.Runtime.PidsLimit = 50
	cfg.Routing.Entrypoint = "web"
	cfg.Routing.ServicePort = 3000
	cfg.Routing.PathPrefix = "/app"

	db := testutil.DB(t)
	p := &pipeline{
		cfg:     cfg,
		db:      db,
		repo:    repository.InitRepository(db),
		bundles: newMemoryBundles(),
		queue:   &jobQueue{},
		engine:  engine.NewFake(),
	}
	logger := infra.NewNopLogger()
	telemetry := infra.NewNopTelemetry()
	p.gateway = service.NewGateway(cfg, p.repo, p.bundles, p.queue, logger, telemetry)
	p.builder = NewBuildWorker(cfg, p.repo, p.bundles, p.engine, p.queue, logger, telemetry)
	p.runner = NewRuntimeWorker(cfg, p.repo, p.engine, logger, telemetry)
	return p
}

func zipOf(t *testing.T, files map[string]string) []byte {
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
	return buf.Bytes()
}

func manifestBundle(t *testing.T, manifest string) []byte {
	return zipOf(t, map[string]string{
		"app.yaml":     manifest,
		"index.js":     "console.log('ok')\n",
		"package.json": "{}",
	})
}

// deploy pushes a bundle through the gateway and returns the queued build job
func (p *pipeline) deploy(t *testing.T, data []byte) produce.BuildJob {
	t.Helper()

	_, err := p.gateway.Deploy(context.Background(), service.DeployRequest{
		UserID:   uuid.New(),
		FileName: "app.zip",
		Bundle:   bytes.NewReader(data),
		Size:     int64(len(data)),
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.queue.builds)
	return p.queue.builds[len(p.queue.builds)-1]
}

func (p *pipeline) app(t *testing.T, job produce.BuildJob) *entity.App {
	t.Helper()
	app, err := p.repo.AppRepo.FindByID(context.Background(), job.AppID)
	require.NoError(t, err)
	return app
}

func (p *pipeline) logs(t *testing.T, job produce.BuildJob) []string {
	t.Helper()
	logs, err := p.repo.BuildLogRepo.FindByAppID(context.Background(), job.AppID)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

// consume delivers env to a consumer on queue twice, the second time flagged
// as a redelivery, the way the broker does after one requeue
func (p *pipeline) consume(t *testing.T, queue string, env produce.Envelope, handle JobHandler, abandon AbandonHandler) *recordingAcknowledger {
	t.Helper()

	body, err := json.Marshal(env)
	require.NoError(t, err)

	ack := &recordingAcknowledger{}
	src := &fakeSource{msgs: make(chan amqp.Delivery, 2)}
	src.msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
	src.msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body, Redelivered: true}
	close(src.msgs)

	c := NewConsumer("Test Consumer", queue, env.Kind, src, handle, abandon, 1, infra.NewNopLogger())
	_ = c.Run(context.Background())
	return ack
}
