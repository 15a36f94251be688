package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/consumer/worker"
	infraPkg "github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
	"github.com/tnqbao/gau-deploy-orchestrator/repository"
)

func main() {
	err := godotenv.Load("../staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	env := cfg.EnvConfig
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra.Postgres.DB)

	// Cancelled on SIGINT/SIGTERM; consumers finish the job in hand first
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runBuild := env.Worker.Role == "build" || env.Worker.Role == "all"
	runRuntime := env.Worker.Role == "runtime" || env.Worker.Role == "all"
	if !runBuild && !runRuntime {
		log.Fatalf("Unknown WORKER_ROLE %q, expected build, runtime or all", env.Worker.Role)
	}

	g, gctx := errgroup.WithContext(ctx)

	if runBuild {
		channel, err := infra.RabbitMQ.NewChannel()
		if err != nil {
			log.Fatalf("Failed to open build consumer channel: %v", err)
		}
		builder := worker.NewBuildWorker(env, repo, infra.Minio, infra.Engine, infra.Produce.JobService, infra.Logger, infra.Telemetry)
		consumer := worker.NewConsumer("Build Consumer", produce.BuildQueue, produce.JobKindBuild, channel, builder.Handle, builder.Abandon, env.Build.Concurrency, infra.Logger)
		beacon := infraPkg.NewHeartbeat(infra.Redis, infraPkg.BuildWorkerBeacon, env.Heartbeat.Interval, env.Heartbeat.TTL, infra.Logger)

		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error {
			beacon.Run(gctx)
			return nil
		})
	}

	if runRuntime {
		channel, err := infra.RabbitMQ.NewChannel()
		if err != nil {
			log.Fatalf("Failed to open runtime consumer channel: %v", err)
		}
		runner := worker.NewRuntimeWorker(env, repo, infra.Engine, infra.Logger, infra.Telemetry)
		consumer := worker.NewConsumer("Runtime Consumer", produce.RunQueue, produce.JobKindRun, channel, runner.Handle, runner.Abandon, env.Runtime.Concurrency, infra.Logger)
		beacon := infraPkg.NewHeartbeat(infra.Redis, infraPkg.RuntimeWorkerBeacon, env.Heartbeat.Interval, env.Heartbeat.TTL, infra.Logger)

		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error {
			beacon.Run(gctx)
			return nil
		})
	}

	infra.Logger.InfoWithContextf(ctx, "Consumer started with role %s", env.Worker.Role)

	waitErr := g.Wait()
	if waitErr != nil {
		infra.Logger.ErrorWithContextf(ctx, waitErr, "Consumer stopped: %v", waitErr)
	}

	infra.Logger.InfoWithContextf(context.Background(), "Shutting down consumer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	infra.Close(shutdownCtx)

	if waitErr != nil {
		log.Fatalf("Consumer exited with error: %v", waitErr)
	}
	log.Println("Consumer exited properly")
}
