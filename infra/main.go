package infra

import (
	"context"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/engine"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
)

type Infra struct {
	Redis     *RedisClient
	Postgres  *PostgresClient
	Logger    *LoggerClient
	Telemetry *Telemetry
	RabbitMQ  *RabbitMQClient
	Produce   *produce.Produce
	Minio     *MinioClient
	Engine    engine.Engine
}

func InitInfra(cfg *config.Config) *Infra {
	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetry := InitTelemetry(cfg.EnvConfig)
	if telemetry == nil {
		panic("Failed to initialize Telemetry service")
	}

	redis := InitRedisClient(cfg.EnvConfig)
	if redis == nil {
		panic("Failed to initialize Redis service")
	}

	postgres := InitPostgresClient(cfg.EnvConfig)
	if postgres == nil {
		panic("Failed to initialize Postgres service")
	}

	rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
	if rabbitMQ == nil {
		panic("Failed to initialize RabbitMQ service")
	}

	produceService := produce.InitProduce(rabbitMQ.Channel)
	if produceService == nil {
		panic("Failed to initialize Produce service")
	}

	minio := InitMinioClient(cfg.EnvConfig)
	if minio == nil {
		panic("Failed to initialize MinIO service")
	}

	containerEngine := initEngine(cfg.EnvConfig, logger)
	if containerEngine == nil {
		panic("Failed to initialize container engine")
	}

	return &Infra{
		Redis:     redis,
		Postgres:  postgres,
		Logger:    logger,
		Telemetry: telemetry,
		RabbitMQ:  rabbitMQ,
		Produce:   produceService,
		Minio:     minio,
		Engine:    containerEngine,
	}
}

func initEngine(cfg *config.EnvConfig, logger *LoggerClient) engine.Engine {
	if cfg.Build.EngineDriver != "api" {
		return engine.NewDocker(cfg.Build.EngineBinary, logger)
	}
	cli, err := engine.NewClient(logger)
	if err != nil {
		logger.ErrorWithContextf(context.Background(), err, "[Infra] Failed to create engine API client: %v", err)
		return nil
	}
	return cli
}

func (i *Infra) Close(ctx context.Context) {
	i.RabbitMQ.Close()
	if err := i.Redis.Close(); err != nil {
		i.Logger.WarningWithContextf(ctx, "[Infra] Failed to close Redis: %v", err)
	}
	if err := i.Postgres.Close(); err != nil {
		i.Logger.WarningWithContextf(ctx, "[Infra] Failed to close Postgres: %v", err)
	}
	if err := i.Telemetry.Shutdown(ctx); err != nil {
		i.Logger.WarningWithContextf(ctx, "[Infra] Failed to flush telemetry: %v", err)
	}
	if cli, ok := i.Engine.(*engine.Client); ok {
		_ = cli.Close()
	}
	_ = i.Logger.Shutdown(ctx)
}
