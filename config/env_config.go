package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type EnvConfig struct {
	Postgres struct {
		HOST     string
		Database string
		Username string
		Password string
		Port     string
	}
	JWT struct {
		SecretKey string
		Algorithm string
		Expire    int
	}
	CORS struct {
		AllowDomains string
		GlobalDomain string
	}
	Redis struct {
		Password  string
		Database  int
		RedisHost string
		RedisPort string
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	Minio struct {
		Endpoint     string
		RootUser     string
		RootPassword string
		UseSSL       bool
		BundleBucket string
		BucketQuota  uint64 // bytes, 0 disables the hard quota
	}
	Deploy struct {
		MaxAppsPerUser    int
		MaxBundleSize     int64 // Default 50MB (52428800 bytes)
		SupportedRuntimes []string
	}
	Build struct {
		Timeout      time.Duration
		WorkDir      string
		EngineDriver string // "cli" shells out to EngineBinary, "api" talks to the daemon socket
		EngineBinary string
		Concurrency  int
	}
	Runtime struct {
		Concurrency int
		Memory      string
		CPUs        string
		PidsLimit   int
	}
	Routing struct {
		Entrypoint  string
		ServicePort int
		PathPrefix  string
	}
	Heartbeat struct {
		Interval time.Duration
		TTL      time.Duration
	}
	Worker struct {
		Role string // build, runtime or all
	}
	Grafana struct {
		OTLPEndpoint string
		ServiceName  string
	}

	Environment struct {
		Mode  string
		Group string
	}
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	// Postgres
	config.Postgres.HOST = os.Getenv("PGPOOL_HOST")
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")
	config.Postgres.Port = os.Getenv("PGPOOL_PORT")

	// JWT
	config.JWT.SecretKey = os.Getenv("JWT_SECRET_KEY")
	config.JWT.Algorithm = os.Getenv("JWT_ALGORITHM")

	if val := os.Getenv("JWT_EXPIRE"); val != "" {
		fmt.Sscanf(val, "%d", &config.JWT.Expire)
	} else {
		config.JWT.Expire = 3600 * 24 * 7
	}

	config.CORS.AllowDomains = os.Getenv("ALLOWED_DOMAINS")
	config.CORS.GlobalDomain = os.Getenv("GLOBAL_DOMAIN")

	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	config.Redis.RedisHost = os.Getenv("REDIS_HOST")
	if config.Redis.RedisHost == "" {
		config.Redis.RedisHost = "localhost"
	}
	config.Redis.RedisPort = os.Getenv("REDIS_PORT")
	if config.Redis.RedisPort == "" {
		config.Redis.RedisPort = "6379"
	}

	// RabbitMQ
	config.RabbitMQ.Host = os.Getenv("RABBITMQ_HOST")
	if config.RabbitMQ.Host == "" {
		config.RabbitMQ.Host = "localhost"
	}
	config.RabbitMQ.Port = os.Getenv("RABBITMQ_PORT")
	if config.RabbitMQ.Port == "" {
		config.RabbitMQ.Port = "5672"
	}
	config.RabbitMQ.Username = os.Getenv("RABBITMQ_USER")
	if config.RabbitMQ.Username == "" {
		config.RabbitMQ.Username = "guest"
	}
	config.RabbitMQ.Password = os.Getenv("RABBITMQ_PASSWORD")
	if config.RabbitMQ.Password == "" {
		config.RabbitMQ.Password = "guest"
	}

	// MinIO holds uploaded bundles between the API and the build worker
	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.RootUser = os.Getenv("MINIO_ROOT_USER")
	config.Minio.RootPassword = os.Getenv("MINIO_ROOT_PASSWORD")
	config.Minio.UseSSL = envBool("MINIO_USE_SSL", false)
	config.Minio.BundleBucket = os.Getenv("MINIO_BUNDLE_BUCKET")
	if config.Minio.BundleBucket == "" {
		config.Minio.BundleBucket = "app-bundles"
	}
	if val := os.Getenv("MINIO_BUNDLE_BUCKET_QUOTA"); val != "" {
		if quota, err := strconv.ParseUint(val, 10, 64); err == nil {
			config.Minio.BucketQuota = quota
		}
	}

	// Deploy gateway
	config.Deploy.MaxAppsPerUser = envInt("DEPLOY_MAX_APPS_PER_USER", 5)
	if sizeStr := os.Getenv("DEPLOY_MAX_BUNDLE_SIZE"); sizeStr != "" {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			config.Deploy.MaxBundleSize = size
		} else {
			config.Deploy.MaxBundleSize = 52428800 // Default 50MB
		}
	} else {
		config.Deploy.MaxBundleSize = 52428800 // Default 50MB
	}
	config.Deploy.SupportedRuntimes = splitList(os.Getenv("DEPLOY_SUPPORTED_RUNTIMES"))
	if len(config.Deploy.SupportedRuntimes) == 0 {
		config.Deploy.SupportedRuntimes = []string{"node"}
	}

	// Build worker
	config.Build.Timeout = envDuration("BUILD_TIMEOUT", 15*time.Minute)
	config.Build.WorkDir = os.Getenv("BUILD_WORK_DIR")
	if config.Build.WorkDir == "" {
		config.Build.WorkDir = os.TempDir() + "/gau-deploy-builds"
	}
	config.Build.EngineBinary = os.Getenv("CONTAINER_ENGINE_BINARY")
	if config.Build.EngineBinary == "" {
		config.Build.EngineBinary = "docker"
	}
	config.Build.EngineDriver = strings.ToLower(os.Getenv("CONTAINER_ENGINE_DRIVER"))
	if config.Build.EngineDriver == "" {
		config.Build.EngineDriver = "cli"
	}
	config.Build.Concurrency = envInt("BUILD_CONCURRENCY", 1)

	// Runtime worker sandbox
	config.Runtime.Concurrency = envInt("RUNTIME_CONCURRENCY", 2)
	config.Runtime.Memory = os.Getenv("SANDBOX_MEMORY")
	if config.Runtime.Memory == "" {
		config.Runtime.Memory = "512m"
	}
	config.Runtime.CPUs = os.Getenv("SANDBOX_CPUS")
	if config.Runtime.CPUs == "" {
		config.Runtime.CPUs = "0.5"
	}
	config.Runtime.PidsLimit = envInt("SANDBOX_PIDS_LIMIT", 50)

	// Reverse proxy routing
	config.Routing.Entrypoint = os.Getenv("ROUTING_ENTRYPOINT")
	if config.Routing.Entrypoint == "" {
		config.Routing.Entrypoint = "web"
	}
	config.Routing.ServicePort = envInt("ROUTING_SERVICE_PORT", 3000)
	config.Routing.PathPrefix = strings.TrimRight(os.Getenv("ROUTING_PATH_PREFIX"), "/")
	if config.Routing.PathPrefix == "" {
		config.Routing.PathPrefix = "/app"
	}

	config.Heartbeat.Interval = envDuration("HEARTBEAT_INTERVAL", 5*time.Second)
	config.Heartbeat.TTL = envDuration("HEARTBEAT_TTL", 10*time.Second)

	config.Worker.Role = strings.ToLower(os.Getenv("WORKER_ROLE"))
	if config.Worker.Role == "" {
		config.Worker.Role = "all"
	}

	// Grafana/OpenTelemetry, empty endpoint keeps telemetry local
	grafanaEndpoint := os.Getenv("GRAFANA_OTLP_ENDPOINT")
	// Remove protocol for OpenTelemetry client to avoid duplicate protocols
	if strings.HasPrefix(grafanaEndpoint, "https://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "https://")
	} else if strings.HasPrefix(grafanaEndpoint, "http://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "http://")
	} else {
		config.Grafana.OTLPEndpoint = grafanaEndpoint
	}
	config.Grafana.ServiceName = os.Getenv("SERVICE_NAME")
	if config.Grafana.ServiceName == "" {
		config.Grafana.ServiceName = "gau-deploy-orchestrator"
	}

	config.Environment.Mode = os.Getenv("DEPLOY_ENV")
	if config.Environment.Mode == "" {
		config.Environment.Mode = "development"
	}

	config.Environment.Group = os.Getenv("GROUP_NAME")
	if config.Environment.Group == "" {
		config.Environment.Group = "local"
	}

	return &config
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration accepts Go duration strings ("15m") or plain seconds ("900").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
