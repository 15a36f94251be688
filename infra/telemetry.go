package infra

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
)

const instrumentationName = "github.com/tnqbao/gau-deploy-orchestrator"

// Metrics are the pipeline instruments shared by the gateway and the workers
type Metrics struct {
	DeployRequests metric.Int64Counter
	BuildJobs      metric.Int64Counter
	BuildDuration  metric.Float64Histogram
	RunJobs        metric.Int64Counter
}

type Telemetry struct {
	Tracer    trace.Tracer
	Meter     metric.Meter
	Metrics   *Metrics
	shutdowns []func(context.Context) error
}

func InitTelemetry(cfg *config.EnvConfig) *Telemetry {
	t := &Telemetry{}

	if cfg.Grafana.OTLPEndpoint != "" {
		ctx := context.Background()
		res := newResource(cfg)

		traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Grafana.OTLPEndpoint))
		if err != nil {
			log.Printf("Failed to create OTLP trace exporter: %v", err)
		} else {
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(traceExporter),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			t.shutdowns = append(t.shutdowns, tp.Shutdown)
		}

		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Grafana.OTLPEndpoint))
		if err != nil {
			log.Printf("Failed to create OTLP metric exporter: %v", err)
		} else {
			mp := sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
				sdkmetric.WithResource(res),
			)
			otel.SetMeterProvider(mp)
			t.shutdowns = append(t.shutdowns, mp.Shutdown)

			if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
				log.Printf("Failed to start runtime instrumentation: %v", err)
			}
		}
	}

	t.Tracer = otel.Tracer(instrumentationName)
	t.Meter = otel.Meter(instrumentationName)

	metrics, err := NewMetrics(t.Meter)
	if err != nil {
		panic("Failed to create metric instruments: " + err.Error())
	}
	t.Metrics = metrics

	return t
}

// NewNopTelemetry records nothing. Used by tests.
func NewNopTelemetry() *Telemetry {
	meter := metricnoop.NewMeterProvider().Meter(instrumentationName)
	metrics, _ := NewMetrics(meter)
	return &Telemetry{
		Tracer:  tracenoop.NewTracerProvider().Tracer(instrumentationName),
		Meter:   meter,
		Metrics: metrics,
	}
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	deployRequests, err := meter.Int64Counter("deploy.requests",
		metric.WithDescription("Deploy requests by outcome"))
	if err != nil {
		return nil, err
	}

	buildJobs, err := meter.Int64Counter("build.jobs",
		metric.WithDescription("Build jobs handled by outcome"))
	if err != nil {
		return nil, err
	}

	buildDuration, err := meter.Float64Histogram("build.duration",
		metric.WithDescription("Image build wall-clock time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	runJobs, err := meter.Int64Counter("run.jobs",
		metric.WithDescription("Run jobs handled by outcome"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		DeployRequests: deployRequests,
		BuildJobs:      buildJobs,
		BuildDuration:  buildDuration,
		RunJobs:        runJobs,
	}, nil
}

// Outcome is a shorthand for the single attribute every pipeline counter carries
func Outcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newResource(cfg *config.EnvConfig) *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", cfg.Grafana.ServiceName),
		attribute.String("deployment.environment", cfg.Environment.Mode),
		attribute.String("service.namespace", cfg.Environment.Group),
	)
}
