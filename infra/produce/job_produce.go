package produce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeployExchange = "deploy.exchange"

	BuildQueue      = "deploy.build"
	BuildRoutingKey = "build"

	RunQueue      = "deploy.run"
	RunRoutingKey = "run"
)

type JobKind string

const (
	JobKindBuild JobKind = "build"
	JobKindRun   JobKind = "run"
)

// BuildJob asks the build worker to turn a stored bundle into an image
type BuildJob struct {
	AppID      uuid.UUID `json:"app_id"`
	UserID     uuid.UUID `json:"user_id"`
	BundlePath string    `json:"bundle_path"`
}

// RunJob asks the runtime worker to start a built image
type RunJob struct {
	AppID    uuid.UUID `json:"app_id"`
	UserID   uuid.UUID `json:"user_id"`
	ImageRef string    `json:"image_ref"`
}

// Envelope is the tagged wire format shared by both queues. Exactly one of
// Build or Run is set, matching Kind.
type Envelope struct {
	Kind      JobKind   `json:"kind"`
	Build     *BuildJob `json:"build,omitempty"`
	Run       *RunJob   `json:"run,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

var ErrMalformedEnvelope = errors.New("malformed job envelope")

func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch env.Kind {
	case JobKindBuild:
		if env.Build == nil || env.Run != nil {
			return Envelope{}, fmt.Errorf("%w: build envelope without build payload", ErrMalformedEnvelope)
		}
		if env.Build.AppID == uuid.Nil || env.Build.BundlePath == "" {
			return Envelope{}, fmt.Errorf("%w: build job missing app id or bundle path", ErrMalformedEnvelope)
		}
	case JobKindRun:
		if env.Run == nil || env.Build != nil {
			return Envelope{}, fmt.Errorf("%w: run envelope without run payload", ErrMalformedEnvelope)
		}
		if env.Run.AppID == uuid.Nil || env.Run.ImageRef == "" {
			return Envelope{}, fmt.Errorf("%w: run job missing app id or image ref", ErrMalformedEnvelope)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, env.Kind)
	}

	return env, nil
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type JobProduceService struct {
	channel publisher
}

func InitJobProduceService(channel *amqp.Channel) *JobProduceService {
	return &JobProduceService{
		channel: channel,
	}
}

func (s *JobProduceService) PublishBuildJob(ctx context.Context, job BuildJob) error {
	return s.publish(ctx, BuildRoutingKey, Envelope{
		Kind:      JobKindBuild,
		Build:     &job,
		Timestamp: time.Now().Unix(),
	})
}

func (s *JobProduceService) PublishRunJob(ctx context.Context, job RunJob) error {
	return s.publish(ctx, RunRoutingKey, Envelope{
		Kind:      JobKindRun,
		Run:       &job,
		Timestamp: time.Now().Unix(),
	})
}

func (s *JobProduceService) publish(ctx context.Context, routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s job: %w", env.Kind, err)
	}

	return s.channel.PublishWithContext(
		ctx,
		DeployExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}
