package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tnqbao/gau-deploy-orchestrator/infra"
	"github.com/tnqbao/gau-deploy-orchestrator/infra/produce"
)

var errHandlerPanic = errors.New("handler panicked")

// DeliverySource is the part of *amqp.Channel a consumer needs
type DeliverySource interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// JobHandler processes one decoded envelope. Outcomes the handler can record
// on the app (failed builds, failed starts) are not errors; an error means the
// job could not be processed at all and is worth one redelivery.
type JobHandler func(ctx context.Context, env produce.Envelope) error

// AbandonHandler runs when a job is dropped after its handler failed for good,
// so the app it concerns can be recorded as failed
type AbandonHandler func(ctx context.Context, env produce.Envelope, cause error)

// Consumer drains one queue with a fixed number of goroutines
type Consumer struct {
	name        string
	queue       string
	kind        produce.JobKind
	channel     DeliverySource
	handle      JobHandler
	abandon     AbandonHandler
	concurrency int
	logger      *infra.LoggerClient
}

func NewConsumer(name, queue string, kind produce.JobKind, channel DeliverySource, handle JobHandler, abandon AbandonHandler, concurrency int, logger *infra.LoggerClient) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		name:        name,
		queue:       queue,
		kind:        kind,
		channel:     channel,
		handle:      handle,
		abandon:     abandon,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run consumes until ctx is cancelled or the broker closes the delivery
// channel. Jobs already picked up are finished before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set qos on %s: %w", c.queue, err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", c.queue, err)
	}

	c.logger.InfoWithContextf(ctx, "[%s] Started listening on queue: %s (concurrency %d)", c.name, c.queue, c.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					// a job that has started is not interrupted by shutdown
					c.process(context.WithoutCancel(ctx), msg)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		c.logger.InfoWithContextf(ctx, "[%s] Shutting down...", c.name)
		return nil
	}
	c.logger.WarningWithContextf(ctx, "[%s] Channel closed", c.name)
	return fmt.Errorf("delivery channel for %s closed", c.queue)
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	env, err := produce.DecodeEnvelope(msg.Body)
	if err != nil {
		c.logger.ErrorWithContextf(ctx, err, "[%s] Dropping malformed message: %v", c.name, err)
		_ = msg.Nack(false, false)
		return
	}
	if env.Kind != c.kind {
		c.logger.WarningWithContextf(ctx, "[%s] Dropping %s job delivered to %s", c.name, env.Kind, c.queue)
		_ = msg.Nack(false, false)
		return
	}

	if err := c.safeHandle(ctx, env); err != nil {
		if errors.Is(err, errHandlerPanic) || msg.Redelivered {
			c.logger.ErrorWithContextf(ctx, err, "[%s] Dropping job: %v", c.name, err)
			c.safeAbandon(ctx, env, err)
			_ = msg.Nack(false, false)
			return
		}
		c.logger.ErrorWithContextf(ctx, err, "[%s] Job failed, requeueing: %v", c.name, err)
		_ = msg.Nack(false, true)
		return
	}

	_ = msg.Ack(false)
}

func (c *Consumer) safeHandle(ctx context.Context, env produce.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorWithContextf(ctx, errHandlerPanic, "[%s] Handler panicked: %v\n%s", c.name, r, debug.Stack())
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return c.handle(ctx, env)
}

func (c *Consumer) safeAbandon(ctx context.Context, env produce.Envelope, cause error) {
	if c.abandon == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorWithContextf(ctx, errHandlerPanic, "[%s] Abandon hook panicked: %v", c.name, r)
		}
	}()
	c.abandon(ctx, env, cause)
}
