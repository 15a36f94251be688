package produce

import amqp "github.com/rabbitmq/amqp091-go"

type Produce struct {
	JobService *JobProduceService
}

func InitProduce(channel *amqp.Channel) *Produce {
	if err := DeclareTopology(channel); err != nil {
		panic("Failed to declare deploy topology: " + err.Error())
	}

	jobService := InitJobProduceService(channel)
	if jobService == nil {
		panic("Failed to initialize Job produce service")
	}

	return &Produce{
		JobService: jobService,
	}
}

// DeclareTopology declares the deploy exchange and its two durable queues.
// Safe to call from every process; declarations are idempotent.
func DeclareTopology(channel *amqp.Channel) error {
	err := channel.ExchangeDeclare(
		DeployExchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{BuildQueue, BuildRoutingKey},
		{RunQueue, RunRoutingKey},
	}

	for _, b := range bindings {
		_, err = channel.QueueDeclare(
			b.queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return err
		}

		err = channel.QueueBind(
			b.queue,
			b.routingKey,
			DeployExchange,
			false,
			nil,
		)
		if err != nil {
			return err
		}
	}

	return nil
}
