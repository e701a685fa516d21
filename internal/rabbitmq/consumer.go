package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
)

// Handler обрабатывает тело сообщения. Ошибка возвращает сообщение в очередь
// один раз; повторно доставленное сообщение при ошибке отбрасывается.
type Handler func(ctx context.Context, body []byte) error

// ConsumerMessage создает потребителя сообщений из очереди RabbitMQ.
// Одновременно обрабатывается не больше workers сообщений.
func ConsumerMessage(ctx context.Context, ch *amqp.Channel, queueName string, workers int,
	handler Handler, log *slog.Logger) error {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("queue", queueName))
	sem := make(chan struct{}, max(workers, 1))
	go func() {
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					log.Info("delivery channel closed")
					return
				}
				sem <- struct{}{}
				go func(d amqp.Delivery) {
					defer func() { <-sem }()
					Process(ctx, d.Acknowledger, d.DeliveryTag, d.Redelivered, d.Body, handler, log)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Process вызывает handler и подтверждает сообщение по результату.
func Process(ctx context.Context, ack amqp.Acknowledger, tag uint64, redelivered bool, body []byte,
	handler Handler, log *slog.Logger) {
	if err := handler(ctx, body); err != nil {
		log.Warn("failed to handle message", slog.Bool("redelivered", redelivered), sl.Err(err))
		if nackErr := ack.Nack(tag, false, !redelivered); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := ack.Ack(tag, false); ackErr != nil {
		log.Error("failed to ack message", sl.Err(ackErr))
	}
}
