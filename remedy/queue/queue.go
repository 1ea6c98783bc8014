// Package queue is a thin RabbitMQ layer: scanners publish findings onto a
// queue the pipeline consumes, and the pipeline publishes lifecycle events
// for downstream consumers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"
)

// MessageProcessor handles one consumed message body.
type MessageProcessor func(msg string)

// Listen consumes qName with automatic reconnection. Connection failures are
// retried with exponential backoff (1s to a 30s cap) and a dropped broker
// connection is re-established with the backoff reset. The listener stops
// cleanly when ctx is cancelled.
func Listen(ctx context.Context, url, qName string, messageProcessor MessageProcessor) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			slog.Info("Listener shutting down (context cancelled)", "queue", qName)
			return
		}

		err := listenOnce(ctx, url, qName, messageProcessor)
		if ctx.Err() != nil {
			slog.Info("Listener stopped", "queue", qName)
			return
		}

		if err != nil {
			slog.Warn("Listener error, retrying", "queue", qName, "error", err, "backoff", backoff)
		} else {
			// Channel closed without error (e.g. broker restart) — reset backoff
			slog.Info("Listener disconnected, reconnecting", "queue", qName)
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// listenOnce connects to the broker, consumes from the given queue, and
// processes messages until the connection drops or ctx is cancelled. Returns
// an error on connection/channel failures; returns nil if the message
// channel closes cleanly.
func listenOnce(ctx context.Context, url, qName string, messageProcessor MessageProcessor) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		qName, // name
		false, // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue '%s': %w", qName, err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("register consumer on '%s': %w", qName, err)
	}

	slog.Info("Connected to queue", "queue", qName)

	connCloseCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-connCloseCh:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %s", amqpErr.Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil // delivery channel closed
			}
			go messageProcessor(string(msg.Body))
		}
	}
}

// Send publishes one message to qName.
func Send(url, qName, message string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		qName, // name
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}

	err = ch.Publish(
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        []byte(message),
		})
	if err != nil {
		return err
	}

	slog.Debug("Sent message to queue", "queue", qName)
	return nil
}
