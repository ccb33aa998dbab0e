package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes events to a topic exchange with the recipient id as
// routing key. Driver and rider apps that consume from a broker instead of
// holding a socket bind their own queue to it.
type AMQPNotifier struct {
	ch       *amqp.Channel
	exchange string
}

func NewAMQPNotifier(conn *amqp.Connection, exchange string) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPNotifier{ch: ch, exchange: exchange}, nil
}

func (a *AMQPNotifier) Send(recipientID string, event EventType, payload any) error {
	body, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.ch.PublishWithContext(ctx, a.exchange, recipientID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (a *AMQPNotifier) Close() error { return a.ch.Close() }
