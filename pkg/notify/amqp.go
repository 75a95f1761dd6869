package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by AMQPTransport.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPTransport publishes to amqp:<exchange>/<routing_key> destinations.
// Exchanges are declared as durable topic exchanges on first use.
type AMQPTransport struct {
	channel Channel

	mu       sync.Mutex
	declared map[string]bool
}

var _ Transport = (*AMQPTransport)(nil)

func NewAMQPTransport(ch Channel) *AMQPTransport {
	return &AMQPTransport{channel: ch, declared: make(map[string]bool)}
}

// DialAMQP connects to the broker at url and returns a transport plus a
// function closing the channel and connection.
func DialAMQP(brokerURL string) (*AMQPTransport, func() error, error) {
	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return NewAMQPTransport(ch), closeFn, nil
}

func parseAMQPDestination(dest *url.URL) (exchange, key string, err error) {
	raw := dest.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(dest.Host+dest.Path, "/")
	}
	exchange, key, _ = strings.Cut(raw, "/")
	if exchange == "" {
		return "", "", fmt.Errorf("amqp destination %q has no exchange", dest.String())
	}
	if key == "" {
		key = "verify"
	}
	return exchange, key, nil
}

func (t *AMQPTransport) Deliver(ctx context.Context, dest *url.URL, msg Message) error {
	exchange, key, err := parseAMQPDestination(dest)
	if err != nil {
		return err
	}
	if err := t.declare(exchange); err != nil {
		return err
	}

	body, err := json.Marshal(WebhookPayload{
		ID:      msg.ID,
		Event:   "verify.finished",
		Subject: msg.Subject,
		Body:    msg.Body,
		Result:  msg.Status,
	})
	if err != nil {
		return fmt.Errorf("marshal amqp payload: %w", err)
	}

	err = t.channel.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Type:         "verify.finished",
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (t *AMQPTransport) declare(exchange string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.declared[exchange] {
		return nil
	}
	if err := t.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	t.declared[exchange] = true
	return nil
}
