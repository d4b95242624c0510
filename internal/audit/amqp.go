package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "ledgerbucket.audit"
	// OrphanRoutingPrefix is followed by the bucket name.
	OrphanRoutingPrefix = "orphan."
)

// AMQPReporter publishes orphan reports as persistent JSON messages to a
// durable topic exchange, routed by "orphan.<bucket>".
type AMQPReporter struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewAMQPReporter dials url and declares the exchange.
func NewAMQPReporter(url, exchange string) (*AMQPReporter, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPReporter{conn: conn, exchange: exchange, channel: channel}, nil
}

func (r *AMQPReporter) ReportOrphan(ctx context.Context, o Orphan) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		OrphanRoutingPrefix+o.Bucket,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         "orphan",
		},
	)
	if err != nil {
		return fmt.Errorf("publish orphan report: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (r *AMQPReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_ = r.channel.Close()
	return r.conn.Close()
}
