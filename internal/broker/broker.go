// Package broker adapts the extractor's publish path onto an AMQP
// 0-9-1 topic exchange: topology declaration, publisher confirms,
// and reconnect-on-disconnect.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/discogsography/extractor/internal/xtypes"
)

const (
	exchangeName   = "discogsography-exchange"
	exchangeKind   = "topic"
	deliveryLimit  = 20
	qosPrefetch    = 100
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// QueuePrefixes are the downstream consumers that each get their own
// durable main queue per DataType.
var QueuePrefixes = []string{"discogsography-graphinator", "discogsography-tableinator"}

// Broker owns one AMQP connection/channel pair, reconnecting
// transparently when a publish observes a dead channel.
type Broker struct {
	mu         sync.RWMutex
	url        string
	maxRetries int

	conn    *amqp.Connection
	channel *amqp.Channel

	log logger.Logger
}

// New normalizes rawURL, connects with exponential backoff, enables
// publisher confirms, sets QoS, and declares the exchange. maxRetries
// <= 0 means retry forever.
func New(ctx context.Context, rawURL string, maxRetries int, log logger.Logger) (*Broker, error) {
	normalized, err := NormalizeAMQPURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalizing broker URL: %w", err)
	}

	b := &Broker{url: normalized, maxRetries: maxRetries, log: log.Function("Broker")}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NormalizeAMQPURL strips a bare trailing "/" path (ambiguous empty
// vhost) so the connection unambiguously selects the default virtual
// host, while preserving explicit vhosts and %2F-encoded defaults.
func NormalizeAMQPURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing AMQP URL: %w", err)
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

func (b *Broker) connect(ctx context.Context) error {
	backoff := initialBackoff
	attempt := 0

	for {
		attempt++
		err := b.tryConnect()
		if err == nil {
			b.log.Info("connected to AMQP broker")
			return nil
		}

		if b.maxRetries > 0 && attempt >= b.maxRetries {
			return fmt.Errorf("connecting to AMQP broker after %d attempts: %w", attempt, err)
		}

		b.log.Warn("AMQP connect failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Broker) tryConnect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dialing AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enabling publisher confirms: %w", err)
	}

	if err := ch.Qos(qosPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setting QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, exchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declaring exchange: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()
	return nil
}

// SetupQueues declares the DLX, one DLQ per consumer prefix, and one
// durable quorum main queue per consumer prefix for dt, all bound on
// dt's routing key.
func (b *Broker) SetupQueues(dt xtypes.DataType) error {
	ch, err := b.getChannel(context.Background())
	if err != nil {
		return err
	}

	dlxName := exchangeName + ".dlx"
	if err := ch.ExchangeDeclare(dlxName, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange: %w", err)
	}

	routingKey := dt.RoutingKey()

	for _, prefix := range QueuePrefixes {
		queueName := fmt.Sprintf("%s-%s", prefix, dt.QueueSuffix())
		dlqName := queueName + ".dlq"

		dlqArgs := amqp.Table{"x-queue-type": "classic"}
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, dlqArgs); err != nil {
			return fmt.Errorf("declaring %s DLQ: %w", prefix, err)
		}
		if err := ch.QueueBind(dlqName, routingKey, dlxName, false, nil); err != nil {
			return fmt.Errorf("binding %s DLQ: %w", prefix, err)
		}

		queueArgs := amqp.Table{
			"x-queue-type":              "quorum",
			"x-dead-letter-exchange":     dlxName,
			"x-delivery-limit":           int32(deliveryLimit),
		}
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, queueArgs); err != nil {
			return fmt.Errorf("declaring %s queue: %w", prefix, err)
		}
		if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
			return fmt.Errorf("binding %s queue: %w", prefix, err)
		}
	}

	b.log.Info("AMQP topology ready", "dataType", dt, "exchange", exchangeName)
	return nil
}

func messageProperties(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "application/json",
		DeliveryMode:    amqp.Persistent,
		Body:            body,
	}
}

// Publish JSON-encodes msg and publishes it, mandatory and persistent,
// awaiting the broker's ack. A disconnected channel triggers a
// transparent reconnect before the publish is retried once.
func (b *Broker) Publish(ctx context.Context, dt xtypes.DataType, msg xtypes.Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serializing message: %w", err)
	}

	ch, err := b.getChannel(ctx)
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, exchangeName, dt.RoutingKey(), true, false, messageProperties(body),
	)
	if err != nil {
		if rcErr := b.reconnect(ctx); rcErr == nil {
			ch2, err2 := b.getChannel(ctx)
			if err2 != nil {
				return err2
			}
			confirmation, err = ch2.PublishWithDeferredConfirmWithContext(
				ctx, exchangeName, dt.RoutingKey(), true, false, messageProperties(body),
			)
		}
		if err != nil {
			return fmt.Errorf("publishing message: %w", err)
		}
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("awaiting publish confirmation: %w", err)
	}
	if !acked {
		return fmt.Errorf("message was not acknowledged by broker")
	}
	return nil
}

// PublishBatch publishes every message in msgs, logging (not failing)
// on an individual unacked delivery so one bad message in a batch
// doesn't abort the rest.
func (b *Broker) PublishBatch(ctx context.Context, dt xtypes.DataType, msgs []xtypes.Envelope) error {
	for _, m := range msgs {
		if err := b.Publish(ctx, dt, m); err != nil {
			b.log.Warn("message was not acknowledged by broker", "dataType", dt, "error", err)
		}
	}
	return nil
}

// PublishFileComplete sends the tagged file_complete envelope for a
// finished file.
func (b *Broker) PublishFileComplete(ctx context.Context, dt xtypes.DataType, file string, totalProcessed uint64) error {
	msg := xtypes.NewFileCompleteEnvelope(xtypes.FileCompleteMessage{
		DataType:       dt,
		File:           file,
		TotalProcessed: totalProcessed,
		Timestamp:      time.Now(),
	})
	if err := b.Publish(ctx, dt, msg); err != nil {
		return err
	}
	b.log.Info("file processing complete", "dataType", dt, "file", file, "totalProcessed", totalProcessed)
	return nil
}

func (b *Broker) getChannel(ctx context.Context) (*amqp.Channel, error) {
	b.mu.RLock()
	ch := b.channel
	b.mu.RUnlock()

	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	b.log.Warn("AMQP channel lost, attempting to reconnect")
	if err := b.reconnect(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.channel == nil {
		return nil, fmt.Errorf("no channel available after reconnect")
	}
	return b.channel, nil
}

func (b *Broker) reconnect(ctx context.Context) error {
	return b.connect(ctx)
}

// Close closes the channel and connection, ignoring "already closed"
// errors from either.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channel != nil {
		if err := b.channel.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			b.log.Warn("error closing AMQP channel", "error", err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			b.log.Warn("error closing AMQP connection", "error", err)
		}
	}
	b.log.Info("AMQP connection closed")
	return nil
}
