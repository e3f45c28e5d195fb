package queue

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/config"
)

// AMQP is the broker-backed implementation on RabbitMQ. The queue is
// durable and messages are published persistent under publisher confirms,
// so an accepted enqueue survives a broker restart. Deliveries are consumed
// with manual acks; the broker redelivers anything unacked when the
// consumer's connection dies.
type AMQP struct {
	conn  *amqp.Connection
	queue string
	log   *logrus.Logger

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	confirms <-chan amqp.Confirmation

	conCh      *amqp.Channel
	deliveries <-chan amqp.Delivery

	mu      sync.Mutex
	unacked map[string]amqp.Delivery
}

func NewAMQP(cfg *config.AMQP, log *logrus.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if _, err = pubCh.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err = pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := pubCh.NotifyPublish(make(chan amqp.Confirmation, 1))

	conCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err = conCh.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := conCh.Consume(cfg.Queue, "whisperq-"+gonanoid.Must(tokenSize), false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	return &AMQP{
		conn:       conn,
		queue:      cfg.Queue,
		log:        log,
		pubCh:      pubCh,
		confirms:   confirms,
		conCh:      conCh,
		deliveries: deliveries,
		unacked:    make(map[string]amqp.Delivery),
	}, nil
}

// Enqueue publishes the job ID and waits for the broker's confirm, so a nil
// return means the message is safely on disk.
func (q *AMQP) Enqueue(ctx context.Context, jobID string) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err := q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Body:         []byte(jobID),
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}

	select {
	case confirmed, ok := <-q.confirms:
		if !ok {
			return ErrClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("publish job %s: broker rejected message", jobID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AMQP) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return Delivery{}, ErrClosed
		}
		if d.Redelivered {
			q.log.WithField("job_id", string(d.Body)).Warn("queue: broker redelivered job")
		}
		token := gonanoid.Must(tokenSize)
		q.mu.Lock()
		q.unacked[token] = d
		q.mu.Unlock()
		return Delivery{JobID: string(d.Body), Token: token}, nil
	}
}

func (q *AMQP) Ack(ctx context.Context, d Delivery) error {
	msg, ok := q.takeUnacked(d.Token)
	if !ok {
		return nil
	}
	if err := msg.Ack(false); err != nil {
		return fmt.Errorf("ack job %s: %w", d.JobID, err)
	}
	return nil
}

func (q *AMQP) Nack(ctx context.Context, d Delivery, requeue bool) error {
	msg, ok := q.takeUnacked(d.Token)
	if !ok {
		return nil
	}
	if err := msg.Nack(false, requeue); err != nil {
		return fmt.Errorf("nack job %s: %w", d.JobID, err)
	}
	return nil
}

func (q *AMQP) takeUnacked(token string) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.unacked[token]
	delete(q.unacked, token)
	return msg, ok
}

func (q *AMQP) Durable() bool { return true }

// Close tears down the connection; closing it also closes both channels and
// the delivery stream. Unacked deliveries return to the broker.
func (q *AMQP) Close() error {
	if err := q.conn.Close(); err != nil && err != amqp.ErrClosed {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}
