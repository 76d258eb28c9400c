package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// RabbitAlertQueue публикует события заморозки в очередь RabbitMQ.
// Очередь читает внешняя панель управления.
type RabbitAlertQueue struct {
	mu    sync.Mutex
	url   string
	queue string
	conn  *amqp.Connection
	ch    *amqp.Channel
}

var _ domain.AlertQueue = (*RabbitAlertQueue)(nil)

// NewRabbitAlertQueue создаёт издателя и объявляет durable-очередь.
func NewRabbitAlertQueue(amqpURL, queue string) (*RabbitAlertQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &RabbitAlertQueue{url: amqpURL, queue: queue}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitAlertQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	q.conn = conn
	q.ch = ch
	return nil
}

// PublishFreezeAlert сериализует событие и публикует его в очередь.
// При закрытом канале выполняется одна попытка переподключения.
func (q *RabbitAlertQueue) PublishFreezeAlert(ctx context.Context, alert domain.FreezeAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil || q.ch.IsClosed() {
		if err := q.connect(); err != nil {
			return err
		}
	}

	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (q *RabbitAlertQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
