package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer представляет Kafka producer для публикации событий леджера
type Producer struct {
	client   sarama.Client
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создает новый Kafka producer
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true // Включаем идемпотентность
	config.Net.MaxOpenRequests = 1    // Для идемпотентности

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		client:   client,
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// Ping проверяет доступность брокеров через обновление метаданных;
// используется health-чекером.
func (p *Producer) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- p.client.RefreshMetadata()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("refresh kafka metadata: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishEvent сериализует событие в JSON и публикует его в Kafka
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.PublishRaw(topic, key, eventData, nil)
}

// PublishRaw публикует готовый payload; headers опциональны
// (используется при возврате сообщений из DLQ с retry-заголовками).
func (p *Producer) PublishRaw(topic string, key string, payload []byte, headers []sarama.RecordHeader) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Headers:   headers,
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// Close закрывает producer и его клиент
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		_ = p.client.Close()
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close kafka client: %w", err)
	}
	return nil
}
