// Команда dlq-reprocess возвращает складские события из dead letter
// queue обратно в рабочие топики.
//
// По умолчанию инструмент работает в dry-run и только печатает
// кандидатов. Отбор сужается фильтрами -event-type и -sku: так можно
// вернуть, например, только застрявшие stock.reserved по одному SKU.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventType   string
	sku         string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// matches проверяет кандидата против фильтров по типу события и SKU.
func (o options) matches(c candidate) bool {
	if o.eventType != "" && c.eventType != o.eventType {
		return false
	}
	if o.sku != "" && !strings.EqualFold(c.sku, o.sku) {
		return false
	}
	return true
}

// candidate — складское событие из DLQ, восстановленное до вида,
// пригодного для возврата в рабочий топик.
type candidate struct {
	topic     string
	key       string
	value     []byte
	eventType string
	sku       string
}

// consumerDeadLetter — конверт, который пишет kafka.Consumer при
// исчерпании ретраев обработки входящего сообщения.
type consumerDeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxEnvelope — внешний конверт OutboxTopicPublisher.
type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// outboxDeadLetter — конверт, который пишет outbox-воркер после
// исчерпания попыток публикации.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// stockEventHint вытаскивает из payload поля складского события,
// по которым работают фильтры.
type stockEventHint struct {
	EventType string `json:"event_type"`
	SKU       string `json:"sku"`
}

type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type offsetReader interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type consumerAdapter struct {
	consumer sarama.Consumer
}

func (a consumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a consumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newKafkaEndpoints = func(opts options) (offsetReader, partitionSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := consumerAdapter{consumer: rawConsumer}

	if !opts.execute {
		return client, source, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(opts.brokers, producerConfig)
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), opts); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseOptions(args []string) (options, error) {
	var (
		brokersRaw string
		opts       options
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&opts.targetTopic, "target-topic", kafka.TopicStockEvents, "target topic for replay")
	fs.StringVar(&opts.eventType, "event-type", "", "replay only events of this type (e.g. stock.reserved)")
	fs.StringVar(&opts.sku, "sku", "", "replay only events for this SKU")
	fs.IntVar(&opts.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&opts.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}

	opts.brokers = parseBrokers(brokersRaw)
	if len(opts.brokers) == 0 {
		return options{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(opts.sourceTopic) == "" {
		return options{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(opts.targetTopic) == "" {
		return options{}, fmt.Errorf("target-topic is required")
	}
	if opts.limit <= 0 {
		return options{}, fmt.Errorf("limit must be > 0")
	}
	if opts.idleTimeout <= 0 {
		return options{}, fmt.Errorf("idle-timeout must be > 0")
	}
	opts.eventType = strings.TrimSpace(opts.eventType)
	opts.sku = strings.TrimSpace(opts.sku)

	return opts, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, opts options) error {
	log.WithFields(log.Fields{
		"source_topic": opts.sourceTopic,
		"target_topic": opts.targetTopic,
		"event_type":   opts.eventType,
		"sku":          opts.sku,
		"limit":        opts.limit,
		"execute":      opts.execute,
	}).Info("starting dlq replay")

	client, source, producer, err := newKafkaEndpoints(opts)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	r := &reprocessor{opts: opts, client: client, source: source, producer: producer}
	return r.replay(ctx)
}

// reprocessor перебирает партиции DLQ и возвращает отобранные
// складские события в рабочий топик.
type reprocessor struct {
	opts     options
	client   offsetReader
	source   partitionSource
	producer replayProducer
}

// tally — счётчики одного прохода по DLQ.
type tally struct {
	scanned  int
	replayed int
	filtered int
	skipped  int
	byType   map[string]int
}

func (t *tally) merge(other tally) {
	t.scanned += other.scanned
	t.replayed += other.replayed
	t.filtered += other.filtered
	t.skipped += other.skipped
	for eventType, count := range other.byType {
		if t.byType == nil {
			t.byType = make(map[string]int)
		}
		t.byType[eventType] += count
	}
}

func (r *reprocessor) replay(ctx context.Context) error {
	if r.client == nil || r.source == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if r.opts.execute && r.producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.opts.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", r.opts.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", r.opts.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total tally
	for _, partition := range partitions {
		if total.scanned >= r.opts.limit {
			break
		}

		partial, err := r.scanPartition(ctx, partition, r.opts.limit-total.scanned)
		if err != nil {
			return err
		}
		total.merge(partial)
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":          mode,
		"scanned":       total.scanned,
		"replayed":      total.replayed,
		"filtered_out":  total.filtered,
		"skipped":       total.skipped,
		"by_event_type": total.byType,
	}).Info("dlq replay finished")

	return nil
}

func (r *reprocessor) scanPartition(ctx context.Context, partition int32, budget int) (tally, error) {
	var stats tally
	if budget <= 0 {
		return stats, nil
	}

	oldest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if r.opts.fromNewest {
		startOffset = newest - int64(budget)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	stream, err := r.source.ConsumePartition(r.opts.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idleTimer := time.NewTimer(r.opts.idleTimeout)
	defer idleTimer.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-stream.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(r.opts.idleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}
			stats.scanned++

			c, ok, err := decodeCandidate(msg, r.opts.targetTopic)
			if err != nil {
				stats.skipped++
				log.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip undecodable dlq message")
				continue
			}
			if !ok {
				stats.skipped++
				continue
			}
			if !r.opts.matches(c) {
				stats.filtered++
				continue
			}

			if err := r.deliver(ctx, msg, c); err != nil {
				return stats, err
			}
			stats.replayed++
			if c.eventType != "" {
				if stats.byType == nil {
					stats.byType = make(map[string]int)
				}
				stats.byType[c.eventType]++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

func (r *reprocessor) deliver(_ context.Context, msg *sarama.ConsumerMessage, c candidate) error {
	if !r.opts.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": c.topic,
			"key":          c.key,
			"event_type":   c.eventType,
			"sku":          c.sku,
		}).Info("dlq replay candidate")
		return nil
	}

	if r.producer == nil {
		return fmt.Errorf("producer is nil")
	}
	_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     c.topic,
		Key:       sarama.StringEncoder(c.key),
		Value:     sarama.ByteEncoder(c.value),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	return nil
}

// decodeCandidate восстанавливает складское событие из одного из двух
// DLQ-конвертов: consumer-конверта (сырое входящее сообщение) или
// outbox-конверта (недоставленное событие леджера). Второй bool — false,
// когда сообщение не похоже ни на один из них.
func decodeCandidate(msg *sarama.ConsumerMessage, fallbackTopic string) (candidate, bool, error) {
	var letter consumerDeadLetter
	if err := json.Unmarshal(msg.Value, &letter); err == nil && letter.OriginalValue != "" {
		topic := strings.TrimSpace(letter.OriginalTopic)
		if topic == "" {
			topic = fallbackTopic
		}
		c := candidate{
			topic: topic,
			key:   letter.OriginalKey,
			value: []byte(letter.OriginalValue),
		}
		var hint stockEventHint
		if err := json.Unmarshal(c.value, &hint); err == nil {
			c.eventType = hint.EventType
			c.sku = hint.SKU
		}
		return c, true, nil
	}

	var envelope outboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return candidate{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return candidate{}, false, nil
	}

	var dead outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return candidate{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return candidate{}, false, fmt.Errorf("outbox dead letter does not contain original event payload")
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return candidate{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := replay.AggregateID
	if key == "" {
		key = replay.ID
	}

	c := candidate{
		topic:     fallbackTopic,
		key:       key,
		value:     encoded,
		eventType: replay.EventType,
	}
	var hint stockEventHint
	if err := json.Unmarshal(dead.Payload, &hint); err == nil {
		c.sku = hint.SKU
		if c.eventType == "" {
			c.eventType = hint.EventType
		}
	}
	return c, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
