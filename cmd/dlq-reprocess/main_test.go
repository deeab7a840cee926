package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected brokers count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=ims.dlq",
		"-target-topic=ims.stock.events",
		"-event-type=stock.reserved",
		"-sku=TSHIRT-RED-M",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	})
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if len(opts.brokers) != 2 {
		t.Fatalf("unexpected brokers count: %d", len(opts.brokers))
	}
	if opts.eventType != "stock.reserved" || opts.sku != "TSHIRT-RED-M" {
		t.Fatalf("unexpected filters: %+v", opts)
	}
	if opts.limit != 10 || !opts.execute || !opts.fromNewest {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.idleTimeout != 3*time.Second {
		t.Fatalf("unexpected idle-timeout: %s", opts.idleTimeout)
	}
}

func TestParseOptions_ValidationErrors(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=broker:9092", "-source-topic="}, "source-topic is required"},
		{[]string{"-brokers=broker:9092", "-target-topic="}, "target-topic is required"},
		{[]string{"-brokers=broker:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=broker:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
	}

	for _, tc := range cases {
		_, err := parseOptions(tc.args)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("args %v: expected error %q, got %v", tc.args, tc.want, err)
		}
	}
}

func TestOptionsMatches(t *testing.T) {
	c := candidate{eventType: "stock.reserved", sku: "TSHIRT-RED-M"}

	if !(options{}).matches(c) {
		t.Fatal("empty filter must match everything")
	}
	if !(options{eventType: "stock.reserved"}).matches(c) {
		t.Fatal("event type filter must match")
	}
	if (options{eventType: "stock.restocked"}).matches(c) {
		t.Fatal("different event type must not match")
	}
	if !(options{sku: "tshirt-red-m"}).matches(c) {
		t.Fatal("sku filter is case-insensitive")
	}
	if (options{sku: "OTHER-SKU"}).matches(c) {
		t.Fatal("different sku must not match")
	}
}

func TestDecodeCandidate_ConsumerDeadLetter(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"original_topic": "ims.stock.restock",
		"original_key":   "TSHIRT-RED-M",
		"original_value": `{"sku":"TSHIRT-RED-M","amount":5}`,
	})
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}

	got, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: raw}, "fallback-topic")
	if err != nil {
		t.Fatalf("decodeCandidate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != "ims.stock.restock" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "TSHIRT-RED-M" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if got.sku != "TSHIRT-RED-M" {
		t.Fatalf("expected sku extracted from original value, got %q", got.sku)
	}
	if string(got.value) != `{"sku":"TSHIRT-RED-M","amount":5}` {
		t.Fatalf("unexpected replay value: %s", string(got.value))
	}
}

func TestDecodeCandidate_OutboxDeadLetter(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "stock",
		"aggregate_id":   "stock-1",
		"event_type":     "stock.reserved",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "stock",
			"aggregate_id":   "stock-1",
			"event_type":     "stock.reserved",
			"payload": map[string]any{
				"stock_id": "stock-1",
				"sku":      "TSHIRT-RED-M",
				"amount":   3,
			},
			"error":     "timeout",
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	got, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: raw}, "ims.stock.events")
	if err != nil {
		t.Fatalf("decodeCandidate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != "ims.stock.events" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "stock-1" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if got.eventType != "stock.reserved" {
		t.Fatalf("unexpected event type: %s", got.eventType)
	}
	if got.sku != "TSHIRT-RED-M" {
		t.Fatalf("expected sku extracted from nested payload, got %q", got.sku)
	}

	var replay replayEnvelope
	if err := json.Unmarshal(got.value, &replay); err != nil {
		t.Fatalf("replay value must be a valid envelope: %v", err)
	}
	if replay.EventType != "stock.reserved" || replay.AggregateID != "stock-1" {
		t.Fatalf("unexpected replay envelope: %+v", replay)
	}
}

func TestDecodeCandidate_MissingNestedPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "stock",
		"aggregate_id":   "stock-1",
		"event_type":     "stock.reserved",
		"payload": map[string]any{
			"outbox_id":  "outbox-1",
			"event_type": "stock.reserved",
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	_, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: raw}, "ims.stock.events")
	if err == nil {
		t.Fatal("expected error for missing nested payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}
}

func TestDecodeCandidate_UnknownPayload(t *testing.T) {
	_, ok, err := decodeCandidate(&sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}, "ims.stock.events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected message to be skipped")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func consumerLetter(t *testing.T, topic, key, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"original_topic": topic,
		"original_key":   key,
		"original_value": value,
	})
	if err != nil {
		t.Fatalf("marshal consumer letter: %v", err)
	}
	return raw
}

func TestScanPartition_DryRun(t *testing.T) {
	client := &stubOffsetReader{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	source := &stubPartitionSource{
		streams: map[int32]partitionStream{
			0: drainedStream([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     consumerLetter(t, "ims.stock.events", "stock-1", `{"event_type":"stock.reserved","sku":"TSHIRT-RED-M"}`),
			}}),
		},
	}

	r := &reprocessor{
		opts:   options{sourceTopic: "ims.dlq", targetTopic: "ims.stock.events", idleTimeout: 20 * time.Millisecond},
		client: client,
		source: source,
	}

	stats, err := r.scanPartition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.scanned != 1 || stats.replayed != 1 || stats.skipped != 0 || stats.filtered != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.byType["stock.reserved"] != 1 {
		t.Fatalf("expected event type tally, got %+v", stats.byType)
	}
	if len(source.calls) != 1 || source.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", source.calls)
	}
}

func TestScanPartition_FiltersBySKU(t *testing.T) {
	client := &stubOffsetReader{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	source := &stubPartitionSource{
		streams: map[int32]partitionStream{
			0: drainedStream([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: consumerLetter(t, "ims.stock.events", "stock-1", `{"event_type":"stock.reserved","sku":"TSHIRT-RED-M"}`)},
				{Partition: 0, Offset: 1, Value: consumerLetter(t, "ims.stock.events", "stock-2", `{"event_type":"stock.reserved","sku":"MUG-BLUE"}`)},
			}),
		},
	}
	producer := &stubReplayProducer{}

	r := &reprocessor{
		opts: options{
			sourceTopic: "ims.dlq",
			targetTopic: "ims.stock.events",
			sku:         "TSHIRT-RED-M",
			execute:     true,
			idleTimeout: 20 * time.Millisecond,
		},
		client:   client,
		source:   source,
		producer: producer,
	}

	stats, err := r.scanPartition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.replayed != 1 || stats.filtered != 1 {
		t.Fatalf("expected one replayed and one filtered, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Key != sarama.StringEncoder("stock-1") {
		t.Fatalf("unexpected replayed message: %+v", producer.lastMsg)
	}
}

func TestScanPartition_FiltersByEventType(t *testing.T) {
	client := &stubOffsetReader{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	source := &stubPartitionSource{
		streams: map[int32]partitionStream{
			0: drainedStream([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: consumerLetter(t, "ims.stock.events", "stock-1", `{"event_type":"stock.reserved","sku":"A"}`)},
				{Partition: 0, Offset: 1, Value: consumerLetter(t, "ims.stock.events", "stock-2", `{"event_type":"stock.restocked","sku":"B"}`)},
			}),
		},
	}

	r := &reprocessor{
		opts: options{
			sourceTopic: "ims.dlq",
			targetTopic: "ims.stock.events",
			eventType:   "stock.restocked",
			idleTimeout: 20 * time.Millisecond,
		},
		client: client,
		source: source,
	}

	stats, err := r.scanPartition(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("scanPartition failed: %v", err)
	}
	if stats.replayed != 1 || stats.filtered != 1 {
		t.Fatalf("expected one replayed and one filtered, got %+v", stats)
	}
	if stats.byType["stock.restocked"] != 1 {
		t.Fatalf("unexpected event type tally: %+v", stats.byType)
	}
}

func TestScanPartition_ErrorBranches(t *testing.T) {
	opts := options{sourceTopic: "ims.dlq", targetTopic: "ims.stock.events", execute: true, idleTimeout: 20 * time.Millisecond}

	offsetErrClient := &stubOffsetReader{offsetErr: map[int32]error{0: errors.New("offset")}}
	r := &reprocessor{opts: opts, client: offsetErrClient, source: &stubPartitionSource{}, producer: &stubReplayProducer{}}
	if _, err := r.scanPartition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetReader{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	r = &reprocessor{opts: opts, client: client, source: &stubPartitionSource{consumeErr: errors.New("consume")}, producer: &stubReplayProducer{}}
	if _, err := r.scanPartition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	streamWithErr := &stubStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	streamWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(streamWithErr.errors)
	r = &reprocessor{opts: opts, client: client, source: &stubPartitionSource{streams: map[int32]partitionStream{0: streamWithErr}}, producer: &stubReplayProducer{}}
	if _, err := r.scanPartition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(streamWithErr.messages)

	badPayload := drainedStream([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     []byte(`{"id":"x","payload":"not-an-object"}`),
	}})
	r = &reprocessor{opts: opts, client: client, source: &stubPartitionSource{streams: map[int32]partitionStream{0: badPayload}}, producer: &stubReplayProducer{}}
	stats, err := r.scanPartition(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.skipped != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	okStream := drainedStream([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     consumerLetter(t, "ims.stock.events", "stock-1", `{"sku":"A"}`),
	}})
	producer := &stubReplayProducer{sendErr: errors.New("send fail")}
	r = &reprocessor{opts: opts, client: client, source: &stubPartitionSource{streams: map[int32]partitionStream{0: okStream}}, producer: producer}
	if _, err := r.scanPartition(context.Background(), 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestScanPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetReader{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	idleStream := &stubStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	r := &reprocessor{
		opts:   options{sourceTopic: "ims.dlq", targetTopic: "ims.stock.events", idleTimeout: 10 * time.Millisecond},
		client: client,
		source: &stubPartitionSource{streams: map[int32]partitionStream{0: idleStream}},
	}

	stats, err := r.scanPartition(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected scanned=0, got %+v", stats)
	}
	close(idleStream.messages)
	close(idleStream.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledStream := &stubStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	r.source = &stubPartitionSource{streams: map[int32]partitionStream{0: canceledStream}}
	if _, err := r.scanPartition(ctx, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceledStream.messages)
	close(canceledStream.errors)
}

func TestReplay(t *testing.T) {
	opts := options{sourceTopic: "ims.dlq", targetTopic: "ims.stock.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	r := &reprocessor{opts: opts}
	if err := r.replay(context.Background()); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetReader{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	source := &stubPartitionSource{
		streams: map[int32]partitionStream{
			0: drainedStream([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     consumerLetter(t, "ims.stock.events", "stock-1", `{"sku":"A"}`),
			}}),
			2: drainedStream([]*sarama.ConsumerMessage{{
				Partition: 2,
				Offset:    0,
				Value:     consumerLetter(t, "ims.stock.events", "stock-2", `{"sku":"B"}`),
			}}),
		},
	}

	r = &reprocessor{opts: opts, client: client, source: source}
	if err := r.replay(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(source.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(source.calls))
	}
	if source.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", source.calls[0].partition)
	}

	executeOpts := opts
	executeOpts.execute = true
	r = &reprocessor{opts: executeOpts, client: client, source: source}
	if err := r.replay(context.Background()); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	r = &reprocessor{opts: opts, client: &stubOffsetReader{}, source: source}
	if err := r.replay(context.Background()); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesEndpoints(t *testing.T) {
	oldEndpoints := newKafkaEndpoints
	defer func() { newKafkaEndpoints = oldEndpoints }()

	opts := options{sourceTopic: "ims.dlq", targetTopic: "ims.stock.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	newKafkaEndpoints = func(options) (offsetReader, partitionSource, replayProducer, error) {
		return nil, nil, nil, errors.New("endpoints failed")
	}
	if err := run(context.Background(), opts); err == nil || !strings.Contains(err.Error(), "endpoints failed") {
		t.Fatalf("expected endpoints error, got %v", err)
	}

	client := &stubOffsetReader{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	source := &stubPartitionSource{
		streams: map[int32]partitionStream{
			0: drainedStream([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     consumerLetter(t, "ims.stock.events", "stock-1", `{"sku":"A"}`),
			}}),
		},
	}
	producer := &stubReplayProducer{}

	newKafkaEndpoints = func(options) (offsetReader, partitionSource, replayProducer, error) {
		return client, source, producer, nil
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !source.closed || !producer.closed {
		t.Fatalf("expected all endpoints to be closed: client=%v source=%v producer=%v", client.closed, source.closed, producer.closed)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetReader struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetReader) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetReader) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetReader) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionSource struct {
	streams    map[int32]partitionStream
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionSource) ConsumePartition(_ string, partition int32, offset int64) (partitionStream, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	stream, ok := s.streams[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return stream, nil
}

func (s *stubPartitionSource) Close() error {
	s.closed = true
	return nil
}

type stubStream struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubStream) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubStream) Close() error {
	s.closed = true
	return nil
}

func drainedStream(messages []*sarama.ConsumerMessage) *stubStream {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubStream{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
