package mqx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"moneyflow-events/shared/config"
)

var ErrNotInitialized = errors.New("producer not initialized")

// Producer writes with an idempotent franz-go client: the broker dedupes
// retried batches by producer id and sequence, so a resend after a lost ack
// does not append the record twice.
type Producer struct {
	client *kgo.Client
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RecordRetries(maxInt(cfg.KafkaRetryMax, 1)),
	}
	if cfg.KafkaClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.KafkaClientID))
	}
	if cfg.KafkaWriteMS > 0 {
		timeout := time.Duration(cfg.KafkaWriteMS) * time.Millisecond
		opts = append(opts, kgo.ProduceRequestTimeout(timeout), kgo.RecordDeliveryTimeout(timeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Ping fetches cluster metadata from any reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return ErrNotInitialized
	}
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("no kafka broker reachable: %w", err)
	}
	return nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.client == nil {
		return ErrNotInitialized
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.kafka.message_key", string(key)),
	)
	defer span.End()

	rec := &kgo.Record{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: Headers(headers),
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.client.Close()
	return nil
}

// Headers converts a header map into record headers ordered by key.
func Headers(headers map[string]string) []kgo.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// HeaderMap reads headers of a consumed message into a map.
func HeaderMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return reader, nil
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
