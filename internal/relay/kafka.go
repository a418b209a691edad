package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"caseflow/internal/config"
)

// Producer is the part of a franz-go client the Kafka sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes events to a topic keyed by case id, so every event of
// a case lands on the same partition in log order.
type KafkaSink struct {
	topic    string
	filter   eventFilter
	producer Producer
}

func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if cfg.Topic == "" {
		return nil, errors.New("relay.kafka.topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return NewKafkaSinkWithProducer(cfg, client), nil
}

func NewKafkaSinkWithProducer(cfg config.KafkaConfig, p Producer) *KafkaSink {
	return &KafkaSink{topic: cfg.Topic, filter: newEventFilter(cfg.Events), producer: p}
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) Accepts(eventType string) bool { return k.filter.match(eventType) }

func (k *KafkaSink) Deliver(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(env.CaseID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(env.Type)},
			{Key: "event-id", Value: []byte(strconv.FormatInt(env.ID, 10))},
		},
	}
	return k.producer.ProduceSync(ctx, rec).FirstErr()
}

func (k *KafkaSink) Close() error {
	k.producer.Close()
	return nil
}
