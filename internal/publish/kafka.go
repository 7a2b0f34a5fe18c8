// Package publish mirrors each snapshot onto a Kafka topic, one record per
// GPU slot.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chambridge/gpudash-aggregator/internal/merge"
)

// Producer is the subset of *kgo.Client used here.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

type Publisher struct {
	producer Producer
	topic    string
	cluster  string
}

func NewPublisher(p Producer, topic, cluster string) *Publisher {
	return &Publisher{producer: p, topic: topic, cluster: cluster}
}

// Dial connects to the brokers and waits up to maxWait for one to answer.
func Dial(ctx context.Context, brokers []string, topic, cluster string, maxWait time.Duration) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("gpudash-"+cluster),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	ping := func() error { return client.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka brokers %v not reachable: %w", brokers, err)
	}
	return NewPublisher(client, topic, cluster), nil
}

func (p *Publisher) Name() string {
	return "kafka"
}

// Publish produces every row synchronously and fails on the first rejected
// record.
func (p *Publisher) Publish(ctx context.Context, runID uuid.UUID, rows []merge.Row) error {
	records := make([]*kgo.Record, 0, len(rows))
	for _, row := range rows {
		value, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", row.Host, row.Index, err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(row.Host),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "run_id", Value: []byte(runID.String())},
				{Key: "cluster", Value: []byte(p.cluster)},
			},
		})
	}
	if err := p.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.producer.Close()
}
