package kafka

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Producer publishes opaque payloads keyed by conversation id. The hash
// partitioner keeps one conversation on one partition, so the ingest side
// appends in producer order.
type Producer struct {
	client sarama.Client
	sp     sarama.SyncProducer
	topic  string
}

func buildBaseConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key picks the partition

	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	client, err := sarama.NewClient(brokers, buildBaseConfig())
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka sync producer")
	}
	return &Producer{client: client, sp: sp, topic: topic}, nil
}

func (p *Producer) Publish(_ context.Context, conversationID string, payload []byte) error {
	_, _, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(conversationID),
		Value: sarama.ByteEncoder(payload),
	})
	return errors.Wrapf(err, "send to %s", p.topic)
}

func (p *Producer) Close() error {
	if err := p.sp.Close(); err != nil {
		return err
	}
	return p.client.Close()
}
