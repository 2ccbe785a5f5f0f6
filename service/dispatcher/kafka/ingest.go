package kafka

import (
	"context"

	"PSync/logger"
	"PSync/service/stream"

	"github.com/Shopify/sarama"
)

// ingestHandler appends every consumed message to the conversation log.
// The message key is the conversation id. An append failure leaves the
// message unmarked, so the group redelivers it: at-least-once into the log,
// consistent with the delivery contract downstream.
type ingestHandler struct {
	log stream.Log
}

func (h *ingestHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Infof("[ingest] consumer group setup")
	return nil
}

func (h *ingestHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Infof("[ingest] consumer group cleanup")
	return nil
}

func (h *ingestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		conv := string(msg.Key)
		if conv == "" {
			logger.Warnf("[ingest] drop message without conversation key topic=%s offset=%d", msg.Topic, msg.Offset)
			session.MarkMessage(msg, "")
			continue
		}
		id, err := h.log.Append(session.Context(), conv, msg.Value)
		if err != nil {
			logger.Errorf("[ingest] append failed conv=%s offset=%d err=%v", conv, msg.Offset, err)
			continue // not marked, redelivered
		}
		logger.Debugf("[ingest] appended conv=%s entry=%s", conv, id)
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartIngest runs the consumer group loop until ctx is cancelled.
func StartIngest(ctx context.Context, brokers []string, groupID string, topics []string, log stream.Log) error {
	group, err := sarama.NewConsumerGroup(brokers, groupID, buildBaseConfig())
	if err != nil {
		return err
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Errorf("[ingest] consumer group error: %v", err)
		}
	}()

	handler := &ingestHandler{log: log}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			logger.Errorf("[ingest] consume error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
