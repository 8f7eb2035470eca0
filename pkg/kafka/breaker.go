package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/inventory-saga/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type breakerProducer struct {
	next Producer
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerProducer stops calling the brokers for a while once most recent sends fail.
func NewBreakerProducer(next Producer, logger *zap.Logger) Producer {
	return &breakerProducer{
		next: next,
		cb:   utils.NewBreaker("KafkaProducer", logger),
	}
}

func (b *breakerProducer) ProduceMessage(ctx context.Context, topic, key string, message any) error {
	_, err := utils.ExecuteWithBreaker(b.cb, func() (struct{}, error) {
		return struct{}{}, b.next.ProduceMessage(ctx, topic, key, message)
	})

	return err
}

func (b *breakerProducer) ProduceRaw(ctx context.Context, msg *sarama.ProducerMessage) error {
	_, err := utils.ExecuteWithBreaker(b.cb, func() (struct{}, error) {
		return struct{}{}, b.next.ProduceRaw(ctx, msg)
	})

	return err
}

func (b *breakerProducer) Close() error {
	return b.next.Close()
}
