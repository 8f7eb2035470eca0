package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, message any) error
	ProduceRaw(ctx context.Context, msg *sarama.ProducerMessage) error
	Close() error
}

type producer struct {
	syncProducer sarama.SyncProducer
	logger       *zap.Logger
}

func NewProducer(brokers []string, logger *zap.Logger) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	return NewProducerFromSync(p, logger), nil
}

// NewProducerFromSync wraps an existing sarama producer, mostly for tests.
func NewProducerFromSync(p sarama.SyncProducer, logger *zap.Logger) Producer {
	return &producer{
		syncProducer: p,
		logger:       logger,
	}
}

// ProduceMessage encodes message as JSON. Raw JSON values are sent unchanged.
func (p *producer) ProduceMessage(ctx context.Context, topic, key string, message any) error {
	var value []byte
	switch m := message.(type) {
	case json.RawMessage:
		value = m
	case []byte:
		value = m
	default:
		encoded, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("error encoding message: %w", err)
		}
		value = encoded
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	return p.ProduceRaw(ctx, msg)
}

func (p *producer) ProduceRaw(ctx context.Context, msg *sarama.ProducerMessage) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	partition, offset, err := p.syncProducer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Message sent",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

func (p *producer) Close() error {
	return p.syncProducer.Close()
}
