package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderDeliveryAttempts  = "x-delivery-attempts"
	HeaderErrorMessage      = "x-error-message"
)

const maxRetryInterval = 30 * time.Second

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix, such as a malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks a handler error caused by a dependency outage. The message is retried
// for as long as the session lives and is never dead-lettered for it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &retryableError{err: err}
}

func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// DeadLetterTopic is the topic failed messages from topic are parked on.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

type ConsumerGroupConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	MaxDeliveries int
	RetryBackoff  time.Duration
}

type ConsumerGroup struct {
	cfg         ConsumerGroupConfig
	handlerFunc HandlerFunc
	deadLetters Producer
	logger      *zap.Logger
}

// NewConsumerGroup builds a group that marks a message only after handlerFunc succeeds.
// A message still failing after MaxDeliveries attempts goes to its dead-letter topic,
// unless the failure is Retryable, in which case it is retried until the session ends.
func NewConsumerGroup(
	cfg ConsumerGroupConfig,
	handlerFunc HandlerFunc,
	deadLetters Producer,
	logger *zap.Logger,
) *ConsumerGroup {
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}

	return &ConsumerGroup{
		cfg:         cfg,
		handlerFunc: handlerFunc,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

func (c *ConsumerGroup) Run(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, config)
	if err != nil {
		return fmt.Errorf("error creating consumer group: %w", err)
	}

	defer func() {
		if err := group.Close(); err != nil {
			mylogger.Error(ctx, c.logger, "Error closing consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			mylogger.Warn(ctx, c.logger, "Consumer group error", zap.Error(err))
		}
	}()

	handler := c.handler()

	for {
		err := group.Consume(ctx, c.cfg.Topics, handler)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}

			mylogger.Error(ctx, c.logger, "Error consuming in consumer loop", zap.Error(err))
		}

		if ctx.Err() != nil {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer")
			return nil
		}
	}
}

func (c *ConsumerGroup) handler() *saramaHandler {
	return &saramaHandler{
		handler:       c.handlerFunc,
		deadLetters:   c.deadLetters,
		maxDeliveries: c.cfg.MaxDeliveries,
		retryBackoff:  c.cfg.RetryBackoff,
		logger:        c.logger,
		tracer:        otel.Tracer("pkg/kafka/consumer"),
	}
}

type saramaHandler struct {
	handler       HandlerFunc
	deadLetters   Producer
	maxDeliveries int
	retryBackoff  time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer
}

func (h *saramaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *saramaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consume(session.Context(), msg); err != nil {
				// Leaving the claim without marking keeps the offset, so the message is redelivered.
				return err
			}

			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *saramaHandler) consume(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx, span := h.startSpan(ctx, msg)
	defer span.End()

	attempts, err := h.deliver(ctx, msg)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		return ctx.Err()
	}

	mylogger.Error(
		ctx,
		h.logger,
		"Failed to process message, moving to dead letter topic",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	if dlqErr := h.deadLetter(ctx, msg, attempts, err); dlqErr != nil {
		mylogger.Error(ctx, h.logger, "Failed to publish to dead letter topic", zap.Error(dlqErr))
		return fmt.Errorf("dead letter %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
	}

	return nil
}

// deliver runs the handler until it succeeds, fails permanently, or runs out of attempts.
// Retryable failures do not use up attempts; they back off until the handler recovers or ctx ends.
func (h *saramaHandler) deliver(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryBackoff
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts, failures := 0, 0
	for {
		attempts++

		err := h.handler(ctx, msg)
		if err == nil {
			return attempts, nil
		}
		if IsPermanent(err) {
			return attempts, err
		}

		retryable := IsRetryable(err)
		if !retryable {
			failures++
			if failures >= h.maxDeliveries {
				return attempts, err
			}
		}

		mylogger.Warn(
			ctx,
			h.logger,
			"Message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempts),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return attempts, errors.Join(err, ctx.Err())
		}

		select {
		case <-ctx.Done():
			return attempts, errors.Join(err, ctx.Err())
		case <-time.After(policy.NextBackOff()):
		}
	}
}

func (h *saramaHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, attempts int, cause error) error {
	if h.deadLetters == nil {
		return errors.New("no dead letter producer configured")
	}

	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderOriginalTopic), Value: []byte(msg.Topic)},
		{Key: []byte(HeaderOriginalPartition), Value: []byte(strconv.Itoa(int(msg.Partition)))},
		{Key: []byte(HeaderOriginalOffset), Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: []byte(HeaderDeliveryAttempts), Value: []byte(strconv.Itoa(attempts))},
		{Key: []byte(HeaderErrorMessage), Value: []byte(cause.Error())},
	}

	return h.deadLetters.ProduceRaw(ctx, &sarama.ProducerMessage{
		Topic:   DeadLetterTopic(msg.Topic),
		Key:     sarama.ByteEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})
}

func (h *saramaHandler) startSpan(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		if header != nil {
			carrier[string(header.Key)] = string(header.Value)
		}
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return h.tracer.Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
}
