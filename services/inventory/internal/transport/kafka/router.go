package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	"github.com/sakashimaa/inventory-saga/pkg/kafka"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"go.uber.org/zap"
)

var ErrHandlerRegistered = errors.New("handler already registered")

type EventHandler func(ctx context.Context, payload json.RawMessage) error

// Router dispatches envelopes to exactly one handler per event type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewRouter(m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]EventHandler),
		metrics:  m,
		logger:   logger,
	}
}

func (r *Router) Register(eventType string, handler EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, eventType)
	}
	r.handlers[eventType] = handler

	return nil
}

// Handle satisfies kafka.HandlerFunc. Undecodable envelopes are permanent
// failures; unknown event types are acknowledged.
func (r *Router) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var envelope sharedDomain.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		mylogger.Error(
			ctx,
			r.logger,
			"Error unmarshalling envelope",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		r.metrics.EventConsumed("unknown", "malformed")

		return kafka.Permanent(fmt.Errorf("decode envelope: %w", err))
	}

	r.mu.RLock()
	handler, ok := r.handlers[envelope.Event]
	r.mu.RUnlock()

	if !ok {
		mylogger.Warn(ctx, r.logger, "Ignored event type", zap.String("event_type", envelope.Event))
		r.metrics.EventConsumed(envelope.Event, "ignored")

		return nil
	}

	mylogger.Debug(
		ctx,
		r.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
		zap.String("event_type", envelope.Event),
	)

	if err := handler(ctx, envelope.Payload); err != nil {
		r.metrics.EventConsumed(envelope.Event, "error")
		return err
	}

	r.metrics.EventConsumed(envelope.Event, "ok")

	return nil
}

// decode turns a payload into T; a payload that does not decode never will.
func decode[T any](payload json.RawMessage) (*T, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, kafka.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	return &event, nil
}
