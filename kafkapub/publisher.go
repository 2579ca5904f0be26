// Package kafkapub publishes committed balance and settlement events to
// Kafka. It runs as a ledger plugin, so events are only produced for
// changes that have already been committed.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Publisher)(nil)
	_ plugin.OnBalanceChanged    = (*Publisher)(nil)
	_ plugin.OnOrderCreated      = (*Publisher)(nil)
	_ plugin.OnOrderTransitioned = (*Publisher)(nil)
	_ plugin.OnRefunded          = (*Publisher)(nil)
	_ plugin.OnShutdown          = (*Publisher)(nil)
)

// Event types. They double as topic names unless remapped with WithTopics.
const (
	EventBalanceChanged = "balance.changed"
	EventOrderCreated   = "order.created"
	EventOrderSettled   = "order.settled"
	EventRefundApplied  = "refund.applied"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON value of every published message.
type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// OrderSettled is the payload of EventOrderSettled.
type OrderSettled struct {
	Order *order.Order `json:"order"`
	From  order.State  `json:"from"`
}

// RefundApplied is the payload of EventRefundApplied.
type RefundApplied struct {
	Entry *entry.Entry `json:"entry"`
	Order *order.Order `json:"order,omitempty"`
}

// Publisher writes ledger events to Kafka, keyed by account ID so all
// events of one account land on the same partition in order.
type Publisher struct {
	writer       Writer
	topicByEvent map[string]string
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopics maps event types to topic names.
func WithTopics(topicByEvent map[string]string) Option {
	return func(p *Publisher) { p.topicByEvent = topicByEvent }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// New creates a Publisher on top of an existing writer.
func New(w Writer, opts ...Option) *Publisher {
	p := &Publisher{
		writer: w,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewKafka creates a Publisher backed by a kafka.Writer on brokers.
func NewKafka(brokers []string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafkapub: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	return New(w, opts...), nil
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "kafka-publisher" }

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (p *Publisher) OnBalanceChanged(ctx context.Context, e *entry.Entry) error {
	return p.publish(ctx, EventBalanceChanged, e.AccountID.String(), e)
}

// OnOrderCreated implements plugin.OnOrderCreated.
func (p *Publisher) OnOrderCreated(ctx context.Context, o *order.Order) error {
	return p.publish(ctx, EventOrderCreated, o.AccountID.String(), o)
}

// OnOrderTransitioned implements plugin.OnOrderTransitioned.
func (p *Publisher) OnOrderTransitioned(ctx context.Context, o *order.Order, from order.State) error {
	return p.publish(ctx, EventOrderSettled, o.AccountID.String(), OrderSettled{Order: o, From: from})
}

// OnRefunded implements plugin.OnRefunded.
func (p *Publisher) OnRefunded(ctx context.Context, e *entry.Entry, o *order.Order) error {
	return p.publish(ctx, EventRefundApplied, e.AccountID.String(), RefundApplied{Entry: e, Order: o})
}

// OnShutdown implements plugin.OnShutdown.
func (p *Publisher) OnShutdown(context.Context) error {
	return p.writer.Close()
}

// Topic returns the topic an event type is written to.
func (p *Publisher) Topic(eventType string) string {
	if mapped, ok := p.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	return eventType
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, data any) error {
	now := p.now()
	value, err := json.Marshal(Envelope{Type: eventType, OccurredAt: now, Data: data})
	if err != nil {
		return fmt.Errorf("kafkapub: encode %s: %w", eventType, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(eventType),
		Key:   []byte(key),
		Value: value,
		Time:  now,
	})
	if err != nil {
		p.logger.Error("kafkapub: publish failed", "event", eventType, "key", key, "error", err)
		return fmt.Errorf("kafkapub: publish %s: %w", eventType, err)
	}
	return nil
}
