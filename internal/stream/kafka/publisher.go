// Package kafka publishes routing decisions for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// DecisionEvent is the record written for every terminal routing decision.
type DecisionEvent struct {
	TicketID    string    `json:"ticket_id"`
	UserID      string    `json:"user_id"`
	State       string    `json:"state"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	Cost        float64   `json:"cost"`
	ABTestID    string    `json:"ab_test_id,omitempty"`
	VariantID   string    `json:"variant_id,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
	ProcessedMS int64     `json:"processed_ms"`
}

type Publisher interface {
	PublishDecision(ctx context.Context, ev DecisionEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishDecision keys the message by ticket ID so one ticket's decisions
// stay on one partition.
func (p *Producer) PublishDecision(ctx context.Context, ev DecisionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.TicketID),
		Value: data,
		Time:  ev.DecidedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}

	logger.Debug("Decision published", zap.String("ticket_id", ev.TicketID), zap.String("state", ev.State))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop drops every event. Used when the stream is disabled.
type Nop struct{}

func (Nop) PublishDecision(context.Context, DecisionEvent) error { return nil }
func (Nop) Close() error                                         { return nil }
