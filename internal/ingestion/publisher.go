package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const OutboundStream = "TROVE_LEDGER_EVENTS"

// OutboundPublisher publishes domain events to NATS once the command that
// produced them has been persisted.
// Subjects follow the pattern: trove.ledger.events.{kind}[.{owner}]
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is one domain event ready for outbound publishing.
type PublishableEvent struct {
	Sequence    int64             `json:"sequence"`
	Kind        string            `json:"kind"`
	CommandType string            `json:"command_type"`
	Owner       string            `json:"owner,omitempty"`
	Payload     event.DomainEvent `json:"payload"`
	StateHash   string            `json:"state_hash"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewPublishable wraps evt with the envelope that recorded it.
func NewPublishable(env *event.EventEnvelope, evt event.DomainEvent) PublishableEvent {
	pe := PublishableEvent{
		Sequence:    env.Sequence,
		Kind:        evt.Kind(),
		CommandType: env.CommandType.String(),
		Payload:     evt,
		StateHash:   fmt.Sprintf("%x", env.StateHash),
		Timestamp:   env.Timestamp,
	}
	switch e := evt.(type) {
	case *event.TroveUpdated:
		pe.Owner = strings.ToLower(e.Owner.Hex())
	case *event.TroveLiquidated:
		pe.Owner = strings.ToLower(e.Owner.Hex())
	}
	return pe
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the command log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("kind", evt.Kind).Msg("outbound publish failed")
			}
		}
	}
}

// EventSubject is the outbound subject of evt.
func EventSubject(evt PublishableEvent) string {
	subject := "trove.ledger.events." + evt.Kind
	if evt.Owner != "" {
		subject += "." + evt.Owner
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(evt), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"trove.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
