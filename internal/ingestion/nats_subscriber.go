package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw commands
// into the shell via rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the untyped message from NATS, ready for the shell to decode
// into a typed command before sending it to the core.
type RawEvent struct {
	Subject     string
	CommandType event.CommandType
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // ACK after the command is recorded
	NakFunc     func() // NAK on failure (will be redelivered)
}

// SubjectConfig maps a subject filter to one consumer. When CommandType is
// unknown the type is read from the last subject token.
type SubjectConfig struct {
	Subject      string
	CommandType  event.CommandType
	ConsumerName string
	StreamName   string
}

const (
	CommandStream = "TROVE_COMMANDS"
	PriceStream   = "TROVE_PRICES"
)

// DefaultSubjects uses one consumer for all user commands so their source
// sequence arrives in order, and one per price source.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "trove.commands.>", ConsumerName: "ledger-commands", StreamName: CommandStream},
		{Subject: "trove.prices.primary.>", CommandType: event.CommandTypePrimaryRound, ConsumerName: "ledger-prices-primary", StreamName: PriceStream},
		{Subject: "trove.prices.secondary.>", CommandType: event.CommandTypeSecondaryValue, ConsumerName: "ledger-prices-secondary", StreamName: PriceStream},
	}
}

// CommandSubject is the subject a producer publishes cmd on.
func CommandSubject(cmd event.Command) string {
	switch c := cmd.(type) {
	case *event.PrimaryRound:
		return "trove.prices.primary." + strings.ToLower(c.Token.Hex())
	case *event.SecondaryValue:
		return "trove.prices.secondary." + strings.ToLower(c.Token.Hex())
	}
	return "trove.commands." + cmd.CommandType().String()
}

// ResolveCommandType reads the command type of a message delivered on cfg.
func (cfg SubjectConfig) ResolveCommandType(subject string) (event.CommandType, error) {
	if cfg.CommandType != event.CommandTypeUnknown {
		return cfg.CommandType, nil
	}
	token := subject[strings.LastIndex(subject, ".")+1:]
	ct, ok := event.ParseCommandType(token)
	if !ok {
		return event.CommandTypeUnknown, fmt.Errorf("unknown command type in subject %q", subject)
	}
	return ct, nil
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ct, err := cfg.ResolveCommandType(msg.Subject())
			if err != nil {
				// Unroutable messages are terminated rather than redelivered.
				ns.logger.Warn().Err(err).Msg("dropping message")
				msg.Term()
				return
			}
			raw := RawEvent{
				Subject:     msg.Subject(),
				CommandType: ct,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams (FileStorage, Limits, 72h).
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{"trove.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      PriceStream,
			Subjects:  []string{"trove.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
