package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
)

const (
	EventStream        = "PERP_SETTLEMENT_EVENTS"
	EventSubjectPrefix = "perp.settlement.events."
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes sealed envelopes after their command is durable.
// Subjects follow perp.settlement.events.{EventType}[.{market}] and the event
// sequence is the JetStream message ID, so a republish after restart is
// deduplicated by the stream.
type OutboundPublisher struct {
	js      Publisher
	input   <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(js Publisher, input <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.input:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := op.Publish(ctx, env); err != nil {
					// Downstream consumers can read the event log directly.
					op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
					if op.metrics != nil {
						op.metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

// Publish sends one envelope, retrying transient failures briefly.
func (op *OutboundPublisher) Publish(ctx context.Context, env event.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := EventSubject(env)
	msgID := strconv.FormatInt(env.Sequence, 10)

	return retry.Do(
		func() error {
			_, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// EventSubject is the subject env is published on.
func EventSubject(env event.EventEnvelope) string {
	subject := EventSubjectPrefix + env.EventType.String()
	if env.Market != nil {
		subject += "." + env.Market.Hex()
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
