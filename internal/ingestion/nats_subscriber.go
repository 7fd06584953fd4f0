package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/types"
)

const (
	CommandStream = "PERP_COMMANDS"

	// ackWait covers one trip through the processor including a full persist batch.
	ackWait = 30 * time.Second
)

// ConsumerSpec is one durable consumer over a group of command subjects.
// Keeper groups get more deliveries since oracle failures are redelivered
// after a delay instead of being dropped.
type ConsumerSpec struct {
	Group      string
	MaxDeliver int
}

func (c ConsumerSpec) filter() string  { return SubjectPrefix + c.Group + ".>" }
func (c ConsumerSpec) durable() string { return "settle-" + c.Group }

// DefaultSubjects returns one consumer per command group so keeper traffic
// cannot starve behind user requests.
func DefaultSubjects() []ConsumerSpec {
	return []ConsumerSpec{
		{Group: "deposit", MaxDeliver: 10},
		{Group: "withdrawal", MaxDeliver: 10},
		{Group: "order", MaxDeliver: 10},
		{Group: "liquidation", MaxDeliver: 10},
		{Group: "admin", MaxDeliver: 3},
	}
}

func DefaultSubjectFilters() []string {
	var out []string
	for _, c := range DefaultSubjects() {
		out = append(out, c.filter())
	}
	return out
}

// FilterFor is the consumer filter that receives command type t.
func FilterFor(t core.CommandType) string {
	return SubjectPrefix + groupOf(t) + ".>"
}

// NATSSubscriber consumes command subjects from JetStream and submits each
// command to the processor, acking only once the outcome is final.
type NATSSubscriber struct {
	js        jetstream.JetStream
	decoder   *Decoder
	submit    chan<- core.Submission
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, decoder *Decoder, submit chan<- core.Submission, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		decoder: decoder,
		submit:  submit,
		logger:  logger,
	}
}

// Subscribe starts a pull consumer per spec on the command stream. Messages
// are acked explicitly once the processor has a final outcome.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, specs []ConsumerSpec) error {
	for _, spec := range specs {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       spec.durable(),
			FilterSubject: spec.filter(),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    spec.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("consumer %s: %w", spec.durable(), err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) { ns.handle(ctx, msg) })
		if err != nil {
			return fmt.Errorf("start %s: %w", spec.durable(), err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("filter", spec.filter()).Int("max_deliver", spec.MaxDeliver).Msg("consuming commands")
	}
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	var msgID string
	if h := msg.Headers(); h != nil {
		msgID = h.Get(nats.MsgIdHdr)
	}

	cmd, err := ns.decoder.Parse(msg.Subject(), msg.Data(), msgID)
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping unparseable or unsigned command")
		msg.Term()
		return
	}

	res, err := core.Submit(ctx, ns.submit, cmd)
	switch {
	case err == nil:
		ns.logger.Debug().Str("command", string(cmd.Type)).Str("id", cmd.ID).Int64("command_seq", res.CommandSeq).Bool("duplicate", res.Duplicate).Msg("command applied")
		msg.Ack()
	case ctx.Err() != nil:
		msg.Nak()
	case types.Classify(err) == types.KindOracle, errors.Is(err, types.ErrOrderPriceNotAcceptable):
		// A keeper may retry the same command with a fresher price-set.
		ns.logger.Info().Err(err).Str("command", string(cmd.Type)).Str("id", cmd.ID).Msg("command deferred")
		msg.NakWithDelay(2 * time.Second)
	default:
		ns.logger.Info().Err(err).Str("command", string(cmd.Type)).Str("id", cmd.ID).Msg("command rejected")
		msg.Ack()
	}
}

// EnsureStreams creates the command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
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
		nats.Name("perp-settle"),
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
