package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/testutil"
)

type published struct {
	subject string
}

type fakeJetStream struct {
	fail int
	msgs []published
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, _ []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject})
	return &jetstream.PubAck{}, nil
}

func TestEventSubject(t *testing.T) {
	market := common.HexToAddress("0x1")
	assert.Equal(t, "perp.settlement.events.RoleUpdated", ingestion.EventSubject(event.EventEnvelope{EventType: event.EventTypeRoleUpdated}))
	assert.Equal(t, "perp.settlement.events.OrderCreated."+market.Hex(),
		ingestion.EventSubject(event.EventEnvelope{EventType: event.EventTypeOrderCreated, Market: &market}))
}

func TestOutboundPublisher_RetriesTransientFailures(t *testing.T) {
	js := &fakeJetStream{fail: 2}
	pub := ingestion.NewOutboundPublisher(js, nil, nil, testutil.Logger())

	require.NoError(t, pub.Publish(context.Background(), event.EventEnvelope{Sequence: 1, EventType: event.EventTypeRoleUpdated}))
	require.Len(t, js.msgs, 1)
}

func TestOutboundPublisher_RunPublishesEveryEnvelope(t *testing.T) {
	s := testutil.NewSettlement(t, nil)
	s.Deposit(t, "dep", testutil.Alice, 1, 1_000, 5_000)

	in := make(chan core.Output, 8)
	var total int
	for _, out := range s.Drain() {
		total += len(out.Envelopes)
		in <- out
	}
	close(in)

	js := &fakeJetStream{}
	pub := ingestion.NewOutboundPublisher(js, in, nil, testutil.Logger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pub.Run(ctx))

	assert.Len(t, js.msgs, total)
}
