package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/core"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/types"
)

func TestNATSSubscriber_AppliesPublishedCommand(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), testutil.Logger())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, testutil.Logger()))
	t.Cleanup(func() { js.DeleteStream(context.Background(), ingestion.CommandStream) })

	s := testutil.NewSettlement(t, nil)
	submissions := make(chan core.Submission)
	go s.Processor.Run(ctx, submissions)

	sub := ingestion.NewNATSSubscriber(js, ingestion.NewDecoder(testutil.Salt), submissions, testutil.Logger())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	// signed over the message id, which becomes the command id
	wire := testutil.WireCommand(t, "deposit-nats-1", core.CmdCreateDeposit, testutil.AliceKey, exchange.DepositParams{
		Market:           s.Market,
		LongToken:        testutil.WETH,
		ShortToken:       testutil.USDC,
		LongTokenAmount:  testutil.Ether(1),
		ShortTokenAmount: testutil.USDCUnits(100),
	})
	delete(wire, "id")
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	forged := testutil.WireCommand(t, "grant-nats-1", core.CmdGrantRole, testutil.BobKey, core.RolePayload{Account: testutil.Bob, Role: types.RoleAdmin})
	forged["caller"] = testutil.Admin.Hex()
	forgedData, err := json.Marshal(forged)
	require.NoError(t, err)
	_, err = js.Publish(ctx, ingestion.CommandSubject(core.CmdGrantRole), forgedData)
	require.NoError(t, err)

	// Published twice with the same message ID; applied once.
	for i := 0; i < 2; i++ {
		_, err := js.Publish(ctx, ingestion.CommandSubject(core.CmdCreateDeposit), data, jetstream.WithMsgID("deposit-nats-1"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.Exchange.DepositCount() == 1
	}, 10*time.Second, 50*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, s.Exchange.DepositCount())
	assert.False(t, s.Exchange.HasRole(testutil.Bob, types.RoleAdmin))
}
