package query

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	perptest "PerpSettle/internal/testutil"
)

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	perptest.RequireIntegration(t)

	opts, err := redis.ParseURL(perptest.TestRedisURL())
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	require.NoError(t, rdb.FlushDB(ctx).Err())

	key := common.HexToHash("0x42")
	primary := &memoryStore{
		markets: []MarketResponse{{MarketToken: perptest.WETH.Hex()}},
		positions: map[string]PositionResponse{
			key.Hex(): {PositionKey: key.Hex(), Account: perptest.Alice.Hex(), Status: "open"},
		},
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := NewCachedStore(primary, rdb, time.Minute, metrics, perptest.Logger())

	_, err = store.Markets(ctx)
	require.NoError(t, err)
	markets, err := store.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueryCacheLookup.WithLabelValues("markets", "hit")))

	p, err := store.Position(ctx, key.Hex())
	require.NoError(t, err)
	assert.Equal(t, "open", p.Status)

	primary.positions[key.Hex()] = PositionResponse{PositionKey: key.Hex(), Account: perptest.Alice.Hex(), Status: "closed"}
	p, err = store.Position(ctx, key.Hex())
	require.NoError(t, err)
	assert.Equal(t, "open", p.Status, "served from cache")

	env, err := event.Encode(&event.PositionDecreased{PositionKey: key, Account: perptest.Alice})
	require.NoError(t, err)
	store.Invalidate(ctx, []event.EventEnvelope{env})

	p, err = store.Position(ctx, key.Hex())
	require.NoError(t, err)
	assert.Equal(t, "closed", p.Status)

	_, err = store.Position(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
	exists, err := rdb.Exists(ctx, positionKey("0xmissing")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "misses are not cached")
}
