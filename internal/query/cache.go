package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
)

// CachedStore wraps a Store with a Redis read-through cache. The projection
// worker calls Invalidate after each commit; the TTL bounds staleness if an
// invalidation is lost.
type CachedStore struct {
	Store
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		Store:   primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *CachedStore) Markets(ctx context.Context) ([]MarketResponse, error) {
	return cached(ctx, s, "markets", marketsKey(), func() ([]MarketResponse, error) {
		return s.Store.Markets(ctx)
	})
}

func (s *CachedStore) Positions(ctx context.Context, account string, status string) ([]PositionResponse, error) {
	return cached(ctx, s, "positions", positionsKey(account, status), func() ([]PositionResponse, error) {
		return s.Store.Positions(ctx, account, status)
	})
}

func (s *CachedStore) Position(ctx context.Context, key string) (*PositionResponse, error) {
	return cached(ctx, s, "position", positionKey(key), func() (*PositionResponse, error) {
		return s.Store.Position(ctx, key)
	})
}

// Invalidate drops the cache entries the given events make stale.
func (s *CachedStore) Invalidate(ctx context.Context, envs []event.EventEnvelope) {
	keys := InvalidationKeys(envs)
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache invalidation failed")
	}
}

func cached[T any](ctx context.Context, s *CachedStore, endpoint, key string, load func() (T, error)) (T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			s.record(endpoint, "hit")
			return v, nil
		}
	}
	s.record(endpoint, "miss")

	v, err := load()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) record(endpoint, result string) {
	if s.metrics != nil {
		s.metrics.QueryCacheLookup.WithLabelValues(endpoint, result).Inc()
	}
}

// InvalidationKeys lists the cache keys touched by envs.
func InvalidationKeys(envs []event.EventEnvelope) []string {
	seen := make(map[string]struct{})
	add := func(k string) { seen[k] = struct{}{} }

	for _, env := range envs {
		evt, err := event.Decode(env)
		if err != nil {
			continue
		}
		switch e := evt.(type) {
		case *event.MarketCreated:
			add(marketsKey())
		case *event.PositionIncreased:
			addPosition(add, e.Account.Hex(), e.PositionKey.Hex())
		case *event.PositionDecreased:
			addPosition(add, e.Account.Hex(), e.PositionKey.Hex())
		case *event.PositionLiquidated:
			addPosition(add, e.Account.Hex(), e.PositionKey.Hex())
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

func addPosition(add func(string), account, key string) {
	add(positionKey(key))
	for _, status := range []string{"", "open", "closed", "liquidated"} {
		add(positionsKey(account, status))
	}
}

func marketsKey() string { return "perp:markets" }

func positionKey(key string) string { return fmt.Sprintf("perp:position:%s", key) }

func positionsKey(account, status string) string {
	return fmt.Sprintf("perp:positions:%s:%s", account, status)
}
