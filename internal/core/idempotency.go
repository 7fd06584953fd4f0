package core

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"PerpSettle/internal/observability"
)

// DBChecker is the durable dedup tier, backed by the command log.
type DBChecker interface {
	IsDuplicate(commandType string, commandID string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: a bounded in-memory
// LRU in front of the command log.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}

	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		if ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		panic("FATAL: idempotency capacity must be positive")
	}
	ic.lru = cache
	return ic
}

func compositeKey(commandType, commandID string) string {
	return commandType + ":" + commandID
}

// IsDuplicate reports whether the command was already applied.
func (ic *IdempotencyChecker) IsDuplicate(commandType, commandID string) bool {
	key := compositeKey(commandType, commandID)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	dup, err := ic.dbChecker.IsDuplicate(commandType, commandID)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A failed lookup lets the command through; a replayed create only
		// produces a second request, never a double payout.
		ic.logger.Warn().Err(err).Str("command", commandType).Str("id", commandID).Msg("dedup lookup failed")
		return false
	}
	if dup {
		ic.recordDuplicate(commandType, "postgres")
		ic.add(key)
		return true
	}
	return false
}

// MarkProcessed records a successfully applied command.
func (ic *IdempotencyChecker) MarkProcessed(commandType, commandID string) {
	ic.add(compositeKey(commandType, commandID))
}

// Warm loads composite keys, oldest first, so the newest survive eviction.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

// Keys returns the cached composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) add(key string) {
	ic.lru.Add(key, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}
