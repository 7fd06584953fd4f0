package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpSettle/internal/observability"
)

// HeaderSource is the subset of ethclient.Client the follower polls.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// HeaderCache keeps the hashes of the most recent blocks. It implements Context.
type HeaderCache struct {
	mu       sync.RWMutex
	capacity uint64
	head     uint64
	hashes   map[uint64]common.Hash
	gasPrice *uint256.Int
}

func NewHeaderCache(capacity uint64) *HeaderCache {
	if capacity == 0 {
		capacity = 256
	}
	return &HeaderCache{
		capacity: capacity,
		hashes:   make(map[uint64]common.Hash, capacity),
		gasPrice: new(uint256.Int),
	}
}

func (c *HeaderCache) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

func (c *HeaderCache) BlockHash(number uint64) (common.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[number]
	return h, ok
}

func (c *HeaderCache) GasPrice() *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gasPrice.Clone()
}

// Put records a header hash and advances the head if number is newer.
// Entries older than the capacity window are evicted.
func (c *HeaderCache) Put(number uint64, hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes[number] = hash
	if number > c.head {
		c.head = number
	}
	if c.head >= c.capacity {
		floor := c.head - c.capacity
		for n := range c.hashes {
			if n <= floor {
				delete(c.hashes, n)
			}
		}
	}
}

func (c *HeaderCache) SetGasPrice(price *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = price.Clone()
}

// Follower polls an RPC node and keeps a HeaderCache current.
type Follower struct {
	source   HeaderSource
	cache    *HeaderCache
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewFollower builds a follower. metrics may be nil.
func NewFollower(source HeaderSource, cache *HeaderCache, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Follower {
	return &Follower{
		source:   source,
		cache:    cache,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.poll(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("initial chain poll failed")
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.poll(ctx); err != nil {
				f.logger.Warn().Err(err).Msg("chain poll failed")
			}
		}
	}
}

func (f *Follower) poll(ctx context.Context) error {
	err := f.Poll(ctx)
	if f.metrics != nil {
		if err != nil {
			f.metrics.ChainPollErrors.Inc()
		} else {
			f.metrics.ChainHead.Set(float64(f.cache.BlockNumber()))
		}
	}
	return err
}

// Poll fetches the latest header, backfills any gap in the cache window and
// refreshes the gas price.
func (f *Follower) Poll(ctx context.Context) error {
	latest, err := f.header(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch latest header: %w", err)
	}

	head := latest.Number.Uint64()
	previous := f.cache.BlockNumber()

	from := previous + 1
	if head >= f.cache.capacity && from < head-f.cache.capacity+1 {
		from = head - f.cache.capacity + 1
	}
	for n := from; n < head; n++ {
		if _, ok := f.cache.BlockHash(n); ok {
			continue
		}
		h, err := f.header(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("backfill header %d: %w", n, err)
		}
		f.cache.Put(n, h.Hash())
	}
	f.cache.Put(head, latest.Hash())

	var price *big.Int
	err = retry.Do(
		func() error {
			var err error
			price, err = f.source.SuggestGasPrice(ctx)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}

	gasPrice, overflow := uint256.FromBig(price)
	if overflow {
		return fmt.Errorf("gas price %s overflows uint256", price.String())
	}
	f.cache.SetGasPrice(gasPrice)

	if head != previous {
		f.logger.Debug().
			Uint64("block", head).
			Str("gas_price", gasPrice.Dec()).
			Msg("chain head advanced")
	}
	return nil
}

func (f *Follower) header(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	var header *ethtypes.Header
	err := retry.Do(
		func() error {
			h, err := f.source.HeaderByNumber(ctx, number)
			if err != nil {
				return err
			}
			header = h
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return header, err
}
