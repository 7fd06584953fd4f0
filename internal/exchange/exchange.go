package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/event"
	"PerpSettle/internal/gas"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/position"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

// RoleChecker answers whether an account holds a role.
type RoleChecker interface {
	HasRole(account common.Address, role string) bool
}

// EventSink receives the events of every successful operation, in order.
type EventSink interface {
	Publish(events []event.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(events []event.Event)

func (f EventSinkFunc) Publish(events []event.Event) {
	f(events)
}

// Options configure an Exchange. Store, Chain and Salt are required.
type Options struct {
	Store   *ledger.Store
	Chain   chain.Context
	Salt    common.Hash
	Roles   RoleChecker // defaults to the ledger role store
	Sink    EventSink
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Exchange is the settlement core. Every public operation is serialized and
// all-or-nothing: on error the ledger journal is reverted and no event escapes.
type Exchange struct {
	mu sync.Mutex

	store     *ledger.Store
	journal   *ledger.Journal
	roleStore *ledger.RoleStore
	roles     RoleChecker
	validator *ledger.InvariantValidator

	chain    chain.Context
	gateway  *oracle.Gateway
	guard    *gas.Guard
	registry *market.Registry

	deposits    *request.Store[request.Deposit]
	withdrawals *request.Store[request.Withdrawal]
	orders      *request.Store[request.Order]
	positions   *position.Store

	sink    EventSink
	logger  zerolog.Logger
	metrics *observability.Metrics

	pending []event.Event
	touched map[common.Address]struct{}
}

func New(opts Options) *Exchange {
	if opts.Store == nil || opts.Chain == nil {
		panic("FATAL: exchange requires a store and a chain context")
	}

	roleStore := ledger.NewRoleStore(opts.Store)
	var roles RoleChecker = roleStore
	if opts.Roles != nil {
		roles = opts.Roles
	}

	journal := opts.Store.Journal()
	return &Exchange{
		store:       opts.Store,
		journal:     journal,
		roleStore:   roleStore,
		roles:       roles,
		validator:   ledger.NewInvariantValidator(opts.Store),
		chain:       opts.Chain,
		gateway:     oracle.NewGateway(opts.Store, opts.Chain, opts.Salt),
		guard:       gas.NewGuard(opts.Store, opts.Chain),
		registry:    market.NewRegistry(opts.Store),
		deposits:    request.NewStore[request.Deposit](journal),
		withdrawals: request.NewStore[request.Withdrawal](journal),
		orders:      request.NewStore[request.Order](journal),
		positions:   position.NewStore(journal),
		sink:        opts.Sink,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		touched:     make(map[common.Address]struct{}),
	}
}

// SetSink replaces the event sink.
func (e *Exchange) SetSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// WithChain runs fn with every chain-dependent component bound to ctx, then
// restores the live chain. Replay uses it to pin the head a command was
// originally processed at.
func (e *Exchange) WithChain(ctx chain.Context, fn func() error) error {
	e.mu.Lock()
	live := e.chain
	e.bindChain(ctx)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.bindChain(live)
		e.mu.Unlock()
	}()
	return fn()
}

func (e *Exchange) bindChain(ctx chain.Context) {
	e.chain = ctx
	e.gateway.SetChain(ctx)
	e.guard.SetChain(ctx)
}

// Chain returns the bound chain context.
func (e *Exchange) Chain() chain.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain
}

// Head captures the chain head the next operation will run against.
func (e *Exchange) Head() chain.Head {
	e.mu.Lock()
	defer e.mu.Unlock()
	return chain.Capture(e.chain)
}

// atomic runs fn as one all-or-nothing unit.
func (e *Exchange) atomic(op string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	snapshot := e.journal.Snapshot()
	e.pending = e.pending[:0]
	for k := range e.touched {
		delete(e.touched, k)
	}

	if err := fn(); err != nil {
		e.journal.RevertToSnapshot(snapshot)
		e.pending = e.pending[:0]
		e.recordFailure(op, err)
		return err
	}

	for marketToken := range e.touched {
		if err := e.validator.ValidateMarket(marketToken); err != nil {
			panic(fmt.Sprintf("FATAL: %s broke custody invariant: %v", op, err))
		}
	}
	e.journal.Commit()

	events := make([]event.Event, len(e.pending))
	copy(events, e.pending)
	e.pending = e.pending[:0]

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(op).Inc()
		e.metrics.CommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.OpenPositions.Set(float64(e.positions.Count()))
		e.metrics.PendingRequests.WithLabelValues(request.KindDeposit).Set(float64(e.deposits.Count()))
		e.metrics.PendingRequests.WithLabelValues(request.KindWithdrawal).Set(float64(e.withdrawals.Count()))
		e.metrics.PendingRequests.WithLabelValues(request.KindOrder).Set(float64(e.orders.Count()))
		for _, evt := range events {
			e.metrics.EventsEmitted.WithLabelValues(evt.EventType().String()).Inc()
		}
		e.recordPools()
	}

	if e.sink != nil && len(events) > 0 {
		e.sink.Publish(events)
	}
	return nil
}

func (e *Exchange) recordFailure(op string, err error) {
	kind := types.Classify(err)
	e.logger.Debug().
		Str("op", op).
		Str("kind", kind.String()).
		Err(err).
		Msg("operation reverted")

	if e.metrics == nil {
		return
	}
	e.metrics.CommandsRejected.WithLabelValues(op, kind.String()).Inc()
	if kind == types.KindOracle {
		e.metrics.OracleRejections.WithLabelValues(types.Reason(err)).Inc()
	}
}

func (e *Exchange) emit(evt event.Event) {
	e.pending = append(e.pending, evt)
}

// recordPools refreshes the pool gauges of the markets the last operation
// touched. Amounts are in the token's smallest unit.
func (e *Exchange) recordPools() {
	for marketToken := range e.touched {
		m, err := e.registry.Get(marketToken)
		if err != nil {
			continue
		}
		for _, token := range []common.Address{m.LongToken, m.ShortToken} {
			e.metrics.PoolAmount.WithLabelValues(marketToken.Hex(), token.Hex()).
				Set(toFloat(e.registry.PoolAmount(marketToken, token)))
		}
	}
}

// touch marks a market whose custody must reconcile before commit.
func (e *Exchange) touch(marketToken common.Address) {
	e.touched[marketToken] = struct{}{}
}

func (e *Exchange) requireRole(account common.Address, role string) error {
	if !e.roles.HasRole(account, role) {
		return types.ErrUnauthorized.Wrapf("%s lacks %s", account.Hex(), role)
	}
	return nil
}

func (e *Exchange) nextKey(kind string) (common.Hash, error) {
	nonce, err := e.store.IncrementNonce()
	if err != nil {
		return common.Hash{}, err
	}
	return request.NewKey(kind, nonce), nil
}

// === Views ===

func (e *Exchange) Store() *ledger.Store {
	return e.store
}

func (e *Exchange) Gateway() *oracle.Gateway {
	return e.gateway
}

func (e *Exchange) Registry() *market.Registry {
	return e.registry
}

func (e *Exchange) Deposit(key common.Hash) (request.Deposit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deposits.Get(key)
}

func (e *Exchange) Withdrawal(key common.Hash) (request.Withdrawal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawals.Get(key)
}

func (e *Exchange) Order(key common.Hash) (request.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Get(key)
}

func (e *Exchange) Position(key position.Key) (position.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Get(key)
}

func (e *Exchange) DepositCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deposits.Count()
}

func (e *Exchange) WithdrawalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawals.Count()
}

func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Count()
}

func (e *Exchange) PositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Count()
}

// Positions returns open positions in [start, end).
func (e *Exchange) Positions(start, end int) []position.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.List(start, end)
}

func (e *Exchange) Deposits() []request.Deposit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deposits.Values()
}

func (e *Exchange) Withdrawals() []request.Withdrawal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdrawals.Values()
}

func (e *Exchange) Orders() []request.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Values()
}

// Markets returns markets in [start, end).
func (e *Exchange) Markets(start, end int) []market.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.List(start, end)
}

// PoolAmount is the pool balance of token in marketToken.
func (e *Exchange) PoolAmount(marketToken, token common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.PoolAmount(marketToken, token)
}

func (e *Exchange) CollateralSum(marketToken, token common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.CollateralSum(marketToken, token)
}

func (e *Exchange) BalanceOf(token, account common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Balances().BalanceOf(token, account)
}

// MarketView is one consistent read of a market's pool accounting.
type MarketView struct {
	Market        market.Market
	Pool          market.PoolState
	Supply        *uint256.Int
	ReserveFactor *uint256.Int
}

func (e *Exchange) MarketView(marketToken common.Address) (MarketView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.registry.Get(marketToken)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{
		Market:        m,
		Pool:          e.registry.State(m),
		Supply:        e.store.Balances().TotalSupply(marketToken),
		ReserveFactor: e.registry.ReserveFactor(marketToken),
	}, nil
}
