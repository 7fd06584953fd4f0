package query

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/core"
	"PerpSettle/internal/exchange"
)

// ChainAuditor is the part of PostgresStore used for integrity checks.
type ChainAuditor interface {
	HashChainBreaks(ctx context.Context, limit int) ([]int64, int64, error)
	LoggedStateHash(ctx context.Context) ([]byte, error)
}

// QueryService answers reads. History and per-account views come from the
// projection tables; pools, balances and sequencing come from the live
// exchange, which is always at least as fresh.
type QueryService struct {
	store   Store
	auditor ChainAuditor
	proc    *core.Processor
}

func NewQueryService(store Store, auditor ChainAuditor, proc *core.Processor) *QueryService {
	return &QueryService{store: store, auditor: auditor, proc: proc}
}

func (qs *QueryService) exchange() *exchange.Exchange {
	return qs.proc.Exchange()
}

// GetMarkets returns every projected market with its live pool.
func (qs *QueryService) GetMarkets(ctx context.Context) (Page[MarketResponse], error) {
	asOf, err := qs.store.ProjectedSequence(ctx)
	if err != nil {
		return Page[MarketResponse]{}, fmt.Errorf("watermark: %w", err)
	}
	markets, err := qs.store.Markets(ctx)
	if err != nil {
		return Page[MarketResponse]{}, err
	}
	for i := range markets {
		if pool, err := qs.pool(common.HexToAddress(markets[i].MarketToken)); err == nil {
			markets[i].Pool = pool
		}
	}
	return Page[MarketResponse]{Items: markets, AsOfSequence: asOf}, nil
}

// GetMarket reads one market straight from the exchange.
func (qs *QueryService) GetMarket(marketToken common.Address) (*MarketResponse, error) {
	view, err := qs.exchange().MarketView(marketToken)
	if err != nil {
		return nil, err
	}
	m := view.Market
	return &MarketResponse{
		MarketToken: m.MarketToken.Hex(),
		IndexToken:  m.IndexToken.Hex(),
		LongToken:   m.LongToken.Hex(),
		ShortToken:  m.ShortToken.Hex(),
		Pool:        poolResponse(view),
	}, nil
}

func (qs *QueryService) pool(marketToken common.Address) (*PoolResponse, error) {
	view, err := qs.exchange().MarketView(marketToken)
	if err != nil {
		return nil, err
	}
	return poolResponse(view), nil
}

func poolResponse(view exchange.MarketView) *PoolResponse {
	p := view.Pool
	return &PoolResponse{
		LongTokenAmount:      decOf(p.LongTokenAmount),
		ShortTokenAmount:     decOf(p.ShortTokenAmount),
		LongOpenInterestUsd:  decOf(p.LongOpenInterest),
		ShortOpenInterestUsd: decOf(p.ShortOpenInterest),
		LongOpenInterest:     FormatUSD(p.LongOpenInterest),
		ShortOpenInterest:    FormatUSD(p.ShortOpenInterest),
		MarketTokenSupply:    decOf(view.Supply),
		ReserveFactor:        FormatFactor(view.ReserveFactor),
	}
}

// GetPositions returns positions of account, optionally filtered by status.
func (qs *QueryService) GetPositions(ctx context.Context, account common.Address, status string) (Page[PositionResponse], error) {
	asOf, err := qs.store.ProjectedSequence(ctx)
	if err != nil {
		return Page[PositionResponse]{}, fmt.Errorf("watermark: %w", err)
	}
	positions, err := qs.store.Positions(ctx, account.Hex(), status)
	if err != nil {
		return Page[PositionResponse]{}, err
	}
	return Page[PositionResponse]{Items: positions, AsOfSequence: asOf}, nil
}

func (qs *QueryService) GetPosition(ctx context.Context, key common.Hash) (*PositionResponse, error) {
	return qs.store.Position(ctx, key.Hex())
}

// GetRequests lists requests; keepers poll it with Status "pending".
func (qs *QueryService) GetRequests(ctx context.Context, f RequestFilter) (Page[RequestResponse], error) {
	asOf, err := qs.store.ProjectedSequence(ctx)
	if err != nil {
		return Page[RequestResponse]{}, fmt.Errorf("watermark: %w", err)
	}
	reqs, err := qs.store.Requests(ctx, f)
	if err != nil {
		return Page[RequestResponse]{}, err
	}
	return Page[RequestResponse]{Items: reqs, AsOfSequence: asOf}, nil
}

func (qs *QueryService) GetLiquidations(ctx context.Context, account string, limit int) (Page[LiquidationResponse], error) {
	asOf, err := qs.store.ProjectedSequence(ctx)
	if err != nil {
		return Page[LiquidationResponse]{}, fmt.Errorf("watermark: %w", err)
	}
	liqs, err := qs.store.Liquidations(ctx, account, limit)
	if err != nil {
		return Page[LiquidationResponse]{}, err
	}
	return Page[LiquidationResponse]{Items: liqs, AsOfSequence: asOf}, nil
}

// GetBalance reads a ledger balance from the exchange.
func (qs *QueryService) GetBalance(token, account common.Address) BalanceResponse {
	return BalanceResponse{
		Token:   token.Hex(),
		Account: account.Hex(),
		Amount:  decOf(qs.exchange().BalanceOf(token, account)),
	}
}

func (qs *QueryService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	commandSeq, eventSeq := qs.proc.Sequence()
	ex := qs.exchange()

	st := &StatusResponse{
		CommandSeq:     commandSeq,
		EventSeq:       eventSeq,
		StateHash:      qs.proc.StateHash().Hex(),
		HeadBlock:      ex.Head().BlockNumber,
		OpenPositions:  ex.PositionCount(),
		PendingOrders:  ex.OrderCount(),
		PendingDeposit: ex.DepositCount(),
	}
	projected, err := qs.store.ProjectedSequence(ctx)
	if err != nil {
		return st, fmt.Errorf("watermark: %w", err)
	}
	st.ProjectedSeq = projected
	st.ProjectionLag = eventSeq - projected
	return st, nil
}

// VerifyIntegrity checks the persisted hash chain, that the log tip matches
// memory and that every market holds exactly its pool plus collateral.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{InMemoryStateHash: qs.proc.StateHash().Hex(), StateHashesAgree: true}

	if qs.auditor != nil {
		breaks, last, err := qs.auditor.HashChainBreaks(ctx, 10)
		if err != nil {
			return nil, err
		}
		report.HashChainBreaks = breaks
		report.LastLoggedEventSeq = last

		logged, err := qs.auditor.LoggedStateHash(ctx)
		if err != nil {
			return nil, err
		}
		if logged != nil {
			report.LoggedStateHash = common.BytesToHash(logged).Hex()
		}
		// Persistence trails memory; only a caught-up log can be compared.
		if _, eventSeq := qs.proc.Sequence(); last == eventSeq && logged != nil {
			report.StateHashesAgree = report.LoggedStateHash == report.InMemoryStateHash
		}
	}

	report.CustodyMismatches = custodyMismatches(qs.exchange())
	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.CustodyMismatches) == 0 && report.StateHashesAgree
	return report, nil
}

func custodyMismatches(ex *exchange.Exchange) []string {
	var out []string
	for _, m := range ex.Markets(0, math.MaxInt32) {
		for _, token := range []common.Address{m.LongToken, m.ShortToken} {
			held := ex.BalanceOf(token, m.MarketToken)
			owed := new(uint256.Int).Add(ex.PoolAmount(m.MarketToken, token), ex.CollateralSum(m.MarketToken, token))
			if !held.Eq(owed) {
				out = append(out, fmt.Sprintf("%s/%s: held %s, owed %s", m.MarketToken.Hex(), token.Hex(), held.Dec(), owed.Dec()))
			}
			if m.LongToken == m.ShortToken {
				break
			}
		}
	}
	return out
}

func decOf(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
