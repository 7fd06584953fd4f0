package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/types"
)

// Configuration parameter names accepted by SetConfig.
const (
	ParamMinOracleBlockConfirmations  = "MIN_ORACLE_BLOCK_CONFIRMATIONS"
	ParamMaxOracleBlockAge            = "MAX_ORACLE_BLOCK_AGE"
	ParamMinOracleSigners             = "MIN_ORACLE_SIGNERS"
	ParamMaxLeverage                  = "MAX_LEVERAGE"
	ParamMinCollateralUsd             = "MIN_COLLATERAL_USD"
	ParamPositionFeeFactor            = "POSITION_FEE_FACTOR"
	ParamLiquidationFeeFactor         = "LIQUIDATION_FEE_FACTOR"
	ParamSwapFeeFactor                = "SWAP_FEE_FACTOR"
	ParamEstimatedGasPerSwap          = "ESTIMATED_GAS_PER_SWAP"
	ParamExecutionFeeMultiplierFactor = "EXECUTION_FEE_MULTIPLIER_FACTOR"
	ParamRequestExpirationBlocks      = "REQUEST_EXPIRATION_BLOCKS"
	ParamReserveFactor                = "RESERVE_FACTOR"
	ParamOraclePrecision              = "ORACLE_PRECISION"
	ParamBorrowingFactorPerBlock      = "BORROWING_FACTOR_PER_BLOCK"
	ParamEstimatedGasLimit            = "ESTIMATED_GAS_LIMIT"
)

var scalarParams = map[string]common.Hash{
	ParamMinOracleBlockConfirmations:  ledger.MinOracleBlockConfirmationsKey,
	ParamMaxOracleBlockAge:            ledger.MaxOracleBlockAgeKey,
	ParamMinOracleSigners:             ledger.MinOracleSignersKey,
	ParamMaxLeverage:                  ledger.MaxLeverageKey,
	ParamMinCollateralUsd:             ledger.MinCollateralUsdKey,
	ParamPositionFeeFactor:            ledger.PositionFeeFactorKey,
	ParamLiquidationFeeFactor:         ledger.LiquidationFeeFactorKey,
	ParamSwapFeeFactor:                ledger.SwapFeeFactorKey,
	ParamEstimatedGasPerSwap:          ledger.EstimatedGasPerSwapKey,
	ParamExecutionFeeMultiplierFactor: ledger.ExecutionFeeMultiplierFactorKey,
	ParamRequestExpirationBlocks:      ledger.RequestExpirationBlocksKey,
}

// ConfigParam addresses one configuration value. Token, Market, IsLong and
// Kind are only read by the parameters that are keyed by them.
type ConfigParam struct {
	Name   string         `json:"name" toml:"name"`
	Token  common.Address `json:"token,omitempty" toml:"token"`
	Market common.Address `json:"market,omitempty" toml:"market"`
	IsLong bool           `json:"is_long,omitempty" toml:"is_long"`
	Kind   string         `json:"kind,omitempty" toml:"kind"`
}

// Key resolves the ledger key of p.
func (p ConfigParam) Key() (common.Hash, error) {
	if key, ok := scalarParams[p.Name]; ok {
		return key, nil
	}

	switch p.Name {
	case ParamReserveFactor:
		if p.Market == (common.Address{}) {
			return ledger.ReserveFactorKey, nil
		}
		return ledger.ReserveFactor(p.Market), nil
	case ParamOraclePrecision:
		if p.Token == (common.Address{}) {
			return common.Hash{}, types.ErrUnknownParam.Wrap("oracle precision needs a token")
		}
		return ledger.OraclePrecision(p.Token), nil
	case ParamBorrowingFactorPerBlock:
		if p.Market == (common.Address{}) {
			return common.Hash{}, types.ErrUnknownParam.Wrap("borrowing factor needs a market")
		}
		return ledger.BorrowingFactorPerBlock(p.Market, p.IsLong), nil
	case ParamEstimatedGasLimit:
		if p.Kind == "" {
			return common.Hash{}, types.ErrUnknownParam.Wrap("gas limit needs a kind")
		}
		return ledger.EstimatedGasLimit(p.Kind), nil
	}
	return common.Hash{}, types.ErrUnknownParam.Wrapf("%q", p.Name)
}

// CreateMarket registers a market. Requires MARKET_KEEPER.
func (e *Exchange) CreateMarket(caller, index, long, short common.Address) (market.Market, error) {
	var created market.Market
	err := e.atomic("CreateMarket", func() error {
		if err := e.requireRole(caller, types.RoleMarketKeeper); err != nil {
			return err
		}
		m, err := e.registry.Create(index, long, short)
		if err != nil {
			return err
		}
		created = m
		e.emit(&event.MarketCreated{
			MarketToken: m.MarketToken,
			IndexToken:  m.IndexToken,
			LongToken:   m.LongToken,
			ShortToken:  m.ShortToken,
			CreatedBy:   caller,
		})
		return nil
	})
	return created, err
}

// SetConfig writes one configuration value. Requires CONTROLLER.
func (e *Exchange) SetConfig(caller common.Address, param ConfigParam, value *uint256.Int) error {
	return e.atomic("SetConfig", func() error {
		if err := e.requireRole(caller, types.RoleController); err != nil {
			return err
		}
		return e.setConfig(caller, param, value)
	})
}

func (e *Exchange) setConfig(caller common.Address, param ConfigParam, value *uint256.Int) error {
	key, err := param.Key()
	if err != nil {
		return err
	}
	if value == nil {
		return types.ErrInvalidAmount.Wrapf("%s: nil value", param.Name)
	}

	// accrue at the old rate before the rate changes
	if param.Name == ParamBorrowingFactorPerBlock {
		if _, err := e.registry.UpdateCumulativeBorrowingFactor(param.Market, param.IsLong, e.chain.BlockNumber()); err != nil {
			return err
		}
	}

	e.store.SetUint(key, value)
	e.emit(&event.RiskParamUpdated{
		Name:      param.Name,
		Key:       key,
		Value:     value.Clone(),
		UpdatedBy: caller,
	})
	return nil
}

// SetNativeToken sets the token execution fees are paid in. Requires CONTROLLER.
func (e *Exchange) SetNativeToken(caller, token common.Address) error {
	return e.atomic("SetNativeToken", func() error {
		if err := e.requireRole(caller, types.RoleController); err != nil {
			return err
		}
		e.store.SetAddress(ledger.NativeTokenKey, token)
		return nil
	})
}

// GrantRole requires ROLE_ADMIN.
func (e *Exchange) GrantRole(caller, account common.Address, role string) error {
	return e.atomic("GrantRole", func() error {
		if err := e.requireRole(caller, types.RoleAdmin); err != nil {
			return err
		}
		if err := e.roleStore.GrantRole(account, role); err != nil {
			return err
		}
		e.emit(&event.RoleUpdated{Account: account, Role: role, Granted: true, UpdatedBy: caller})
		return nil
	})
}

// RevokeRole requires ROLE_ADMIN.
func (e *Exchange) RevokeRole(caller, account common.Address, role string) error {
	return e.atomic("RevokeRole", func() error {
		if err := e.requireRole(caller, types.RoleAdmin); err != nil {
			return err
		}
		e.roleStore.RevokeRole(account, role)
		e.emit(&event.RoleUpdated{Account: account, Role: role, Granted: false, UpdatedBy: caller})
		return nil
	})
}

// HasRole reports role membership through the configured RoleChecker.
func (e *Exchange) HasRole(account common.Address, role string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roles.HasRole(account, role)
}

// AddOracleSigner requires CONTROLLER.
func (e *Exchange) AddOracleSigner(caller, signer common.Address) error {
	return e.atomic("AddOracleSigner", func() error {
		if err := e.requireRole(caller, types.RoleController); err != nil {
			return err
		}
		if err := e.gateway.Signers().AddSigner(signer); err != nil {
			return err
		}
		e.emit(&event.OracleSignerUpdated{Signer: signer, Added: true, UpdatedBy: caller})
		return nil
	})
}

// RemoveOracleSigner requires CONTROLLER.
func (e *Exchange) RemoveOracleSigner(caller, signer common.Address) error {
	return e.atomic("RemoveOracleSigner", func() error {
		if err := e.requireRole(caller, types.RoleController); err != nil {
			return err
		}
		e.gateway.Signers().RemoveSigner(signer)
		e.emit(&event.OracleSignerUpdated{Signer: signer, Added: false, UpdatedBy: caller})
		return nil
	})
}

// === Genesis ===

type ParamValue struct {
	Param ConfigParam  `json:"param"`
	Value *uint256.Int `json:"value"`
}

type MarketSpec struct {
	IndexToken common.Address `json:"index_token"`
	LongToken  common.Address `json:"long_token"`
	ShortToken common.Address `json:"short_token"`
}

// Allocation credits Amount of Token to Account at genesis (dev and test chains).
type Allocation struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

// Genesis is the initial state of a fresh ledger.
type Genesis struct {
	NativeToken common.Address              `json:"native_token"`
	Roles       map[string][]common.Address `json:"roles,omitempty"`
	Signers     []common.Address            `json:"signers,omitempty"`
	Params      []ParamValue                `json:"params,omitempty"`
	Markets     []MarketSpec                `json:"markets,omitempty"`
	Allocations []Allocation                `json:"allocations,omitempty"`
}

// ApplyGenesis seeds an empty ledger without role checks. It fails with
// ErrGenesisApplied once any role has been granted.
func (e *Exchange) ApplyGenesis(g Genesis) error {
	return e.atomic("ApplyGenesis", func() error {
		if e.store.HashCount(ledger.RoleListKey) > 0 {
			return types.ErrGenesisApplied.Wrap("ledger already has roles")
		}

		if g.NativeToken != (common.Address{}) {
			e.store.SetAddress(ledger.NativeTokenKey, g.NativeToken)
		}
		for _, role := range types.AllRoles {
			for _, account := range g.Roles[role] {
				if err := e.roleStore.GrantRole(account, role); err != nil {
					return err
				}
				e.emit(&event.RoleUpdated{Account: account, Role: role, Granted: true})
			}
		}
		for _, signer := range g.Signers {
			if err := e.gateway.Signers().AddSigner(signer); err != nil {
				return err
			}
			e.emit(&event.OracleSignerUpdated{Signer: signer, Added: true})
		}
		for _, pv := range g.Params {
			if err := e.setConfig(common.Address{}, pv.Param, pv.Value); err != nil {
				return err
			}
		}
		for _, spec := range g.Markets {
			m, err := e.registry.Create(spec.IndexToken, spec.LongToken, spec.ShortToken)
			if err != nil {
				return err
			}
			e.emit(&event.MarketCreated{
				MarketToken: m.MarketToken,
				IndexToken:  m.IndexToken,
				LongToken:   m.LongToken,
				ShortToken:  m.ShortToken,
			})
		}
		for _, alloc := range g.Allocations {
			if err := e.store.Balances().Mint(alloc.Token, alloc.Account, alloc.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}
