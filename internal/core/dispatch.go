package core

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/exchange"
	"PerpSettle/internal/types"
)

func decode(cmd Command, v any) error {
	if len(cmd.Payload) == 0 {
		return types.ErrMalformedCommand.Wrapf("%s: empty payload", cmd.Type)
	}
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return types.ErrMalformedCommand.Wrapf("%s: %s", cmd.Type, err)
	}
	return nil
}

// dispatch runs cmd against the exchange. The returned hash is the key of the
// request or market a create command produced.
func dispatch(ex *exchange.Exchange, cmd Command) (common.Hash, error) {
	caller := cmd.Caller

	switch cmd.Type {
	case CmdCreateDeposit:
		var p exchange.DepositParams
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return ex.CreateDeposit(caller, p)
	case CmdExecuteDeposit:
		var p ExecutePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.ExecuteDeposit(caller, p.Key, p.PriceSet)
	case CmdCancelDeposit:
		var p KeyPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.CancelDeposit(caller, p.Key)

	case CmdCreateWithdrawal:
		var p exchange.WithdrawalParams
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return ex.CreateWithdrawal(caller, p)
	case CmdExecuteWithdrawal:
		var p ExecutePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.ExecuteWithdrawal(caller, p.Key, p.PriceSet)
	case CmdCancelWithdrawal:
		var p KeyPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.CancelWithdrawal(caller, p.Key)

	case CmdCreateOrder:
		var p exchange.OrderParams
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return ex.CreateOrder(caller, p)
	case CmdUpdateOrder:
		var p UpdateOrderPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.UpdateOrder(caller, p.Key, p.UpdateOrderParams)
	case CmdExecuteOrder:
		var p ExecutePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.ExecuteOrder(caller, p.Key, p.PriceSet)
	case CmdCancelOrder:
		var p KeyPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.Key, ex.CancelOrder(caller, p.Key)

	case CmdLiquidatePosition:
		var p LiquidatePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return p.PositionKey, ex.LiquidatePosition(caller, p.PositionKey, p.PriceSet)

	case CmdCreateMarket:
		var p CreateMarketPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		m, err := ex.CreateMarket(caller, p.IndexToken, p.LongToken, p.ShortToken)
		return common.BytesToHash(m.MarketToken.Bytes()), err
	case CmdSetConfig:
		var p SetConfigPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.SetConfig(caller, p.Param, p.Value)
	case CmdSetNativeToken:
		var p TokenPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.SetNativeToken(caller, p.Token)
	case CmdGrantRole:
		var p RolePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.GrantRole(caller, p.Account, p.Role)
	case CmdRevokeRole:
		var p RolePayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.RevokeRole(caller, p.Account, p.Role)
	case CmdAddOracleSigner:
		var p SignerPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.AddOracleSigner(caller, p.Signer)
	case CmdRemoveOracleSigner:
		var p SignerPayload
		if err := decode(cmd, &p); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.RemoveOracleSigner(caller, p.Signer)
	case CmdApplyGenesis:
		var g exchange.Genesis
		if err := decode(cmd, &g); err != nil {
			return common.Hash{}, err
		}
		return common.Hash{}, ex.ApplyGenesis(g)
	}

	return common.Hash{}, types.ErrUnknownCommand.Wrapf("%q", cmd.Type)
}
