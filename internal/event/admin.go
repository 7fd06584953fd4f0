package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type MarketCreated struct {
	MarketToken common.Address `json:"market_token"`
	IndexToken  common.Address `json:"index_token"`
	LongToken   common.Address `json:"long_token"`
	ShortToken  common.Address `json:"short_token"`
	CreatedBy   common.Address `json:"created_by"`
}

func (m *MarketCreated) EventType() EventType {
	return EventTypeMarketCreated
}

func (m *MarketCreated) MarketID() *common.Address {
	return marketRef(m.MarketToken)
}

// RiskParamUpdated is emitted for every admin write to a configuration key.
// Name is the human key label, Key the derived ledger key.
type RiskParamUpdated struct {
	Name      string         `json:"name"`
	Key       common.Hash    `json:"key"`
	Value     *uint256.Int   `json:"value"`
	UpdatedBy common.Address `json:"updated_by"`
}

func (r *RiskParamUpdated) EventType() EventType {
	return EventTypeRiskParamUpdated
}

func (r *RiskParamUpdated) MarketID() *common.Address {
	return nil
}

type RoleUpdated struct {
	Account   common.Address `json:"account"`
	Role      string         `json:"role"`
	Granted   bool           `json:"granted"`
	UpdatedBy common.Address `json:"updated_by"`
}

func (r *RoleUpdated) EventType() EventType {
	return EventTypeRoleUpdated
}

func (r *RoleUpdated) MarketID() *common.Address {
	return nil
}

type OracleSignerUpdated struct {
	Signer    common.Address `json:"signer"`
	Added     bool           `json:"added"`
	UpdatedBy common.Address `json:"updated_by"`
}

func (o *OracleSignerUpdated) EventType() EventType {
	return EventTypeOracleSignerUpdated
}

func (o *OracleSignerUpdated) MarketID() *common.Address {
	return nil
}
