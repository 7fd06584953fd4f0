package query

// Amounts are carried twice: the raw integer as a decimal string, exact, and
// a display rendering for humans. USD values use 30 decimals.

// MarketResponse is a projected market joined with its live pool.
type MarketResponse struct {
	MarketToken string `json:"market_token"`
	IndexToken  string `json:"index_token"`
	LongToken   string `json:"long_token"`
	ShortToken  string `json:"short_token"`
	CreatedSeq  int64  `json:"created_seq"`

	Pool *PoolResponse `json:"pool,omitempty"`
}

// PoolResponse is read from the live exchange; pool amounts are not carried
// by events.
type PoolResponse struct {
	LongTokenAmount      string `json:"long_token_amount"`
	ShortTokenAmount     string `json:"short_token_amount"`
	LongOpenInterestUsd  string `json:"long_open_interest_usd"`
	ShortOpenInterestUsd string `json:"short_open_interest_usd"`
	LongOpenInterest     string `json:"long_open_interest_display"`
	ShortOpenInterest    string `json:"short_open_interest_display"`
	MarketTokenSupply    string `json:"market_token_supply"`
	ReserveFactor        string `json:"reserve_factor"`
}

type PositionResponse struct {
	PositionKey      string `json:"position_key"`
	Account          string `json:"account"`
	Market           string `json:"market"`
	CollateralToken  string `json:"collateral_token"`
	IsLong           bool   `json:"is_long"`
	SizeInUsd        string `json:"size_in_usd"`
	SizeInUsdDisplay string `json:"size_in_usd_display"`
	SizeInTokens     string `json:"size_in_tokens"`
	CollateralAmount string `json:"collateral_amount"`
	RealizedPnlUsd   string `json:"realized_pnl_usd"`
	RealizedPnl      string `json:"realized_pnl_display"`
	Status           string `json:"status"`
	LastSequence     int64  `json:"last_sequence"`
}

type RequestResponse struct {
	RequestKey   string  `json:"request_key"`
	Kind         string  `json:"kind"`
	Account      string  `json:"account"`
	Market       string  `json:"market"`
	OrderType    *string `json:"order_type,omitempty"`
	ExecutionFee string  `json:"execution_fee"`
	Status       string  `json:"status"`
	CreatedBlock int64   `json:"created_block"`
	Keeper       *string `json:"keeper,omitempty"`
	FeeRefunded  *bool   `json:"fee_refunded,omitempty"`
	LastSequence int64   `json:"last_sequence"`
}

type LiquidationResponse struct {
	Sequence         int64  `json:"sequence"`
	PositionKey      string `json:"position_key"`
	Account          string `json:"account"`
	Market           string `json:"market"`
	Keeper           string `json:"keeper"`
	Reason           string `json:"reason"`
	SizeInUsd        string `json:"size_in_usd"`
	SizeInUsdDisplay string `json:"size_in_usd_display"`
	PnlUsd           string `json:"pnl_usd"`
	Deficit          string `json:"deficit"`
	OracleBlock      int64  `json:"oracle_block"`
}

type BalanceResponse struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// StatusResponse describes how far the node and its projections have got.
type StatusResponse struct {
	CommandSeq     int64  `json:"command_seq"`
	EventSeq       int64  `json:"event_seq"`
	StateHash      string `json:"state_hash"`
	HeadBlock      uint64 `json:"head_block"`
	ProjectedSeq   int64  `json:"projected_seq"`
	ProjectionLag  int64  `json:"projection_lag"`
	OpenPositions  int    `json:"open_positions"`
	PendingOrders  int    `json:"pending_orders"`
	PendingDeposit int    `json:"pending_deposits"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool     `json:"is_healthy"`
	HashChainBreaks    []int64  `json:"hash_chain_breaks,omitempty"`
	CustodyMismatches  []string `json:"custody_mismatches,omitempty"`
	LoggedStateHash    string   `json:"logged_state_hash,omitempty"`
	InMemoryStateHash  string   `json:"in_memory_state_hash"`
	StateHashesAgree   bool     `json:"state_hashes_agree"`
	LastLoggedEventSeq int64    `json:"last_logged_event_seq"`
}

// Page wraps list responses with the projection sequence they reflect.
type Page[T any] struct {
	Items        []T   `json:"items"`
	AsOfSequence int64 `json:"as_of_sequence"`
}
