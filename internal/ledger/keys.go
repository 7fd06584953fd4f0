package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key namespaces. Every configuration value and accounting counter lives under
// keccak256(namespace ‖ args), with addresses left-padded to 32 bytes.
var (
	PoolAmountKey                   = hashString("POOL_AMOUNT")
	CollateralSumKey                = hashString("COLLATERAL_SUM")
	OpenInterestKey                 = hashString("OPEN_INTEREST")
	OpenInterestInTokensKey         = hashString("OPEN_INTEREST_IN_TOKENS")
	ReserveFactorKey                = hashString("RESERVE_FACTOR")
	OraclePrecisionKey              = hashString("ORACLE_PRECISION")
	MinOracleBlockConfirmationsKey  = hashString("MIN_ORACLE_BLOCK_CONFIRMATIONS")
	MaxOracleBlockAgeKey            = hashString("MAX_ORACLE_BLOCK_AGE")
	MinOracleSignersKey             = hashString("MIN_ORACLE_SIGNERS")
	MaxLeverageKey                  = hashString("MAX_LEVERAGE")
	MinCollateralUsdKey             = hashString("MIN_COLLATERAL_USD")
	PositionFeeFactorKey            = hashString("POSITION_FEE_FACTOR")
	LiquidationFeeFactorKey         = hashString("LIQUIDATION_FEE_FACTOR")
	SwapFeeFactorKey                = hashString("SWAP_FEE_FACTOR")
	BorrowingFactorPerBlockKey      = hashString("BORROWING_FACTOR_PER_BLOCK")
	CumulativeBorrowingFactorKey    = hashString("CUMULATIVE_BORROWING_FACTOR")
	BorrowingUpdatedAtBlockKey      = hashString("BORROWING_UPDATED_AT_BLOCK")
	EstimatedGasLimitKey            = hashString("ESTIMATED_GAS_LIMIT")
	EstimatedGasPerSwapKey          = hashString("ESTIMATED_GAS_PER_SWAP")
	ExecutionFeeMultiplierFactorKey = hashString("EXECUTION_FEE_MULTIPLIER_FACTOR")
	RequestExpirationBlocksKey      = hashString("REQUEST_EXPIRATION_BLOCKS")
	NativeTokenKey                  = hashString("NATIVE_TOKEN")
	NonceKey                        = hashString("NONCE")
	OracleSignerListKey             = hashString("ORACLE_SIGNER_LIST")
	MarketListKey                   = hashString("MARKET_LIST")
	MarketIndexTokenKey             = hashString("MARKET_INDEX_TOKEN")
	MarketLongTokenKey              = hashString("MARKET_LONG_TOKEN")
	MarketShortTokenKey             = hashString("MARKET_SHORT_TOKEN")
	RoleMembersKey                  = hashString("ROLE_MEMBERS")
	RoleListKey                     = hashString("ROLE_LIST")
)

// Gas-limit kinds for EstimatedGasLimit.
const (
	GasKindDeposit     = "DEPOSIT"
	GasKindWithdrawal  = "WITHDRAWAL"
	GasKindIncrease    = "INCREASE_ORDER"
	GasKindDecrease    = "DECREASE_ORDER"
	GasKindSwap        = "SWAP_ORDER"
	GasKindLiquidation = "LIQUIDATION"
)

func hashString(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func boolWord(b bool) []byte {
	word := make([]byte, 32)
	if b {
		word[31] = 1
	}
	return word
}

func PoolAmount(market, token common.Address) common.Hash {
	return crypto.Keccak256Hash(PoolAmountKey[:], addressWord(market), addressWord(token))
}

func CollateralSum(market, token common.Address) common.Hash {
	return crypto.Keccak256Hash(CollateralSumKey[:], addressWord(market), addressWord(token))
}

func OpenInterest(market common.Address, isLong bool) common.Hash {
	return crypto.Keccak256Hash(OpenInterestKey[:], addressWord(market), boolWord(isLong))
}

func OpenInterestInTokens(market common.Address, isLong bool) common.Hash {
	return crypto.Keccak256Hash(OpenInterestInTokensKey[:], addressWord(market), boolWord(isLong))
}

// ReserveFactor is the per-market override. The bare ReserveFactorKey holds the default.
func ReserveFactor(market common.Address) common.Hash {
	return crypto.Keccak256Hash(ReserveFactorKey[:], addressWord(market))
}

func OraclePrecision(token common.Address) common.Hash {
	return crypto.Keccak256Hash(OraclePrecisionKey[:], addressWord(token))
}

func BorrowingFactorPerBlock(market common.Address, isLong bool) common.Hash {
	return crypto.Keccak256Hash(BorrowingFactorPerBlockKey[:], addressWord(market), boolWord(isLong))
}

func CumulativeBorrowingFactor(market common.Address, isLong bool) common.Hash {
	return crypto.Keccak256Hash(CumulativeBorrowingFactorKey[:], addressWord(market), boolWord(isLong))
}

func BorrowingUpdatedAtBlock(market common.Address, isLong bool) common.Hash {
	return crypto.Keccak256Hash(BorrowingUpdatedAtBlockKey[:], addressWord(market), boolWord(isLong))
}

func EstimatedGasLimit(kind string) common.Hash {
	return crypto.Keccak256Hash(EstimatedGasLimitKey[:], []byte(kind))
}

func MarketIndexToken(market common.Address) common.Hash {
	return crypto.Keccak256Hash(MarketIndexTokenKey[:], addressWord(market))
}

func MarketLongToken(market common.Address) common.Hash {
	return crypto.Keccak256Hash(MarketLongTokenKey[:], addressWord(market))
}

func MarketShortToken(market common.Address) common.Hash {
	return crypto.Keccak256Hash(MarketShortTokenKey[:], addressWord(market))
}

func RoleMembers(role string) common.Hash {
	return crypto.Keccak256Hash(RoleMembersKey[:], []byte(role))
}
