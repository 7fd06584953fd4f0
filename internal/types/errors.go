package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

const (
	OracleCodespace     = "oracle"
	SettlementCodespace = "settlement"
	AuthCodespace       = "auth"
)

// Oracle errors. Retryable by resubmitting a valid price-set.
var (
	ErrInvalidPriceSet        = errorsmod.Register(OracleCodespace, 2, "invalid price set")
	ErrStalePrice             = errorsmod.Register(OracleCodespace, 3, "oracle block too old")
	ErrPrematurePrice         = errorsmod.Register(OracleCodespace, 4, "oracle block not confirmed")
	ErrBlockHashMismatch      = errorsmod.Register(OracleCodespace, 5, "oracle block hash mismatch")
	ErrInsufficientSigners    = errorsmod.Register(OracleCodespace, 6, "insufficient oracle signers")
	ErrUnknownSigner          = errorsmod.Register(OracleCodespace, 7, "unknown oracle signer")
	ErrDuplicateSigner        = errorsmod.Register(OracleCodespace, 8, "duplicate oracle signer")
	ErrInvalidSignature       = errorsmod.Register(OracleCodespace, 9, "invalid oracle signature")
	ErrMissingPrice           = errorsmod.Register(OracleCodespace, 10, "missing price")
	ErrMissingOraclePrecision = errorsmod.Register(OracleCodespace, 11, "oracle precision not configured")
	ErrOracleBlockMismatch    = errorsmod.Register(OracleCodespace, 12, "oracle block does not match request block")
)

// Settlement (validation) errors. Terminal for the attempt; the request stays pending.
var (
	ErrInvalidToken              = errorsmod.Register(SettlementCodespace, 2, "token not in market")
	ErrInvalidCollateralToken    = errorsmod.Register(SettlementCodespace, 3, "invalid collateral token")
	ErrInvalidFeeAmount          = errorsmod.Register(SettlementCodespace, 4, "invalid fee amount")
	ErrInsufficientExecutionFee  = errorsmod.Register(SettlementCodespace, 5, "insufficient execution fee")
	ErrInsufficientBalance       = errorsmod.Register(SettlementCodespace, 6, "insufficient balance")
	ErrOrderPriceNotAcceptable   = errorsmod.Register(SettlementCodespace, 7, "order price not acceptable")
	ErrUsdAdjustmentNotAccepted  = errorsmod.Register(SettlementCodespace, 8, "usd adjustment not acceptable")
	ErrInsufficientReserve       = errorsmod.Register(SettlementCodespace, 9, "insufficient reserve")
	ErrInsufficientPoolAmount    = errorsmod.Register(SettlementCodespace, 10, "insufficient pool amount")
	ErrEmptyPosition             = errorsmod.Register(SettlementCodespace, 11, "empty position")
	ErrInsufficientSwapOutput    = errorsmod.Register(SettlementCodespace, 12, "insufficient swap output amount")
	ErrNotLiquidatable           = errorsmod.Register(SettlementCodespace, 13, "position not liquidatable")
	ErrMinMarketTokens           = errorsmod.Register(SettlementCodespace, 14, "minted market tokens below minimum")
	ErrMinOutputAmount           = errorsmod.Register(SettlementCodespace, 15, "withdrawal output below minimum")
	ErrInvalidMarket             = errorsmod.Register(SettlementCodespace, 16, "invalid market")
	ErrMarketAlreadyExists       = errorsmod.Register(SettlementCodespace, 17, "market already exists")
	ErrMarketNotFound            = errorsmod.Register(SettlementCodespace, 18, "market not found")
	ErrRequestNotFound           = errorsmod.Register(SettlementCodespace, 19, "request not found")
	ErrInvalidOrderType          = errorsmod.Register(SettlementCodespace, 20, "invalid order type")
	ErrOrderNotUpdatable         = errorsmod.Register(SettlementCodespace, 21, "order type cannot be updated")
	ErrInvalidSwapPath           = errorsmod.Register(SettlementCodespace, 22, "invalid swap path")
	ErrInvalidDecreaseSize       = errorsmod.Register(SettlementCodespace, 23, "decrease size exceeds position size")
	ErrMaxLeverageExceeded       = errorsmod.Register(SettlementCodespace, 24, "max leverage exceeded")
	ErrInsufficientCollateral    = errorsmod.Register(SettlementCodespace, 25, "insufficient collateral")
	ErrInvalidPoolValue          = errorsmod.Register(SettlementCodespace, 26, "invalid pool value")
	ErrRequestNotExpired         = errorsmod.Register(SettlementCodespace, 27, "request not yet expired")
	ErrOverflow                  = errorsmod.Register(SettlementCodespace, 28, "arithmetic overflow")
	ErrUnderflow                 = errorsmod.Register(SettlementCodespace, 29, "arithmetic underflow")
	ErrDivisionByZero            = errorsmod.Register(SettlementCodespace, 30, "division by zero")
	ErrInvalidPrice              = errorsmod.Register(SettlementCodespace, 31, "invalid price")
	ErrEmptyAccount              = errorsmod.Register(SettlementCodespace, 32, "empty account")
	ErrInvalidAmount             = errorsmod.Register(SettlementCodespace, 33, "invalid amount")
	ErrUnknownParam              = errorsmod.Register(SettlementCodespace, 34, "unknown configuration parameter")
	ErrGenesisApplied            = errorsmod.Register(SettlementCodespace, 35, "genesis already applied")
	ErrMalformedCommand          = errorsmod.Register(SettlementCodespace, 36, "malformed command")
	ErrUnknownCommand            = errorsmod.Register(SettlementCodespace, 37, "unknown command type")
)

// Authorization errors. Terminal, never retried.
var (
	ErrUnauthorized = errorsmod.Register(AuthCodespace, 2, "unauthorized")
	ErrNotOwner     = errorsmod.Register(AuthCodespace, 3, "caller is not the request owner")
)

// ErrorKind is the taxonomy bucket of an error returned by the settlement engine.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindOracle
	KindValidation
	KindAuthorization
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOracle:
		return "oracle"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	default:
		return "internal"
	}
}

// Classify maps err to its taxonomy bucket. Arithmetic faults are registered in the
// settlement codespace and therefore classify as validation errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var registered *errorsmod.Error
	if !errors.As(err, &registered) {
		return KindInternal
	}

	switch registered.Codespace() {
	case OracleCodespace:
		return KindOracle
	case SettlementCodespace:
		return KindValidation
	case AuthCodespace:
		return KindAuthorization
	default:
		return KindInternal
	}
}

// Reason returns a short machine-readable label for err, used as a metrics label
// and in API responses.
func Reason(err error) string {
	var registered *errorsmod.Error
	if errors.As(err, &registered) {
		return registered.Codespace() + ":" + registered.Error()
	}
	return "internal"
}
